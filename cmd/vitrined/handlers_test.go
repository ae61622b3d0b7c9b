package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vitrinelabs/vitrine/condition"
	"github.com/vitrinelabs/vitrine/facts"
	"github.com/vitrinelabs/vitrine/layout"
	"github.com/vitrinelabs/vitrine/store"
)

func testState(t *testing.T) *serverState {
	t.Helper()
	backend := store.NewMemoryStore()
	t.Cleanup(func() { _ = backend.Close() })
	auth := apiAuth{mode: "disabled"}
	cache := facts.NewDerivedCache(16, time.Minute)
	return newServerState(backend, "default", nil, newMemorySnapshotStore(snapshotStoreConfig{}), snapshotStoreConfig{}, auth, nil, nil, cache)
}

func seedLayout(t *testing.T, state *serverState) {
	t.Helper()
	err := state.backend.Store(context.Background(), &store.StoredLayout{
		Name:        "pdp-banner",
		Environment: "default",
		Status:      store.StatusActive,
		Layout: layout.Layout{
			Name: "pdp-banner",
			Conditions: []condition.Condition{
				{Key: condition.KeyCategoryID, Args: condition.IDArgs{ID: "16"}},
			},
			Then: layout.Branch{Name: "sale"},
			Else: &layout.Branch{Name: "regular"},
		},
	})
	if err != nil {
		t.Fatalf("seed layout: %v", err)
	}
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func TestHandleReadyRequiresActiveLayouts(t *testing.T) {
	state := testState(t)

	w := doJSON(t, state.handleReady, http.MethodGet, "/readyz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no layouts, got %d", w.Code)
	}

	seedLayout(t, state)
	w = doJSON(t, state.handleReady, http.MethodGet, "/readyz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 once a layout is active, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleDecideMatches(t *testing.T) {
	state := testState(t)
	seedLayout(t, state)

	w := doJSON(t, state.handleDecide, http.MethodPost, "/api/decide", map[string]interface{}{
		"layout": "pdp-banner",
		"context": map[string]interface{}{
			"productId":      "2001",
			"selectedItemId": "sku-1",
			"categoryId":     "16",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp decideResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Ready || !resp.Matched {
		t.Fatalf("expected ready match, got %+v", resp)
	}
	if resp.Branch == nil || resp.Branch.Name != "sale" {
		t.Fatalf("expected sale branch, got %+v", resp.Branch)
	}
}

func TestHandleDecideCachesRepeatedContexts(t *testing.T) {
	state := testState(t)
	seedLayout(t, state)

	body := map[string]interface{}{
		"layout": "pdp-banner",
		"context": map[string]interface{}{
			"productId":      "2001",
			"selectedItemId": "sku-1",
			"categoryId":     "16",
		},
	}
	first := doJSON(t, state.handleDecide, http.MethodPost, "/api/decide", body)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	var firstResp decideResponse
	if err := json.Unmarshal(first.Body.Bytes(), &firstResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !firstResp.Evaluated || firstResp.Cached {
		t.Fatalf("expected first decision to be evaluated, got %+v", firstResp)
	}

	second := doJSON(t, state.handleDecide, http.MethodPost, "/api/decide", body)
	var secondResp decideResponse
	if err := json.Unmarshal(second.Body.Bytes(), &secondResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !secondResp.Cached || secondResp.Evaluated {
		t.Fatalf("expected repeated decision to come from cache, got %+v", secondResp)
	}
	if secondResp.Branch == nil || secondResp.Branch.Name != firstResp.Branch.Name {
		t.Fatalf("cached decision diverged: %+v vs %+v", firstResp.Branch, secondResp.Branch)
	}
}

func TestHandleDecideIgnoresCacheAfterLayoutUpdate(t *testing.T) {
	state := testState(t)
	seedLayout(t, state)

	body := map[string]interface{}{
		"layout": "pdp-banner",
		"context": map[string]interface{}{
			"productId":      "2001",
			"selectedItemId": "sku-1",
			"categoryId":     "16",
		},
	}
	first := doJSON(t, state.handleDecide, http.MethodPost, "/api/decide", body)
	var firstResp decideResponse
	if err := json.Unmarshal(first.Body.Bytes(), &firstResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if firstResp.Branch == nil || firstResp.Branch.Name != "sale" {
		t.Fatalf("expected sale branch before the update, got %+v", firstResp.Branch)
	}

	err := state.backend.Store(context.Background(), &store.StoredLayout{
		Name:        "pdp-banner",
		Environment: "default",
		Status:      store.StatusActive,
		Layout: layout.Layout{
			Name: "pdp-banner",
			Conditions: []condition.Condition{
				{Key: condition.KeyCategoryID, Args: condition.IDArgs{ID: "999"}},
			},
			Then: layout.Branch{Name: "sale"},
			Else: &layout.Branch{Name: "regular"},
		},
	})
	if err != nil {
		t.Fatalf("update layout: %v", err)
	}

	second := doJSON(t, state.handleDecide, http.MethodPost, "/api/decide", body)
	var secondResp decideResponse
	if err := json.Unmarshal(second.Body.Bytes(), &secondResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if secondResp.Cached || !secondResp.Evaluated {
		t.Fatalf("expected fresh evaluation after layout update, got %+v", secondResp)
	}
	if secondResp.Branch == nil || secondResp.Branch.Name != "regular" {
		t.Fatalf("expected updated conditions to select else branch, got %+v", secondResp.Branch)
	}
}

func TestHandleDecideNotReady(t *testing.T) {
	state := testState(t)
	seedLayout(t, state)

	w := doJSON(t, state.handleDecide, http.MethodPost, "/api/decide", map[string]interface{}{
		"layout": "pdp-banner",
		"context": map[string]interface{}{
			"productId": "2001",
		},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for partial context, got %d", w.Code)
	}
	var resp decideResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Ready || resp.Branch != nil {
		t.Fatalf("expected no branch for partial context, got %+v", resp)
	}
}

func TestHandleDecideUsesStoredSnapshot(t *testing.T) {
	state := testState(t)
	seedLayout(t, state)

	err := state.IngestContext(contextEnvelope{
		Context: map[string]interface{}{
			"productId":      "2001",
			"selectedItemId": "sku-1",
			"categoryId":     "140",
		},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	w := doJSON(t, state.handleDecide, http.MethodPost, "/api/decide", map[string]interface{}{
		"layout":     "pdp-banner",
		"product_id": "2001",
		"use_stored": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp decideResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Matched {
		t.Fatalf("expected category 140 to miss the condition")
	}
	if resp.Branch == nil || resp.Branch.Name != "regular" {
		t.Fatalf("expected else branch, got %+v", resp.Branch)
	}
}

func TestHandleDecideUnknownProductDefers(t *testing.T) {
	state := testState(t)
	seedLayout(t, state)

	w := doJSON(t, state.handleDecide, http.MethodPost, "/api/decide", map[string]interface{}{
		"layout":     "pdp-banner",
		"product_id": "never-seen",
		"use_stored": true,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for unseen product, got %d: %s", w.Code, w.Body.String())
	}
	var resp decideResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Ready || resp.Branch != nil {
		t.Fatalf("expected deferred decision, got %+v", resp)
	}
}

func TestHandleDecideUnknownLayout(t *testing.T) {
	state := testState(t)

	w := doJSON(t, state.handleDecide, http.MethodPost, "/api/decide", map[string]interface{}{
		"layout": "missing",
		"context": map[string]interface{}{
			"productId":      "1",
			"selectedItemId": "sku-1",
		},
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleDryRunExplainsAllLayouts(t *testing.T) {
	state := testState(t)
	seedLayout(t, state)

	w := doJSON(t, state.handleDryRun, http.MethodPost, "/api/playground/dry-run", map[string]interface{}{
		"context": map[string]interface{}{
			"productId":      "2001",
			"selectedItemId": "sku-1",
			"categoryId":     "16",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp dryRunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Summary.Total != 1 || resp.Summary.Matched != 1 {
		t.Fatalf("unexpected summary: %+v", resp.Summary)
	}
	if len(resp.Layouts) != 1 || len(resp.Layouts[0].Conditions) != 1 {
		t.Fatalf("expected per-condition detail, got %+v", resp.Layouts)
	}
}

func TestHandleLayoutsRejectsInvalid(t *testing.T) {
	state := testState(t)

	w := doJSON(t, state.handleLayouts, http.MethodPost, "/api/layouts", map[string]interface{}{
		"name": "broken",
		"layout": map[string]interface{}{
			"name": "broken",
			"conditions": []map[string]interface{}{
				{"key": "categoryId", "args": map[string]interface{}{"id": "16"}},
			},
		},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for layout without then branch, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleLayoutsUpsertAndList(t *testing.T) {
	state := testState(t)

	w := doJSON(t, state.handleLayouts, http.MethodPost, "/api/layouts", map[string]interface{}{
		"name": "shelf",
		"layout": map[string]interface{}{
			"name": "shelf",
			"conditions": []map[string]interface{}{
				{"key": "brandId", "args": map[string]interface{}{"id": "9"}},
			},
			"then": map[string]interface{}{"name": "featured"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	list := doJSON(t, state.handleLayouts, http.MethodGet, "/api/layouts", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}
	var layouts []*store.StoredLayout
	if err := json.Unmarshal(list.Body.Bytes(), &layouts); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(layouts) != 1 || layouts[0].Name != "shelf" {
		t.Fatalf("unexpected list: %+v", layouts)
	}
	if layouts[0].Status != store.StatusActive {
		t.Fatalf("expected default active status, got %s", layouts[0].Status)
	}
}

func TestHandleSnapshotsRoundTrip(t *testing.T) {
	state := testState(t)

	post := doJSON(t, state.handleSnapshots, http.MethodPost, "/api/snapshots", map[string]interface{}{
		"context": map[string]interface{}{
			"productId":      "77",
			"selectedItemId": "sku-9",
		},
	})
	if post.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", post.Code, post.Body.String())
	}

	get := doJSON(t, state.handleSnapshots, http.MethodGet, "/api/snapshots?product=77", nil)
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.Code)
	}
	var single struct {
		ProductID string `json:"product_id"`
		Ready     bool   `json:"ready"`
	}
	if err := json.Unmarshal(get.Body.Bytes(), &single); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if single.ProductID != "77" || !single.Ready {
		t.Fatalf("unexpected snapshot: %+v", single)
	}

	missing := doJSON(t, state.handleSnapshots, http.MethodGet, "/api/snapshots?product=88", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", missing.Code)
	}
}
