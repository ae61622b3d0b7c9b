package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vitrinelabs/vitrine/facts"
)

func TestFileSnapshotStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.json")

	ss, err := newFileSnapshotStore(path, snapshotStoreConfig{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	bag := &facts.Bag{ProductID: "2001", SelectedItemID: "sku-1", BrandID: "9"}
	if err := ss.Update("2001", bag); err != nil {
		t.Fatalf("update: %v", err)
	}

	ss2, err := newFileSnapshotStore(path, snapshotStoreConfig{})
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}

	got, ok := ss2.Snapshot("2001")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if got.BrandID != "9" || got.SelectedItemID != "sku-1" {
		t.Fatalf("snapshot mismatch: %#v", got)
	}
	if !got.Ready() {
		t.Fatalf("expected reloaded snapshot to be ready")
	}
}

func TestFileSnapshotStoreConcurrentUpdates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.json")

	ss, err := newFileSnapshotStore(path, snapshotStoreConfig{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("%d", i)
			if err := ss.Update(id, &facts.Bag{ProductID: id, SelectedItemID: "sku-" + id}); err != nil {
				t.Errorf("update %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	ss2, err := newFileSnapshotStore(path, snapshotStoreConfig{})
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("%d", i)
		got, ok := ss2.Snapshot(id)
		if !ok {
			t.Fatalf("expected snapshot for product %s", id)
		}
		if !got.Ready() {
			t.Fatalf("expected reloaded snapshot %s to be ready", id)
		}
	}
}

func TestSnapshotStoreMergesPartialUpdates(t *testing.T) {
	ss := newMemorySnapshotStore(snapshotStoreConfig{})

	_ = ss.Update("2001", &facts.Bag{
		ProductID:  "2001",
		CategoryID: "16",
		Sellers: []facts.Seller{
			{SellerID: "1", CommertialOffer: facts.CommertialOffer{AvailableQuantity: 3}},
		},
	})
	_ = ss.Update("2001", &facts.Bag{
		ProductID:      "2001",
		SelectedItemID: "sku-1",
	})

	got, ok := ss.Snapshot("2001")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if got.CategoryID != "16" {
		t.Fatalf("expected category preserved, got %q", got.CategoryID)
	}
	if len(got.Sellers) != 1 {
		t.Fatalf("expected sellers preserved, got %d", len(got.Sellers))
	}
	if !got.Ready() {
		t.Fatalf("expected merged snapshot to be ready")
	}
}

func TestSnapshotStoreEvictsOldestProducts(t *testing.T) {
	ss := newMemorySnapshotStore(snapshotStoreConfig{maxProducts: 2})

	_ = ss.Update("a", &facts.Bag{ProductID: "a"})
	time.Sleep(2 * time.Millisecond)
	_ = ss.Update("b", &facts.Bag{ProductID: "b"})
	time.Sleep(2 * time.Millisecond)
	_ = ss.Update("c", &facts.Bag{ProductID: "c"})

	if _, ok := ss.Snapshot("a"); ok {
		t.Fatalf("expected oldest product evicted")
	}
	if _, ok := ss.Snapshot("b"); !ok {
		t.Fatalf("expected recent product kept")
	}
	if _, ok := ss.Snapshot("c"); !ok {
		t.Fatalf("expected newest product kept")
	}
	if got := len(ss.Summaries()); got != 2 {
		t.Fatalf("expected 2 summaries, got %d", got)
	}
}

func TestSnapshotStoreReturnsCopies(t *testing.T) {
	ss := newMemorySnapshotStore(snapshotStoreConfig{})
	_ = ss.Update("2001", &facts.Bag{ProductID: "2001", CategoryID: "16"})

	got, _ := ss.Snapshot("2001")
	got.CategoryID = "changed"

	again, _ := ss.Snapshot("2001")
	if again.CategoryID != "16" {
		t.Fatalf("snapshot mutation leaked into the store")
	}
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(r *http.Request)
		expect string
	}{
		{
			name:   "bearer header",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") },
			expect: "abc",
		},
		{
			name:   "token header",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Token xyz") },
			expect: "xyz",
		},
		{
			name:   "vitrine header",
			setup:  func(r *http.Request) { r.Header.Set("X-Vitrine-Token", "vt") },
			expect: "vt",
		},
		{
			name:   "missing",
			setup:  func(r *http.Request) {},
			expect: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			tc.setup(r)
			if got := extractToken(r); got != tc.expect {
				t.Fatalf("expected %q, got %q", tc.expect, got)
			}
		})
	}
}

func TestAPIAuthRoles(t *testing.T) {
	auth, generated, err := buildAPIAuth("token", "writer", "reader")
	if err != nil {
		t.Fatalf("build auth: %v", err)
	}
	if generated != "" {
		t.Fatalf("expected no generated token when tokens are configured")
	}

	read := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	read.Header.Set("Authorization", "Bearer reader")
	if ok, _ := auth.Authorize(read, roleRead); !ok {
		t.Fatalf("expected read token to pass read check")
	}
	if ok, _ := auth.Authorize(read, roleWrite); ok {
		t.Fatalf("expected read token to fail write check")
	}

	write := httptest.NewRequest(http.MethodPost, "/api/layouts", nil)
	write.Header.Set("Authorization", "Bearer writer")
	if ok, _ := auth.Authorize(write, roleWrite); !ok {
		t.Fatalf("expected write token to pass write check")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	limiter := newRateLimiter(60, 2)

	if !limiter.Allow("client") {
		t.Fatalf("expected first request allowed")
	}
	if !limiter.Allow("client") {
		t.Fatalf("expected burst request allowed")
	}
	if limiter.Allow("client") {
		t.Fatalf("expected limit hit")
	}
	if !limiter.Allow("other") {
		t.Fatalf("expected separate clients to have separate buckets")
	}
}

func TestRateLimiterBoundsBucketMap(t *testing.T) {
	limiter := newRateLimiter(60, 2)

	stale := time.Now().Add(-time.Hour)
	for i := 0; i < rateLimiterMaxBuckets; i++ {
		limiter.bucket[fmt.Sprintf("spoofed-%d", i)] = &rateBucket{tokens: 0, last: stale}
	}

	if !limiter.Allow("fresh") {
		t.Fatalf("expected fresh client allowed")
	}
	if len(limiter.bucket) > rateLimiterMaxBuckets {
		t.Fatalf("expected bucket map bounded, got %d entries", len(limiter.bucket))
	}
	if _, ok := limiter.bucket["fresh"]; !ok {
		t.Fatalf("expected fresh client to keep its bucket")
	}
	if _, ok := limiter.bucket["spoofed-0"]; ok {
		t.Fatalf("expected idle spoofed buckets swept")
	}
}

func TestACLOverridesRequiredRole(t *testing.T) {
	matcher, err := compileACL(aclConfig{
		Rules: []aclRule{
			{Path: "/api/snapshots", Methods: []string{"POST"}, Role: "read"},
			{Path: "/api/admin/*", Role: "write"},
		},
	})
	if err != nil {
		t.Fatalf("compile acl: %v", err)
	}

	post := httptest.NewRequest(http.MethodPost, "/api/snapshots", nil)
	if got := matcher.requiredRole(post, roleWrite); got != roleRead {
		t.Fatalf("expected rule to downgrade snapshot ingest to read")
	}

	admin := httptest.NewRequest(http.MethodGet, "/api/admin/tokens", nil)
	if got := matcher.requiredRole(admin, roleRead); got != roleWrite {
		t.Fatalf("expected prefix rule to require write")
	}

	other := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	if got := matcher.requiredRole(other, roleRead); got != roleRead {
		t.Fatalf("expected fallback role for unmatched path")
	}
}

func TestACLAreaRules(t *testing.T) {
	matcher, err := compileACL(aclConfig{
		Rules: []aclRule{
			{Area: "snapshots", Methods: []string{"POST", "PUT"}, Role: "read"},
			{Area: "layouts", Role: "write"},
		},
	})
	if err != nil {
		t.Fatalf("compile acl: %v", err)
	}

	ingest := httptest.NewRequest(http.MethodPut, "/api/snapshots", nil)
	if got := matcher.requiredRole(ingest, roleWrite); got != roleRead {
		t.Fatalf("expected snapshots area rule to downgrade ingest to read")
	}

	versions := httptest.NewRequest(http.MethodGet, "/api/layouts/pdp-banner/versions", nil)
	if got := matcher.requiredRole(versions, roleRead); got != roleWrite {
		t.Fatalf("expected layouts area rule to cover item subpaths")
	}

	if _, err := compileACL(aclConfig{
		Rules: []aclRule{{Area: "tokens", Role: "write"}},
	}); err == nil {
		t.Fatalf("expected unknown area to fail compilation")
	}
}
