package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vitrinelabs/vitrine/condition"
	"github.com/vitrinelabs/vitrine/facts"
	"github.com/vitrinelabs/vitrine/layout"
	"github.com/vitrinelabs/vitrine/store"
)

type contextEnvelope struct {
	ProductID string                 `json:"product_id"`
	Context   map[string]interface{} `json:"context"`
	Source    string                 `json:"source,omitempty"`
	Received  time.Time              `json:"received_at"`
}

type serverState struct {
	mu          sync.RWMutex
	backend     store.Backend
	environment string
	startedAt   time.Time
	updatedAt   time.Time
	snapshots   snapshotStore
	snapConfig  snapshotStoreConfig
	envCh       chan<- contextEnvelope
	auth        apiAuth
	limiter     *rateLimiter
	acl         *aclMatcher
	cache       *facts.DerivedCache
}

func newServerState(backend store.Backend, environment string, envCh chan<- contextEnvelope, snapshots snapshotStore, config snapshotStoreConfig, auth apiAuth, limiter *rateLimiter, acl *aclMatcher, cache *facts.DerivedCache) *serverState {
	return &serverState{
		backend:     backend,
		environment: environment,
		startedAt:   time.Now(),
		updatedAt:   time.Now(),
		snapshots:   snapshots,
		snapConfig:  config,
		envCh:       envCh,
		auth:        auth,
		limiter:     limiter,
		acl:         acl,
		cache:       cache,
	}
}

func (s *serverState) Touch() {
	s.mu.Lock()
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// IngestContext normalizes a raw product context and folds it into the
// snapshot store under its product id.
func (s *serverState) IngestContext(env contextEnvelope) error {
	if env.Received.IsZero() {
		env.Received = time.Now()
	}
	bag, err := facts.FromMap(env.Context)
	if err != nil {
		return err
	}
	if env.ProductID == "" {
		env.ProductID = bag.ProductID
	}
	if env.ProductID == "" {
		return errors.New("product id is required")
	}
	return s.IngestBag(env, bag)
}

// IngestBag stores an already-normalized bag and notifies the main
// loop. The channel send never blocks; a full channel only loses the
// notification, not the snapshot.
func (s *serverState) IngestBag(env contextEnvelope, bag *facts.Bag) error {
	if s.snapshots != nil {
		if err := s.snapshots.Update(env.ProductID, bag); err != nil {
			return err
		}
	}
	if s.envCh != nil {
		select {
		case s.envCh <- env:
		default:
		}
	}
	return nil
}

type apiRole int

const (
	roleRead apiRole = iota
	roleWrite
)

type apiAuth struct {
	mode   string
	tokens map[string]apiRole
}

func (a apiAuth) enabled() bool {
	return strings.ToLower(a.mode) != "disabled"
}

func (a apiAuth) Authorize(r *http.Request, required apiRole) (bool, bool) {
	if !a.enabled() {
		return true, true
	}
	token := extractToken(r)
	if token == "" {
		return false, false
	}
	role, ok := a.tokens[token]
	if !ok {
		return false, true
	}
	if role == roleWrite || required == roleRead {
		return true, true
	}
	return false, true
}

func extractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if strings.HasPrefix(auth, "Token ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Token "))
	}
	if token := strings.TrimSpace(r.Header.Get("X-Vitrine-Token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get("X-Vitrine-Read-Token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return ""
}

// rateLimiterMaxBuckets caps the client bucket map. The keys come from
// X-Forwarded-For, so an attacker can mint arbitrarily many of them;
// idle buckets are swept once the map fills up.
const (
	rateLimiterMaxBuckets = 4096
	rateBucketIdleAfter   = 10 * time.Minute
)

type rateLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*rateBucket
}

type rateBucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(requestsPerMinute int, burst int) *rateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = requestsPerMinute
	}
	return &rateLimiter{
		rate:   float64(requestsPerMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*rateBucket),
	}
}

func (rl *rateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.bucket[key]
	if !ok {
		if len(rl.bucket) >= rateLimiterMaxBuckets {
			rl.sweepLocked(now)
		}
		rl.bucket[key] = &rateBucket{tokens: rl.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(bucket.last).Seconds()
	bucket.tokens = minFloat(rl.burst, bucket.tokens+(elapsed*rl.rate))
	bucket.last = now
	if bucket.tokens >= 1 {
		bucket.tokens -= 1
		return true
	}
	return false
}

// sweepLocked drops idle buckets; an idle bucket has refilled to burst
// anyway, so dropping it does not reset anyone's budget. If every
// bucket is busy the oldest ones go, keeping the map bounded.
func (rl *rateLimiter) sweepLocked(now time.Time) {
	for key, bucket := range rl.bucket {
		if now.Sub(bucket.last) > rateBucketIdleAfter {
			delete(rl.bucket, key)
		}
	}
	for len(rl.bucket) >= rateLimiterMaxBuckets {
		var oldestKey string
		var oldest time.Time
		for key, bucket := range rl.bucket {
			if oldestKey == "" || bucket.last.Before(oldest) {
				oldestKey = key
				oldest = bucket.last
			}
		}
		delete(rl.bucket, oldestKey)
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (s *serverState) withAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		required := requiredRoleFor(r)
		if s.acl != nil {
			required = s.acl.requiredRole(r, required)
		}
		if ok, hasToken := s.auth.Authorize(r, required); !ok {
			if !hasToken {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
			writeJSONError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiredRoleFor(r *http.Request) apiRole {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return roleRead
	}
	if r.URL.Path == "/api/dry-run" || r.URL.Path == "/api/playground/dry-run" || r.URL.Path == "/api/decide" {
		return roleRead
	}
	return roleWrite
}

func clientKey(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host := r.RemoteAddr
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
	}
	return host
}

func buildAPIAuth(mode, writeTokens, readTokens string) (apiAuth, string, error) {
	auth := apiAuth{
		mode:   strings.ToLower(strings.TrimSpace(mode)),
		tokens: make(map[string]apiRole),
	}
	if auth.mode == "" {
		auth.mode = "token"
	}
	if !auth.enabled() {
		return auth, "", nil
	}

	addTokens := func(raw string, role apiRole) {
		for _, token := range strings.Split(raw, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			auth.tokens[token] = role
		}
	}

	addTokens(writeTokens, roleWrite)
	addTokens(readTokens, roleRead)

	var generated string
	if len(auth.tokens) == 0 {
		token, err := generateToken()
		if err != nil {
			return apiAuth{}, "", err
		}
		auth.tokens[token] = roleWrite
		generated = token
	}

	return auth, generated, nil
}

func generateToken() (string, error) {
	buffer := make([]byte, 24)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}

func startHTTPServer(ctx context.Context, addr string, state *serverState) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", state.handleUI)
	mux.HandleFunc("/ui", state.handleUI)
	mux.HandleFunc("/healthz", state.handleHealth)
	mux.HandleFunc("/readyz", state.handleReady)
	mux.HandleFunc("/api/status", state.handleStatus)
	mux.HandleFunc("/api/keys", state.handleKeys)
	mux.HandleFunc("/api/layouts", state.handleLayouts)
	mux.HandleFunc("/api/layouts/", state.handleLayoutItem)
	mux.HandleFunc("/api/decide", state.handleDecide)
	mux.HandleFunc("/api/dry-run", state.handleDryRun)
	mux.HandleFunc("/api/playground/dry-run", state.handleDryRun)
	mux.HandleFunc("/api/snapshots", state.handleSnapshots)
	mux.HandleFunc("/api/audit", state.handleAudit)

	server := &http.Server{
		Addr:    addr,
		Handler: state.withAPIMiddleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Starting HTTP server on %s\n", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Printf("HTTP server error: %v\n", err)
	}
	fmt.Println("Shutting down HTTP server")
}

// snapshotStore keeps the most recent normalized bag per product so
// decisions can run against stored context instead of an inline one.
type snapshotStore interface {
	Update(productID string, bag *facts.Bag) error
	Snapshot(productID string) (*facts.Bag, bool)
	Summaries() []snapshotSummary
	StoreType() string
}

type snapshotStoreConfig struct {
	maxProducts int
}

type productSnapshot struct {
	Bag        *facts.Bag
	UpdatedAt  time.Time
	LastAccess time.Time
}

type snapshotSummary struct {
	ProductID string    `json:"product_id"`
	Ready     bool      `json:"ready"`
	Sellers   int       `json:"sellers"`
	UpdatedAt time.Time `json:"updated_at"`
}

type memorySnapshotStore struct {
	mu       sync.RWMutex
	products map[string]*productSnapshot
	config   snapshotStoreConfig
}

func newMemorySnapshotStore(config snapshotStoreConfig) *memorySnapshotStore {
	return &memorySnapshotStore{
		products: make(map[string]*productSnapshot),
		config:   config,
	}
}

func (ss *memorySnapshotStore) Update(productID string, bag *facts.Bag) error {
	if ss == nil || bag == nil {
		return nil
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	snapshot, ok := ss.products[productID]
	if !ok {
		snapshot = &productSnapshot{}
		ss.products[productID] = snapshot
	}
	snapshot.Bag = mergeBags(snapshot.Bag, bag)
	snapshot.UpdatedAt = time.Now()
	snapshot.LastAccess = time.Now()
	applyProductLimit(ss.products, ss.config.maxProducts)
	return nil
}

func (ss *memorySnapshotStore) Snapshot(productID string) (*facts.Bag, bool) {
	if ss == nil {
		return nil, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	snapshot, ok := ss.products[productID]
	if !ok {
		return nil, false
	}
	snapshot.LastAccess = time.Now()
	return snapshot.Bag.Clone(), true
}

func (ss *memorySnapshotStore) Summaries() []snapshotSummary {
	if ss == nil {
		return nil
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return buildSummaries(ss.products)
}

func (ss *memorySnapshotStore) StoreType() string {
	return "memory"
}

type fileSnapshotStore struct {
	mu       sync.RWMutex
	path     string
	products map[string]*productSnapshot
	config   snapshotStoreConfig

	// persistMu serializes writers of the temp file. The state to
	// persist is captured under it, so the last write always carries
	// the newest snapshot.
	persistMu sync.Mutex
}

func newFileSnapshotStore(path string, config snapshotStoreConfig) (*fileSnapshotStore, error) {
	ss := &fileSnapshotStore{
		path:     path,
		products: make(map[string]*productSnapshot),
		config:   config,
	}
	if err := ss.load(); err != nil {
		return nil, err
	}
	return ss, nil
}

func (ss *fileSnapshotStore) StoreType() string {
	return "file"
}

func (ss *fileSnapshotStore) Update(productID string, bag *facts.Bag) error {
	if ss == nil || bag == nil {
		return nil
	}
	ss.mu.Lock()
	snapshot, ok := ss.products[productID]
	if !ok {
		snapshot = &productSnapshot{}
		ss.products[productID] = snapshot
	}
	snapshot.Bag = mergeBags(snapshot.Bag, bag)
	snapshot.UpdatedAt = time.Now()
	snapshot.LastAccess = time.Now()
	applyProductLimit(ss.products, ss.config.maxProducts)
	ss.mu.Unlock()

	return ss.persist()
}

func (ss *fileSnapshotStore) Snapshot(productID string) (*facts.Bag, bool) {
	if ss == nil {
		return nil, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	snapshot, ok := ss.products[productID]
	if !ok {
		return nil, false
	}
	snapshot.LastAccess = time.Now()
	return snapshot.Bag.Clone(), true
}

func (ss *fileSnapshotStore) Summaries() []snapshotSummary {
	if ss == nil {
		return nil
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return buildSummaries(ss.products)
}

type persistedSnapshots struct {
	UpdatedAt time.Time                   `json:"updated_at"`
	Products  map[string]persistedProduct `json:"products"`
}

type persistedProduct struct {
	Bag        *facts.Bag `json:"bag"`
	UpdatedAt  time.Time  `json:"updated_at"`
	AccessedAt time.Time  `json:"accessed_at,omitempty"`
}

func (ss *fileSnapshotStore) snapshotLocked() persistedSnapshots {
	persisted := persistedSnapshots{
		UpdatedAt: time.Now(),
		Products:  make(map[string]persistedProduct, len(ss.products)),
	}
	for id, snapshot := range ss.products {
		persisted.Products[id] = persistedProduct{
			Bag:        snapshot.Bag.Clone(),
			UpdatedAt:  snapshot.UpdatedAt,
			AccessedAt: snapshot.LastAccess,
		}
	}
	return persisted
}

func (ss *fileSnapshotStore) persist() error {
	if ss == nil || ss.path == "" {
		return nil
	}
	ss.persistMu.Lock()
	defer ss.persistMu.Unlock()

	ss.mu.RLock()
	data := ss.snapshotLocked()
	ss.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(ss.path), 0o755); err != nil {
		return err
	}
	tempPath := ss.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tempPath, ss.path)
}

func (ss *fileSnapshotStore) load() error {
	if ss == nil || ss.path == "" {
		return nil
	}
	file, err := os.Open(ss.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	var data persistedSnapshots
	if err := json.Unmarshal(payload, &data); err != nil {
		return err
	}
	for id, product := range data.Products {
		accessed := product.AccessedAt
		if accessed.IsZero() {
			accessed = product.UpdatedAt
		}
		if accessed.IsZero() {
			accessed = time.Now()
		}
		ss.products[id] = &productSnapshot{
			Bag:        product.Bag,
			UpdatedAt:  product.UpdatedAt,
			LastAccess: accessed,
		}
	}
	return nil
}

// mergeBags overlays incoming over existing. Identifier and list
// fields only change when the incoming bag carries them, so a partial
// update from one feed never wipes context delivered by another.
func mergeBags(existing, incoming *facts.Bag) *facts.Bag {
	if existing == nil {
		return incoming.Clone()
	}
	if incoming == nil {
		return existing
	}
	merged := existing.Clone()
	if incoming.ProductID != "" {
		merged.ProductID = incoming.ProductID
	}
	if incoming.CategoryID != "" {
		merged.CategoryID = incoming.CategoryID
	}
	if incoming.BrandID != "" {
		merged.BrandID = incoming.BrandID
	}
	if incoming.SelectedItemID != "" {
		merged.SelectedItemID = incoming.SelectedItemID
	}
	if len(incoming.ProductClusters) > 0 {
		merged.ProductClusters = append([]facts.ClusterRef(nil), incoming.ProductClusters...)
	}
	if len(incoming.ClusterHighlights) > 0 {
		merged.ClusterHighlights = append([]facts.ClusterRef(nil), incoming.ClusterHighlights...)
	}
	if len(incoming.CategoryTree) > 0 {
		merged.CategoryTree = append([]facts.CategoryRef(nil), incoming.CategoryTree...)
	}
	if len(incoming.SpecificationProperties) > 0 {
		merged.SpecificationProperties = append([]facts.SpecificationProperty(nil), incoming.SpecificationProperties...)
	}
	if len(incoming.Sellers) > 0 {
		merged.Sellers = append([]facts.Seller(nil), incoming.Sellers...)
	}
	// Booleans carry no "absent" state in a normalized bag, so the
	// latest write wins.
	merged.AreAllVariationsSelected = incoming.AreAllVariationsSelected
	return merged
}

func applyProductLimit(products map[string]*productSnapshot, max int) {
	if max <= 0 || len(products) <= max {
		return
	}
	type candidate struct {
		id string
		at time.Time
	}
	candidates := make([]candidate, 0, len(products))
	for id, snapshot := range products {
		at := snapshot.LastAccess
		if at.IsZero() {
			at = snapshot.UpdatedAt
		}
		candidates = append(candidates, candidate{id: id, at: at})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	evictCount := len(products) - max
	for i := 0; i < evictCount; i++ {
		delete(products, candidates[i].id)
	}
}

func buildSummaries(products map[string]*productSnapshot) []snapshotSummary {
	summaries := make([]snapshotSummary, 0, len(products))
	for id, snapshot := range products {
		summary := snapshotSummary{
			ProductID: id,
			UpdatedAt: snapshot.UpdatedAt,
		}
		if snapshot.Bag != nil {
			summary.Ready = snapshot.Bag.Ready()
			summary.Sellers = len(snapshot.Bag.Sellers)
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ProductID < summaries[j].ProductID })
	return summaries
}

func storeTypeOrUnknown(snapshots snapshotStore) string {
	if snapshots == nil {
		return "unknown"
	}
	return snapshots.StoreType()
}

func summariesOrEmpty(snapshots snapshotStore) []snapshotSummary {
	if snapshots == nil {
		return nil
	}
	return snapshots.Summaries()
}

type statusResponse struct {
	Environment    string                `json:"environment"`
	StartedAt      time.Time             `json:"started_at"`
	LastReload     time.Time             `json:"last_reload"`
	UptimeSec      int64                 `json:"uptime_sec"`
	LayoutCount    int                   `json:"layout_count"`
	ConditionKeys  []string              `json:"condition_keys"`
	Products       []snapshotSummary     `json:"products"`
	SnapshotStore  string                `json:"snapshot_store"`
	SnapshotConfig snapshotSummaryConfig `json:"snapshot_config"`
}

type snapshotSummaryConfig struct {
	MaxProducts int `json:"max_products"`
}

func (s *serverState) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	layouts, err := s.backend.List(r.Context(), &store.ListFilters{Environment: s.environment})
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.mu.RLock()
	startedAt, updatedAt := s.startedAt, s.updatedAt
	s.mu.RUnlock()
	keys := make([]string, 0, len(condition.Keys()))
	for _, key := range condition.Keys() {
		keys = append(keys, string(key))
	}
	resp := statusResponse{
		Environment:   s.environment,
		StartedAt:     startedAt,
		LastReload:    updatedAt,
		UptimeSec:     int64(time.Since(startedAt).Seconds()),
		LayoutCount:   len(layouts),
		ConditionKeys: keys,
		Products:      summariesOrEmpty(s.snapshots),
		SnapshotStore: storeTypeOrUnknown(s.snapshots),
		SnapshotConfig: snapshotSummaryConfig{
			MaxProducts: s.snapConfig.maxProducts,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *serverState) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, condition.Keys())
}

func (s *serverState) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *serverState) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.backend.HealthCheck(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	layouts, err := s.backend.List(r.Context(), &store.ListFilters{
		Environment: s.environment,
		Status:      []store.Status{store.StatusActive},
	})
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if len(layouts) == 0 {
		writeJSONError(w, http.StatusServiceUnavailable, "no active layouts loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ready",
		"environment": s.environment,
		"layouts":     len(layouts),
	})
}

type layoutUpsertRequest struct {
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Environment string        `json:"environment"`
	Status      string        `json:"status"`
	Tags        []string      `json:"tags"`
	CreatedBy   string        `json:"created_by"`
	Layout      layout.Layout `json:"layout"`
}

func (s *serverState) handleLayouts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filters := &store.ListFilters{
			Name:        r.URL.Query().Get("name"),
			Environment: r.URL.Query().Get("environment"),
		}
		if filters.Environment == "" {
			filters.Environment = s.environment
		}
		if status := r.URL.Query().Get("status"); status != "" {
			filters.Status = []store.Status{store.Status(status)}
		}
		layouts, err := s.backend.List(r.Context(), filters)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, layouts)
	case http.MethodPost, http.MethodPut:
		var req layoutUpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.Name == "" {
			req.Name = req.Layout.Name
		}
		if req.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "layout name is required")
			return
		}
		if issues := layout.Validate(&req.Layout); layout.HasErrors(issues) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":  "layout is invalid",
				"issues": issues,
			})
			return
		}
		stored := &store.StoredLayout{
			Name:        req.Name,
			Version:     req.Version,
			Environment: req.Environment,
			Status:      store.Status(req.Status),
			Layout:      req.Layout,
			Tags:        req.Tags,
			CreatedBy:   req.CreatedBy,
		}
		if stored.Environment == "" {
			stored.Environment = s.environment
		}
		if stored.Status == "" {
			stored.Status = store.StatusActive
		}
		if err := s.backend.Store(r.Context(), stored); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.Touch()
		writeJSON(w, http.StatusCreated, stored)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *serverState) handleLayoutItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/layouts/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "layout name is required")
		return
	}
	name := parts[0]
	environment := r.URL.Query().Get("environment")
	if environment == "" {
		environment = s.environment
	}
	version := r.URL.Query().Get("version")

	if len(parts) == 2 {
		switch parts[1] {
		case "versions":
			s.handleLayoutVersions(w, r, name, environment)
		case "status":
			s.handleLayoutStatus(w, r, name, version, environment)
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		stored, err := s.backend.Get(r.Context(), name, version, environment)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "layout not found")
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stored)
	case http.MethodDelete:
		if version == "" {
			writeJSONError(w, http.StatusBadRequest, "version is required")
			return
		}
		if err := s.backend.Delete(r.Context(), name, version, environment); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "layout not found")
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.Touch()
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *serverState) handleLayoutVersions(w http.ResponseWriter, r *http.Request, name, environment string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	versions, err := s.backend.ListVersions(r.Context(), name, environment)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":     name,
		"versions": versions,
	})
}

func (s *serverState) handleLayoutStatus(w http.ResponseWriter, r *http.Request, name, version, environment string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if version == "" {
		writeJSONError(w, http.StatusBadRequest, "version is required")
		return
	}
	if err := s.backend.SetStatus(r.Context(), name, version, environment, store.Status(req.Status)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "layout not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Touch()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

type decideRequest struct {
	Layout      string                 `json:"layout"`
	Version     string                 `json:"version"`
	Environment string                 `json:"environment"`
	ProductID   string                 `json:"product_id"`
	Context     map[string]interface{} `json:"context"`
	UseStored   bool                   `json:"use_stored"`
}

type decideResponse struct {
	Layout    string         `json:"layout"`
	Version   string         `json:"version"`
	Ready     bool           `json:"ready"`
	Matched   bool           `json:"matched"`
	Evaluated bool           `json:"evaluated"`
	Cached    bool           `json:"cached"`
	Branch    *layout.Branch `json:"branch,omitempty"`
}

func (s *serverState) resolveBag(ctx context.Context, req decideRequest) (*facts.Bag, error) {
	if len(req.Context) > 0 {
		return facts.FromMap(req.Context)
	}
	if req.UseStored && s.snapshots != nil && req.ProductID != "" {
		if bag, ok := s.snapshots.Snapshot(req.ProductID); ok {
			return bag, nil
		}
		// An unseen product is indistinguishable from a partial
		// context: the decision is deferred, not failed.
		return &facts.Bag{ProductID: req.ProductID}, nil
	}
	return nil, errors.New("context or use_stored with product_id is required")
}

func (s *serverState) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Layout == "" {
		writeJSONError(w, http.StatusBadRequest, "layout is required")
		return
	}
	if req.Environment == "" {
		req.Environment = s.environment
	}
	bag, err := s.resolveBag(r.Context(), req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := s.backend.Get(r.Context(), req.Layout, req.Version, req.Environment)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "layout not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := decideResponse{
		Layout:  stored.Name,
		Version: stored.Version,
		Ready:   bag.Ready(),
	}
	if !resp.Ready {
		// Partial context is not an error; the client retries once
		// the product and item are selected.
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	// Cache entries key on the layout content, so an updated layout
	// can never be answered from decisions for its old conditions.
	cacheKey := stored.Layout.Fingerprint() + ":" + bag.Fingerprint()
	if s.cache != nil {
		if cached, ok := s.cache.Get(cacheKey); ok {
			if branch, ok := cached.(*layout.Branch); ok {
				resp.Branch = branch
				resp.Matched = branch != nil && branch.Name == stored.Layout.Then.Name
				resp.Cached = true
				writeJSON(w, http.StatusOK, resp)
				return
			}
		}
	}
	branch, err := layout.Decide(&stored.Layout, bag)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cache != nil {
		s.cache.Set(cacheKey, branch)
	}
	resp.Branch = branch
	resp.Matched = branch != nil && branch.Name == stored.Layout.Then.Name
	resp.Evaluated = true
	writeJSON(w, http.StatusOK, resp)
}

type dryRunRequest struct {
	Layout      string                 `json:"layout"`
	Environment string                 `json:"environment"`
	ProductID   string                 `json:"product_id"`
	Context     map[string]interface{} `json:"context"`
	UseStored   bool                   `json:"use_stored"`
}

type dryRunResponse struct {
	Environment string               `json:"environment"`
	Layouts     []layout.Explanation `json:"layouts"`
	Summary     dryRunSummary        `json:"summary"`
}

type dryRunSummary struct {
	Matched int `json:"matched"`
	Total   int `json:"total"`
}

func (s *serverState) handleDryRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req dryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Environment == "" {
		req.Environment = s.environment
	}
	bag, err := s.resolveBag(r.Context(), decideRequest{
		ProductID: req.ProductID,
		Context:   req.Context,
		UseStored: req.UseStored,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var layouts []*store.StoredLayout
	if req.Layout != "" {
		stored, err := s.backend.Get(r.Context(), req.Layout, "", req.Environment)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "layout not found")
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		layouts = append(layouts, stored)
	} else {
		layouts, err = s.backend.List(r.Context(), &store.ListFilters{
			Environment: req.Environment,
			Status:      []store.Status{store.StatusActive},
		})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	resp := dryRunResponse{Environment: req.Environment}
	for _, stored := range layouts {
		explanation := layout.Explain(&stored.Layout, bag)
		resp.Layouts = append(resp.Layouts, explanation)
		if explanation.Matched {
			resp.Summary.Matched++
		}
	}
	resp.Summary.Total = len(resp.Layouts)
	writeJSON(w, http.StatusOK, resp)
}

func (s *serverState) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		var req contextEnvelope
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.Context == nil {
			writeJSONError(w, http.StatusBadRequest, "context is required")
			return
		}
		if req.Source == "" {
			req.Source = "http"
		}
		if err := s.IngestContext(req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case http.MethodGet:
		if productID := r.URL.Query().Get("product"); productID != "" {
			if s.snapshots == nil {
				writeJSONError(w, http.StatusServiceUnavailable, "snapshot store not configured")
				return
			}
			bag, ok := s.snapshots.Snapshot(productID)
			if !ok {
				writeJSONError(w, http.StatusNotFound, "product not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"product_id": productID,
				"ready":      bag.Ready(),
				"bag":        bag,
			})
			return
		}
		writeJSON(w, http.StatusOK, summariesOrEmpty(s.snapshots))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *serverState) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filters := &store.AuditFilters{}
	if name := r.URL.Query().Get("layout"); name != "" {
		filters.Layouts = []string{name}
	}
	if action := r.URL.Query().Get("action"); action != "" {
		filters.Actions = []string{action}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		fmt.Sscanf(limit, "%d", &filters.Limit)
	}
	entries, err := s.backend.Audit(r.Context(), filters)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *serverState) handleUI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/ui" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(uiHTML))
}

const uiHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Vitrine Status</title>
  <style>
    :root {
      color-scheme: light;
      --bg: #f4f4f6;
      --card: #ffffff;
      --ink: #1b1c1f;
      --muted: #5d6066;
      --accent: #44509e;
      --border: #e0e0e6;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--bg);
    }
    header { padding: 28px 24px 12px; }
    header h1 { margin: 0 0 6px; font-size: 26px; }
    header p { margin: 0; color: var(--muted); }
    .grid {
      display: grid;
      grid-template-columns: repeat(auto-fit, minmax(280px, 1fr));
      gap: 16px;
      padding: 16px 24px 32px;
    }
    .card {
      background: var(--card);
      border: 1px solid var(--border);
      border-radius: 12px;
      padding: 16px;
    }
    .card h2 { margin: 0 0 10px; font-size: 16px; color: var(--accent); }
    table { width: 100%; border-collapse: collapse; font-size: 13px; }
    td, th { padding: 4px 6px; text-align: left; border-bottom: 1px solid var(--border); }
    .muted { color: var(--muted); }
  </style>
</head>
<body>
  <header>
    <h1>Vitrine</h1>
    <p>Layout decisions over live product context.</p>
  </header>
  <div class="grid">
    <div class="card">
      <h2>Status</h2>
      <table id="status"><tbody></tbody></table>
    </div>
    <div class="card">
      <h2>Products</h2>
      <table id="products">
        <thead><tr><th>Product</th><th>Ready</th><th>Sellers</th><th>Updated</th></tr></thead>
        <tbody></tbody>
      </table>
    </div>
    <div class="card">
      <h2>Condition keys</h2>
      <table id="keys"><tbody></tbody></table>
    </div>
  </div>
  <script>
    async function refresh() {
      try {
        const res = await fetch('/api/status');
        if (!res.ok) return;
        const data = await res.json();
        const status = document.querySelector('#status tbody');
        status.innerHTML = '';
        const rows = [
          ['Environment', data.environment],
          ['Layouts', data.layout_count],
          ['Uptime (s)', data.uptime_sec],
          ['Snapshot store', data.snapshot_store],
        ];
        for (const [k, v] of rows) {
          status.innerHTML += '<tr><td class="muted">' + k + '</td><td>' + v + '</td></tr>';
        }
        const products = document.querySelector('#products tbody');
        products.innerHTML = '';
        for (const p of data.products || []) {
          products.innerHTML += '<tr><td>' + p.product_id + '</td><td>' + p.ready +
            '</td><td>' + p.sellers + '</td><td class="muted">' + p.updated_at + '</td></tr>';
        }
        const keys = document.querySelector('#keys tbody');
        keys.innerHTML = '';
        for (const key of data.condition_keys || []) {
          keys.innerHTML += '<tr><td>' + key + '</td></tr>';
        }
      } catch (err) {
        console.error(err);
      }
    }
    refresh();
    setInterval(refresh, 5000);
  </script>
</body>
</html>
`
