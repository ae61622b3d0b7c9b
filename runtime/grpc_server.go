// Package runtime exposes layout decisions over gRPC for in-cluster
// callers that want structured envelopes instead of the HTTP API.
package runtime

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/vitrinelabs/vitrine/facts"
	"github.com/vitrinelabs/vitrine/layout"
	"github.com/vitrinelabs/vitrine/store"
)

// DecideRequest asks for a decision on one layout. Context carries the
// raw product document either as structured data or raw JSON; when
// both are set, ContextJSON wins.
type DecideRequest struct {
	LayoutName  string
	Version     string
	Environment string
	Context     *structpb.Struct
	ContextJSON []byte
	TraceID     string
	// Explain requests per-condition detail in the response.
	Explain bool
}

// DecideResponse is the decision envelope.
type DecideResponse struct {
	TraceID     string
	Ready       bool
	Matched     bool
	Branch      *layout.Branch
	Explanation *layout.Explanation
	EvaluatedAt *timestamppb.Timestamp
}

// DecisionServer serves decisions for layouts registered from a store
// backend. Registration is explicit so callers control which layouts
// are exposed.
type DecisionServer struct {
	mu       sync.RWMutex
	server   *grpc.Server
	listener net.Listener
	layouts  map[string]*registeredLayout
	cache    *facts.DerivedCache
}

// registeredLayout pairs a stored layout with the content fingerprint
// taken at registration time. Cache keys include the fingerprint so a
// re-registered layout can never be answered from stale entries.
type registeredLayout struct {
	stored      *store.StoredLayout
	fingerprint string
}

// NewDecisionServer builds a server listening on addr. The cache may
// be nil to disable decision memoization.
func NewDecisionServer(addr string, cache *facts.DerivedCache) (*DecisionServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("runtime: listen on %s: %w", addr, err)
	}

	server := grpc.NewServer()
	reflection.Register(server)

	return &DecisionServer{
		server:   server,
		listener: listener,
		layouts:  make(map[string]*registeredLayout),
		cache:    cache,
	}, nil
}

// Addr returns the bound listen address.
func (d *DecisionServer) Addr() string {
	return d.listener.Addr().String()
}

// Start serves until Stop is called. Blocking.
func (d *DecisionServer) Start() error {
	return d.server.Serve(d.listener)
}

// Stop drains in-flight calls and shuts the server down.
func (d *DecisionServer) Stop() {
	d.server.GracefulStop()
}

// RegisterLayout exposes a stored layout for decisions. The layout is
// validated on the way in; registering a broken layout fails.
func (d *DecisionServer) RegisterLayout(stored *store.StoredLayout) error {
	if stored == nil || stored.Name == "" {
		return fmt.Errorf("runtime: layout name is required")
	}
	if issues := layout.Validate(&stored.Layout); layout.HasErrors(issues) {
		return fmt.Errorf("runtime: layout %s failed validation: %v", stored.Name, issues)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.layouts[stored.Name] = &registeredLayout{
		stored:      stored,
		fingerprint: stored.Layout.Fingerprint(),
	}
	return nil
}

// UnregisterLayout removes a layout from the served set.
func (d *DecisionServer) UnregisterLayout(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.layouts[name]; !ok {
		return fmt.Errorf("runtime: layout %s is not registered", name)
	}
	delete(d.layouts, name)
	return nil
}

// ListLayouts returns the names of registered layouts.
func (d *DecisionServer) ListLayouts() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.layouts))
	for name := range d.layouts {
		names = append(names, name)
	}
	return names
}

// Decide evaluates a registered layout against the request context.
func (d *DecisionServer) Decide(ctx context.Context, req *DecideRequest) (*DecideResponse, error) {
	d.mu.RLock()
	reg, ok := d.layouts[req.LayoutName]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runtime: layout %s is not registered", req.LayoutName)
	}
	stored := reg.stored

	bag, err := bagFromRequest(req)
	if err != nil {
		return nil, err
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}
	resp := &DecideResponse{
		TraceID:     traceID,
		Ready:       bag.Ready(),
		EvaluatedAt: timestamppb.Now(),
	}

	if req.Explain {
		ex := layout.Explain(&stored.Layout, bag)
		resp.Explanation = &ex
		resp.Matched = ex.Matched && ex.Ready
		resp.Branch = ex.Branch
		return resp, nil
	}

	branch, err := d.decide(&stored.Layout, reg.fingerprint, bag)
	if err != nil {
		return nil, err
	}
	resp.Branch = branch
	resp.Matched = branch != nil && branch.Name == stored.Layout.Then.Name
	return resp, nil
}

// decide memoizes Decide results per layout content and bag
// fingerprint. Updating a layout changes its fingerprint, so entries
// for the previous conditions become unreachable rather than stale.
func (d *DecisionServer) decide(l *layout.Layout, fingerprint string, bag *facts.Bag) (*layout.Branch, error) {
	if d.cache == nil {
		return layout.Decide(l, bag)
	}
	key := fingerprint + ":" + bag.Fingerprint()
	if cached, ok := d.cache.Get(key); ok {
		if branch, ok := cached.(*layout.Branch); ok {
			return branch, nil
		}
	}
	branch, err := layout.Decide(l, bag)
	if err != nil {
		return nil, err
	}
	d.cache.Set(key, branch)
	return branch, nil
}

func bagFromRequest(req *DecideRequest) (*facts.Bag, error) {
	if len(req.ContextJSON) > 0 {
		bag, err := facts.Normalize(req.ContextJSON)
		if err != nil {
			return nil, fmt.Errorf("runtime: %w", err)
		}
		return bag, nil
	}
	if req.Context != nil {
		bag, err := facts.FromMap(req.Context.AsMap())
		if err != nil {
			return nil, fmt.Errorf("runtime: %w", err)
		}
		return bag, nil
	}
	return &facts.Bag{}, nil
}
