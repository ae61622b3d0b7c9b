// cmd/vitrined/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vitrinelabs/vitrine/facts"
	"github.com/vitrinelabs/vitrine/runtime"
	"github.com/vitrinelabs/vitrine/source"
	"github.com/vitrinelabs/vitrine/store"

	_ "github.com/vitrinelabs/vitrine/source/amqp"
	_ "github.com/vitrinelabs/vitrine/source/kafka"
	_ "github.com/vitrinelabs/vitrine/source/mysql"
	_ "github.com/vitrinelabs/vitrine/source/s3"
)

var (
	// Configuration flags
	configPath     = flag.String("config", "", "Path to YAML/JSON config file")
	layoutDirs     = flag.String("layout-dir", "", "Directories containing layout files (comma-separated)")
	environment    = flag.String("environment", "default", "Environment layouts are served for")
	gitURL         = flag.String("git-url", "", "Git repository holding layout files")
	gitBranch      = flag.String("git-branch", "main", "Git branch to track")
	gitPath        = flag.String("git-path", "", "Local checkout path for the layout repository")
	gitPoll        = flag.Duration("git-poll", 5*time.Minute, "Interval for pulling layout repository updates")
	watchLayouts   = flag.Bool("watch", false, "Watch layout directories for changes")
	reloadInterval = flag.Duration("reload-interval", 30*time.Second, "Interval for refreshing gRPC-registered layouts (0 to disable)")

	// Storage flags
	storeBackend = flag.String("store", "memory", "Layout store backend (memory, postgres)")
	postgresDSN  = flag.String("postgres-dsn", "", "Postgres connection string")

	// Snapshot store flags
	snapshotStoreType = flag.String("snapshot-store", "memory", "Snapshot store (memory, file)")
	snapshotPath      = flag.String("snapshot-path", "./data/snapshots.json", "Snapshot store path (file store)")
	snapshotMax       = flag.Int("snapshot-max-products", 0, "Max products to keep in the snapshot store (0 for unlimited)")

	// Decision cache flags
	cacheSize = flag.Int("cache-size", 1024, "Decision cache entries (0 to disable)")
	cacheTTL  = flag.Duration("cache-ttl", 5*time.Minute, "Decision cache entry lifetime (0 for no expiry)")

	// Server flags
	httpAddr = flag.String("http-addr", ":8080", "HTTP server address")
	grpcAddr = flag.String("grpc-addr", "", "gRPC decision server address (empty to disable)")

	// API auth + rate limit flags
	apiAuthMode  = flag.String("api-auth", "token", "API auth mode (token, disabled)")
	apiToken     = flag.String("api-token", "", "Write token for /api endpoints (comma-separated)")
	apiReadToken = flag.String("api-read-token", "", "Read-only token for /api endpoints (comma-separated)")
	apiACLFile   = flag.String("api-acl-file", "", "Path to API ACL file (YAML/JSON)")
	apiRateLimit = flag.Int("api-rate-limit", 120, "API requests per minute per client (0 to disable)")
	apiRateBurst = flag.Int("api-rate-burst", 60, "API burst size (0 to use rate limit)")

	// Debug flags
	verbose = flag.Bool("verbose", false, "Enable verbose logging")
)

var postgresConfig *store.PostgresConfig
var sourceConfigs []source.Config

func main() {
	flag.Parse()

	setFlags := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("VITRINE_CONFIG"))
	}
	if path != "" {
		cfg, err := loadRuntimeConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		if err := applyRuntimeConfig(cfg, setFlags); err != nil {
			fmt.Fprintf(os.Stderr, "Error applying config: %v\n", err)
			os.Exit(1)
		}
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("Received signal %v, shutting down...\n", sig)
		cancel()
	}()

	backend, err := buildBackend(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening layout store: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	manager := buildManager(backend)
	if manager != nil {
		if err := manager.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading layouts: %v\n", err)
			os.Exit(1)
		}
		defer manager.Stop()
	}

	snapConfig := snapshotStoreConfig{maxProducts: *snapshotMax}
	var snapshots snapshotStore
	switch strings.ToLower(*snapshotStoreType) {
	case "memory":
		snapshots = newMemorySnapshotStore(snapConfig)
	case "file":
		fileStore, err := newFileSnapshotStore(*snapshotPath, snapConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading snapshot store: %v\n", err)
			os.Exit(1)
		}
		snapshots = fileStore
	default:
		fmt.Fprintf(os.Stderr, "Unknown snapshot store: %s\n", *snapshotStoreType)
		os.Exit(1)
	}

	auth, generatedToken, err := buildAPIAuth(*apiAuthMode, *apiToken, *apiReadToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring API auth: %v\n", err)
		os.Exit(1)
	}
	if generatedToken != "" {
		fmt.Printf("Generated API token: %s\n", generatedToken)
	}

	acl, err := loadACL(*apiACLFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading API ACL: %v\n", err)
		os.Exit(1)
	}

	limiter := newRateLimiter(*apiRateLimit, *apiRateBurst)

	// Create a WaitGroup to synchronize goroutines
	var wg sync.WaitGroup

	var decisionCache *facts.DerivedCache
	if *cacheSize > 0 {
		decisionCache = facts.NewDerivedCache(*cacheSize, *cacheTTL)
	}

	envCh := make(chan contextEnvelope, 32)
	state := newServerState(backend, *environment, envCh, snapshots, snapConfig, auth, limiter, acl, decisionCache)

	startSources(ctx, &wg, state)

	// Start HTTP server for API
	wg.Add(1)
	go func() {
		defer wg.Done()
		startHTTPServer(ctx, *httpAddr, state)
	}()

	// Start gRPC decision server
	if *grpcAddr != "" {
		decision, err := runtime.NewDecisionServer(*grpcAddr, decisionCache)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting gRPC server: %v\n", err)
			os.Exit(1)
		}
		syncDecisionLayouts(ctx, decision, backend)

		wg.Add(1)
		go func() {
			defer wg.Done()
			fmt.Printf("Starting gRPC server on %s\n", decision.Addr())
			if err := decision.Start(); err != nil {
				fmt.Printf("gRPC server error: %v\n", err)
			}
		}()
		go func() {
			<-ctx.Done()
			decision.Stop()
		}()

		if *reloadInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(*reloadInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						syncDecisionLayouts(ctx, decision, backend)
					}
				}
			}()
		}
	}

	// Main processing loop
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Shutting down, waiting for goroutines to finish...")
			wg.Wait()
			return
		case env := <-envCh:
			if *verbose {
				fmt.Printf("Snapshot updated: product=%s source=%s\n", env.ProductID, env.Source)
			}
		}
	}
}

func buildBackend(ctx context.Context) (store.Backend, error) {
	switch strings.ToLower(*storeBackend) {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		config := postgresConfig
		if config == nil {
			config = store.DefaultPostgresConfig()
		}
		if *postgresDSN != "" {
			config.DSN = *postgresDSN
		}
		return store.NewPostgresStore(ctx, config)
	default:
		return nil, fmt.Errorf("unknown store backend %q", *storeBackend)
	}
}

func buildManager(backend store.Backend) *store.Manager {
	dirs := splitCommaList(*layoutDirs)
	if len(dirs) == 0 && *gitURL == "" {
		return nil
	}
	return store.NewManager(backend, store.ManagerConfig{
		Directories: dirs,
		Environment: *environment,
		GitURL:      *gitURL,
		GitBranch:   *gitBranch,
		GitPath:     *gitPath,
		GitPoll:     *gitPoll,
		Watch:       *watchLayouts,
	})
}

// startSources creates every enabled source from the config file and
// pumps its envelopes into the snapshot store.
func startSources(ctx context.Context, wg *sync.WaitGroup, state *serverState) {
	for i := range sourceConfigs {
		config := &sourceConfigs[i]
		if !config.IsEnabled() {
			if *verbose {
				fmt.Printf("Source %s is disabled\n", config.SourceID)
			}
			continue
		}
		src, err := source.Create(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating source %s: %v\n", config.SourceID, err)
			os.Exit(1)
		}
		ch, err := src.Subscribe(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error subscribing to source %s: %v\n", config.SourceID, err)
			os.Exit(1)
		}
		if err := src.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting source %s: %v\n", config.SourceID, err)
			os.Exit(1)
		}
		fmt.Printf("Started source %s (%s)\n", config.SourceID, config.Type)

		wg.Add(1)
		go func(src source.Source, ch <-chan *source.Envelope) {
			defer wg.Done()
			pumpSource(ctx, state, src, ch)
		}(src, ch)
	}
}

func pumpSource(ctx context.Context, state *serverState, src source.Source, ch <-chan *source.Envelope) {
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = src.Stop(stopCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env == nil {
				continue
			}
			bag, err := bagFromEnvelope(env)
			if err != nil {
				fmt.Printf("Dropping message from %s: %v\n", env.SourceID, err)
				continue
			}
			productID := env.ProductID
			if productID == "" {
				productID = bag.ProductID
			}
			if productID == "" {
				continue
			}
			wrapped := contextEnvelope{
				ProductID: productID,
				Source:    env.SourceID,
				Received:  env.Timestamp,
			}
			if err := state.IngestBag(wrapped, bag); err != nil {
				fmt.Printf("Error storing snapshot for %s: %v\n", productID, err)
			}
		}
	}
}

func bagFromEnvelope(env *source.Envelope) (*facts.Bag, error) {
	if len(env.RawData) > 0 {
		return facts.Normalize(env.RawData)
	}
	if env.Data != nil {
		return facts.FromMap(env.Data.AsMap())
	}
	return nil, fmt.Errorf("empty payload")
}

func syncDecisionLayouts(ctx context.Context, decision *runtime.DecisionServer, backend store.Backend) {
	layouts, err := backend.List(ctx, &store.ListFilters{
		Environment: *environment,
		Status:      []store.Status{store.StatusActive},
	})
	if err != nil {
		fmt.Printf("Error listing layouts for gRPC registration: %v\n", err)
		return
	}
	for _, stored := range layouts {
		if err := decision.RegisterLayout(stored); err != nil {
			fmt.Printf("Error registering layout %s: %v\n", stored.Name, err)
		}
	}
	if *verbose {
		fmt.Printf("Registered %d layout(s) with the gRPC server\n", len(layouts))
	}
}

func splitCommaList(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		results = append(results, trimmed)
	}
	return results
}
