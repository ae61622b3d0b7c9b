package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitrinelabs/vitrine/source"
	"github.com/vitrinelabs/vitrine/store"
)

type runtimeConfig struct {
	HTTP      httpConfig      `yaml:"http" json:"http"`
	Grpc      httpConfig      `yaml:"grpc" json:"grpc"`
	API       apiConfig       `yaml:"api" json:"api"`
	Layouts   layoutsConfig   `yaml:"layouts" json:"layouts"`
	Store     storeConfig     `yaml:"store" json:"store"`
	Snapshots snapshotsConfig `yaml:"snapshots" json:"snapshots"`
	Cache     cacheConfig     `yaml:"cache" json:"cache"`
	Sources   []source.Config `yaml:"sources" json:"sources"`
}

type httpConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

type apiConfig struct {
	Auth      string `yaml:"auth" json:"auth"`
	Token     string `yaml:"token" json:"token"`
	ReadToken string `yaml:"read_token" json:"read_token"`
	ACLFile   string `yaml:"acl_file" json:"acl_file"`
	RateLimit *int   `yaml:"rate_limit" json:"rate_limit"`
	RateBurst *int   `yaml:"rate_burst" json:"rate_burst"`
}

type layoutsConfig struct {
	Dirs        []string `yaml:"dirs" json:"dirs"`
	Environment string   `yaml:"environment" json:"environment"`
	GitURL      string   `yaml:"git_url" json:"git_url"`
	GitBranch   string   `yaml:"git_branch" json:"git_branch"`
	GitPath     string   `yaml:"git_path" json:"git_path"`
	GitPoll     string   `yaml:"git_poll" json:"git_poll"`
	Watch       *bool    `yaml:"watch" json:"watch"`
	Reload      string   `yaml:"reload_interval" json:"reload_interval"`
}

type storeConfig struct {
	Backend  string                `yaml:"backend" json:"backend"`
	Postgres *store.PostgresConfig `yaml:"postgres" json:"postgres"`
}

type snapshotsConfig struct {
	Store       string `yaml:"store" json:"store"`
	Path        string `yaml:"path" json:"path"`
	MaxProducts *int   `yaml:"max_products" json:"max_products"`
}

type cacheConfig struct {
	Size *int   `yaml:"size" json:"size"`
	TTL  string `yaml:"ttl" json:"ttl"`
}

func loadRuntimeConfig(path string) (*runtimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &runtimeConfig{}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config yaml: %w", err)
		}
	}
	return cfg, nil
}

func applyRuntimeConfig(cfg *runtimeConfig, setFlags map[string]bool) error {
	if cfg == nil {
		return nil
	}

	if cfg.HTTP.Addr != "" && !setFlags["http-addr"] {
		*httpAddr = cfg.HTTP.Addr
	}
	if cfg.Grpc.Addr != "" && !setFlags["grpc-addr"] {
		*grpcAddr = cfg.Grpc.Addr
	}

	if cfg.API.Auth != "" && !setFlags["api-auth"] {
		*apiAuthMode = cfg.API.Auth
	}
	if cfg.API.Token != "" && !setFlags["api-token"] {
		*apiToken = cfg.API.Token
	}
	if cfg.API.ReadToken != "" && !setFlags["api-read-token"] {
		*apiReadToken = cfg.API.ReadToken
	}
	if cfg.API.ACLFile != "" && !setFlags["api-acl-file"] {
		*apiACLFile = cfg.API.ACLFile
	}
	if cfg.API.RateLimit != nil && !setFlags["api-rate-limit"] {
		*apiRateLimit = *cfg.API.RateLimit
	}
	if cfg.API.RateBurst != nil && !setFlags["api-rate-burst"] {
		*apiRateBurst = *cfg.API.RateBurst
	}

	if len(cfg.Layouts.Dirs) > 0 && !setFlags["layout-dir"] {
		*layoutDirs = strings.Join(cfg.Layouts.Dirs, ",")
	}
	if cfg.Layouts.Environment != "" && !setFlags["environment"] {
		*environment = cfg.Layouts.Environment
	}
	if cfg.Layouts.GitURL != "" && !setFlags["git-url"] {
		*gitURL = cfg.Layouts.GitURL
	}
	if cfg.Layouts.GitBranch != "" && !setFlags["git-branch"] {
		*gitBranch = cfg.Layouts.GitBranch
	}
	if cfg.Layouts.GitPath != "" && !setFlags["git-path"] {
		*gitPath = cfg.Layouts.GitPath
	}
	if cfg.Layouts.GitPoll != "" && !setFlags["git-poll"] {
		interval, err := time.ParseDuration(cfg.Layouts.GitPoll)
		if err != nil {
			return fmt.Errorf("layouts.git_poll: %w", err)
		}
		*gitPoll = interval
	}
	if cfg.Layouts.Watch != nil && !setFlags["watch"] {
		*watchLayouts = *cfg.Layouts.Watch
	}
	if cfg.Layouts.Reload != "" && !setFlags["reload-interval"] {
		interval, err := time.ParseDuration(cfg.Layouts.Reload)
		if err != nil {
			return fmt.Errorf("layouts.reload_interval: %w", err)
		}
		*reloadInterval = interval
	}

	if cfg.Store.Backend != "" && !setFlags["store"] {
		*storeBackend = cfg.Store.Backend
	}
	if cfg.Store.Postgres != nil {
		postgresConfig = cfg.Store.Postgres
		if postgresConfig.DSN != "" && !setFlags["postgres-dsn"] {
			*postgresDSN = postgresConfig.DSN
		}
	}

	if cfg.Snapshots.Store != "" && !setFlags["snapshot-store"] {
		*snapshotStoreType = cfg.Snapshots.Store
	}
	if cfg.Snapshots.Path != "" && !setFlags["snapshot-path"] {
		*snapshotPath = cfg.Snapshots.Path
	}
	if cfg.Snapshots.MaxProducts != nil && !setFlags["snapshot-max-products"] {
		*snapshotMax = *cfg.Snapshots.MaxProducts
	}

	if cfg.Cache.Size != nil && !setFlags["cache-size"] {
		*cacheSize = *cfg.Cache.Size
	}
	if cfg.Cache.TTL != "" && !setFlags["cache-ttl"] {
		ttl, err := time.ParseDuration(cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("cache.ttl: %w", err)
		}
		*cacheTTL = ttl
	}

	if len(cfg.Sources) > 0 {
		sourceConfigs = cfg.Sources
	}

	return nil
}
