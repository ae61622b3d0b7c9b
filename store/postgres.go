package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // database/sql driver for goose migrations
	"github.com/pressly/goose/v3"
)

// PostgresConfig configures the Postgres backend and its optional
// redis read-through cache.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxConnections  int32         `yaml:"max_connections" json:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate" json:"auto_migrate"`
	MigrationsPath  string        `yaml:"migrations_path" json:"migrations_path"`
	CacheEnabled    bool          `yaml:"cache_enabled" json:"cache_enabled"`
	CacheAddr       string        `yaml:"cache_addr" json:"cache_addr"`
	CachePassword   string        `yaml:"cache_password" json:"cache_password"`
	CacheDB         int           `yaml:"cache_db" json:"cache_db"`
	CacheTTL        time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// DefaultPostgresConfig returns sensible defaults for local use.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		DSN:             "postgres://localhost/vitrine?sslmode=disable",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		AutoMigrate:     true,
		MigrationsPath:  "store/migrations",
		CacheTTL:        5 * time.Minute,
	}
}

// PostgresStore persists layouts in Postgres. Reads go through redis
// when caching is enabled; every write invalidates the cached entry.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cache  *redis.Client
	config *PostgresConfig
}

// NewPostgresStore connects, optionally migrates, and wires the cache.
func NewPostgresStore(ctx context.Context, config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	if config.MaxConnections > 0 {
		poolConfig.MaxConns = config.MaxConnections
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, config: config}

	if config.AutoMigrate {
		if err := RunMigrations(config.DSN, config.MigrationsPath); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if config.CacheEnabled {
		s.cache = redis.NewClient(&redis.Options{
			Addr:     config.CacheAddr,
			Password: config.CachePassword,
			DB:       config.CacheDB,
		})
		if err := s.cache.Ping(ctx).Err(); err != nil {
			log.Printf("store: redis cache unavailable, continuing without cache: %v", err)
			s.cache = nil
		}
	}

	return s, nil
}

// RunMigrations applies the goose migrations at path to the database.
// Goose drives database/sql, so migrations run over lib/pq while the
// store itself uses pgx.
func RunMigrations(dsn, path string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set migration dialect: %w", err)
	}
	if err := goose.Up(db, path); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

// RollbackMigration rolls back the most recent goose migration.
func RollbackMigration(dsn, path string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set migration dialect: %w", err)
	}
	if err := goose.Down(db, path); err != nil {
		return fmt.Errorf("store: roll back migration: %w", err)
	}
	return nil
}

// MigrationStatus prints the goose migration status table.
func MigrationStatus(dsn, path string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set migration dialect: %w", err)
	}
	if err := goose.Status(db, path); err != nil {
		return fmt.Errorf("store: migration status: %w", err)
	}
	return nil
}

func (s *PostgresStore) cacheKey(name, version, environment string) string {
	return fmt.Sprintf("vitrine:layout:%s:%s:%s", name, version, environment)
}

// Store upserts one layout version.
func (s *PostgresStore) Store(ctx context.Context, stored *StoredLayout) error {
	if stored.Name == "" {
		return fmt.Errorf("store: layout name is required")
	}
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Version == "" {
		stored.Version = "1"
	}
	if stored.Environment == "" {
		stored.Environment = "default"
	}
	if stored.Status == "" {
		stored.Status = StatusActive
	}
	if stored.Tags == nil {
		stored.Tags = []string{}
	}

	payload, err := json.Marshal(stored.Layout)
	if err != nil {
		return fmt.Errorf("store: marshal layout: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO vitrine_layouts (id, name, version, environment, status, payload, tags, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (name, version, environment)
		DO UPDATE SET status = EXCLUDED.status,
		              payload = EXCLUDED.payload,
		              tags = EXCLUDED.tags,
		              updated_at = NOW()`,
		stored.ID, stored.Name, stored.Version, stored.Environment,
		string(stored.Status), payload, stored.Tags, stored.CreatedBy)
	if err != nil {
		return fmt.Errorf("store: store layout: %w", err)
	}

	s.invalidate(ctx, stored.Name, stored.Version, stored.Environment)
	s.appendAudit(ctx, stored.Name, stored.Version, stored.Environment, "store", stored.CreatedBy, nil)
	return nil
}

// Get fetches one layout version, serving from cache when possible.
// An empty version resolves to the highest stored version.
func (s *PostgresStore) Get(ctx context.Context, name, version, environment string) (*StoredLayout, error) {
	if environment == "" {
		environment = "default"
	}

	if s.cache != nil && version != "" {
		if data, err := s.cache.Get(ctx, s.cacheKey(name, version, environment)).Bytes(); err == nil {
			var stored StoredLayout
			if err := json.Unmarshal(data, &stored); err == nil {
				return &stored, nil
			}
		}
	}

	query := `
		SELECT id, name, version, environment, status, payload, tags, created_by, created_at, updated_at
		FROM vitrine_layouts
		WHERE name = $1 AND environment = $2`
	args := []interface{}{name, environment}
	if version != "" {
		query += ` AND version = $3`
		args = append(args, version)
	} else {
		query += ` ORDER BY created_at DESC LIMIT 1`
	}

	stored, err := scanLayout(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get layout: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(stored); err == nil {
			s.cache.Set(ctx, s.cacheKey(stored.Name, stored.Version, stored.Environment), data, s.config.CacheTTL)
		}
	}
	return stored, nil
}

// List returns layouts matching the filters, newest first.
func (s *PostgresStore) List(ctx context.Context, filters *ListFilters) ([]*StoredLayout, error) {
	query := `
		SELECT id, name, version, environment, status, payload, tags, created_by, created_at, updated_at
		FROM vitrine_layouts WHERE 1=1`
	var args []interface{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if filters != nil {
		if filters.Name != "" {
			query += ` AND name ILIKE ` + arg("%"+filters.Name+"%")
		}
		if filters.Environment != "" {
			query += ` AND environment = ` + arg(filters.Environment)
		}
		if len(filters.Status) > 0 {
			statuses := make([]string, len(filters.Status))
			for i, st := range filters.Status {
				statuses[i] = string(st)
			}
			query += ` AND status = ANY(` + arg(statuses) + `)`
		}
		if len(filters.Tags) > 0 {
			query += ` AND tags @> ` + arg(filters.Tags)
		}
	}
	query += ` ORDER BY updated_at DESC`
	if filters != nil && filters.Limit > 0 {
		query += ` LIMIT ` + arg(filters.Limit)
	}
	if filters != nil && filters.Offset > 0 {
		query += ` OFFSET ` + arg(filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list layouts: %w", err)
	}
	defer rows.Close()

	var out []*StoredLayout
	for rows.Next() {
		stored, err := scanLayout(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan layout: %w", err)
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

// Delete removes one layout version.
func (s *PostgresStore) Delete(ctx context.Context, name, version, environment string) error {
	if environment == "" {
		environment = "default"
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM vitrine_layouts WHERE name = $1 AND version = $2 AND environment = $3`,
		name, version, environment)
	if err != nil {
		return fmt.Errorf("store: delete layout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.invalidate(ctx, name, version, environment)
	s.appendAudit(ctx, name, version, environment, "delete", "", nil)
	return nil
}

// ListVersions returns the stored versions of a layout, ascending.
func (s *PostgresStore) ListVersions(ctx context.Context, name, environment string) ([]string, error) {
	if environment == "" {
		environment = "default"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT version FROM vitrine_layouts WHERE name = $1 AND environment = $2
		 ORDER BY created_at ASC`,
		name, environment)
	if err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// SetStatus updates the lifecycle state of one layout version.
func (s *PostgresStore) SetStatus(ctx context.Context, name, version, environment string, status Status) error {
	if environment == "" {
		environment = "default"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE vitrine_layouts SET status = $4, updated_at = NOW()
		 WHERE name = $1 AND version = $2 AND environment = $3`,
		name, version, environment, string(status))
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.invalidate(ctx, name, version, environment)
	s.appendAudit(ctx, name, version, environment, "set-status", "", map[string]interface{}{"status": string(status)})
	return nil
}

// Audit returns recorded mutations, newest first.
func (s *PostgresStore) Audit(ctx context.Context, filters *AuditFilters) ([]*AuditEntry, error) {
	query := `
		SELECT id, layout_name, version, environment, action, actor, timestamp, details
		FROM vitrine_audit WHERE 1=1`
	var args []interface{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if filters != nil {
		if len(filters.Layouts) > 0 {
			query += ` AND layout_name = ANY(` + arg(filters.Layouts) + `)`
		}
		if len(filters.Actions) > 0 {
			query += ` AND action = ANY(` + arg(filters.Actions) + `)`
		}
		if !filters.StartTime.IsZero() {
			query += ` AND timestamp >= ` + arg(filters.StartTime)
		}
		if !filters.EndTime.IsZero() {
			query += ` AND timestamp <= ` + arg(filters.EndTime)
		}
	}
	query += ` ORDER BY timestamp DESC`
	if filters != nil && filters.Limit > 0 {
		query += ` LIMIT ` + arg(filters.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var actor *string
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.LayoutName, &entry.Version, &entry.Environment,
			&entry.Action, &actor, &entry.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		if actor != nil {
			entry.Actor = *actor
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &entry.Details)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// HealthCheck pings the pool.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool and the cache connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

func (s *PostgresStore) invalidate(ctx context.Context, name, version, environment string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, s.cacheKey(name, version, environment)).Err(); err != nil {
		log.Printf("store: cache invalidation failed for %s:%s:%s: %v", name, version, environment, err)
	}
}

func (s *PostgresStore) appendAudit(ctx context.Context, name, version, environment, action, actor string, details map[string]interface{}) {
	var payload []byte
	if details != nil {
		payload, _ = json.Marshal(details)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vitrine_audit (id, layout_name, version, environment, action, actor, timestamp, details)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)`,
		uuid.New().String(), name, version, environment, action, nullable(actor), payload)
	if err != nil {
		// Audit writes never fail the primary operation.
		log.Printf("store: audit write failed for %s %s: %v", action, name, err)
	}
}

func nullable(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLayout(row rowScanner) (*StoredLayout, error) {
	stored := &StoredLayout{}
	var status string
	var payload []byte
	var createdBy *string
	if err := row.Scan(&stored.ID, &stored.Name, &stored.Version, &stored.Environment,
		&status, &payload, &stored.Tags, &createdBy, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, err
	}
	stored.Status = Status(status)
	if createdBy != nil {
		stored.CreatedBy = *createdBy
	}
	if err := json.Unmarshal(payload, &stored.Layout); err != nil {
		return nil, fmt.Errorf("decode layout payload: %w", err)
	}
	return stored, nil
}
