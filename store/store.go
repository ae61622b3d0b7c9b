// Package store persists authored layouts with versioning, status
// tracking and an audit trail, behind a backend interface with
// in-memory and Postgres implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vitrinelabs/vitrine/layout"
)

// ErrNotFound is returned when no stored layout matches the request.
var ErrNotFound = errors.New("store: layout not found")

// Status is the lifecycle state of a stored layout version.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// StoredLayout wraps a layout with its storage metadata. The Name and
// Version fields identify the record; the embedded layout's own name
// is the authored display name and usually matches.
type StoredLayout struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Environment string        `json:"environment"`
	Status      Status        `json:"status"`
	Layout      layout.Layout `json:"layout"`
	Tags        []string      `json:"tags,omitempty"`
	CreatedBy   string        `json:"created_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AuditEntry records one mutation of the store.
type AuditEntry struct {
	ID          string                 `json:"id"`
	LayoutName  string                 `json:"layout_name"`
	Version     string                 `json:"version"`
	Environment string                 `json:"environment"`
	Action      string                 `json:"action"`
	Actor       string                 `json:"actor,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// ListFilters narrows List results. Zero values mean "no filter".
type ListFilters struct {
	Name        string
	Environment string
	Status      []Status
	Tags        []string
	Limit       int
	Offset      int
}

// AuditFilters narrows Audit results.
type AuditFilters struct {
	Layouts   []string
	Actions   []string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Backend is the storage contract. Get with an empty version resolves
// the latest version for the environment.
type Backend interface {
	Store(ctx context.Context, stored *StoredLayout) error
	Get(ctx context.Context, name, version, environment string) (*StoredLayout, error)
	List(ctx context.Context, filters *ListFilters) ([]*StoredLayout, error)
	Delete(ctx context.Context, name, version, environment string) error
	ListVersions(ctx context.Context, name, environment string) ([]string, error)
	SetStatus(ctx context.Context, name, version, environment string, status Status) error
	Audit(ctx context.Context, filters *AuditFilters) ([]*AuditEntry, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
