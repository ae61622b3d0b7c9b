package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory backend, used by the daemon's default
// configuration and by tests. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	layouts  map[string]*StoredLayout // keyed name:version:environment
	audit    []*AuditEntry
	maxAudit int
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		layouts:  make(map[string]*StoredLayout),
		maxAudit: 1000,
	}
}

func layoutKey(name, version, environment string) string {
	return fmt.Sprintf("%s:%s:%s", name, version, environment)
}

// Store inserts or replaces a layout version.
func (m *MemoryStore) Store(_ context.Context, stored *StoredLayout) error {
	if stored.Name == "" {
		return fmt.Errorf("store: layout name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := *stored
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Version == "" {
		cp.Version = "1"
	}
	if cp.Environment == "" {
		cp.Environment = "default"
	}
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	key := layoutKey(cp.Name, cp.Version, cp.Environment)
	if existing, ok := m.layouts[key]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.layouts[key] = &cp
	*stored = cp

	m.appendAudit(&AuditEntry{
		LayoutName:  cp.Name,
		Version:     cp.Version,
		Environment: cp.Environment,
		Action:      "store",
		Actor:       cp.CreatedBy,
	})
	return nil
}

// Get fetches one layout version. An empty version resolves to the
// highest version stored for the environment.
func (m *MemoryStore) Get(_ context.Context, name, version, environment string) (*StoredLayout, error) {
	if environment == "" {
		environment = "default"
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if version == "" {
		version = m.latestVersionLocked(name, environment)
		if version == "" {
			return nil, ErrNotFound
		}
	}
	stored, ok := m.layouts[layoutKey(name, version, environment)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

// List returns layouts matching the filters, newest first.
func (m *MemoryStore) List(_ context.Context, filters *ListFilters) ([]*StoredLayout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StoredLayout
	for _, stored := range m.layouts {
		if matchesFilters(stored, filters) {
			cp := *stored
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	if filters != nil {
		if filters.Offset > 0 {
			if filters.Offset >= len(out) {
				return nil, nil
			}
			out = out[filters.Offset:]
		}
		if filters.Limit > 0 && len(out) > filters.Limit {
			out = out[:filters.Limit]
		}
	}
	return out, nil
}

// Delete removes one layout version.
func (m *MemoryStore) Delete(_ context.Context, name, version, environment string) error {
	if environment == "" {
		environment = "default"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := layoutKey(name, version, environment)
	if _, ok := m.layouts[key]; !ok {
		return ErrNotFound
	}
	delete(m.layouts, key)
	m.appendAudit(&AuditEntry{
		LayoutName:  name,
		Version:     version,
		Environment: environment,
		Action:      "delete",
	})
	return nil
}

// ListVersions returns the stored versions of a layout, ascending.
func (m *MemoryStore) ListVersions(_ context.Context, name, environment string) ([]string, error) {
	if environment == "" {
		environment = "default"
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var versions []string
	for _, stored := range m.layouts {
		if stored.Name == name && stored.Environment == environment {
			versions = append(versions, stored.Version)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versionLess(versions[i], versions[j]) })
	return versions, nil
}

// SetStatus updates the lifecycle state of one layout version.
func (m *MemoryStore) SetStatus(_ context.Context, name, version, environment string, status Status) error {
	if environment == "" {
		environment = "default"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.layouts[layoutKey(name, version, environment)]
	if !ok {
		return ErrNotFound
	}
	stored.Status = status
	stored.UpdatedAt = time.Now().UTC()
	m.appendAudit(&AuditEntry{
		LayoutName:  name,
		Version:     version,
		Environment: environment,
		Action:      "set-status",
		Details:     map[string]interface{}{"status": string(status)},
	})
	return nil
}

// Audit returns recorded mutations matching the filters, newest first.
func (m *MemoryStore) Audit(_ context.Context, filters *AuditFilters) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		entry := m.audit[i]
		if !matchesAuditFilters(entry, filters) {
			continue
		}
		cp := *entry
		out = append(out, &cp)
		if filters != nil && filters.Limit > 0 && len(out) >= filters.Limit {
			break
		}
	}
	return out, nil
}

// HealthCheck always succeeds for the in-memory backend.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) latestVersionLocked(name, environment string) string {
	latest := ""
	for _, stored := range m.layouts {
		if stored.Name != name || stored.Environment != environment {
			continue
		}
		if latest == "" || versionLess(latest, stored.Version) {
			latest = stored.Version
		}
	}
	return latest
}

func (m *MemoryStore) appendAudit(entry *AuditEntry) {
	entry.ID = fmt.Sprintf("audit-%d", time.Now().UnixNano())
	entry.Timestamp = time.Now().UTC()
	m.audit = append(m.audit, entry)
	if len(m.audit) > m.maxAudit {
		m.audit = m.audit[len(m.audit)-m.maxAudit:]
	}
}

// versionLess orders versions numerically when both parse as integers
// and lexically otherwise.
func versionLess(a, b string) bool {
	var ai, bi int
	if _, errA := fmt.Sscanf(a, "%d", &ai); errA == nil {
		if _, errB := fmt.Sscanf(b, "%d", &bi); errB == nil {
			return ai < bi
		}
	}
	return a < b
}

func matchesFilters(stored *StoredLayout, filters *ListFilters) bool {
	if filters == nil {
		return true
	}
	if filters.Name != "" && !strings.Contains(stored.Name, filters.Name) {
		return false
	}
	if filters.Environment != "" && stored.Environment != filters.Environment {
		return false
	}
	if len(filters.Status) > 0 {
		found := false
		for _, s := range filters.Status {
			if stored.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, want := range filters.Tags {
		found := false
		for _, tag := range stored.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchesAuditFilters(entry *AuditEntry, filters *AuditFilters) bool {
	if filters == nil {
		return true
	}
	if len(filters.Layouts) > 0 {
		found := false
		for _, name := range filters.Layouts {
			if entry.LayoutName == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filters.Actions) > 0 {
		found := false
		for _, action := range filters.Actions {
			if entry.Action == action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filters.StartTime.IsZero() && entry.Timestamp.Before(filters.StartTime) {
		return false
	}
	if !filters.EndTime.IsZero() && entry.Timestamp.After(filters.EndTime) {
		return false
	}
	return true
}
