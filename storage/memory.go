package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"warden/core"
)

// MemoryStorage is a process-local Storage used by replay runs and tests.
// Values are copied on the way in and out so callers never share state with the store.
type MemoryStorage struct {
	mu        sync.RWMutex
	findings  map[string]*core.Finding
	incidents map[string]*core.Incident
	closed    bool
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		findings:  make(map[string]*core.Finding),
		incidents: make(map[string]*core.Incident),
	}
}

// InsertFindings implements FindingStorage
func (m *MemoryStorage) InsertFindings(_ context.Context, findings []*core.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDatabaseClosed
	}
	for _, f := range findings {
		if _, ok := m.findings[f.FindingID]; ok {
			continue
		}
		m.findings[f.FindingID] = copyFinding(f)
	}
	return nil
}

// GetFinding implements FindingStorage
func (m *MemoryStorage) GetFinding(_ context.Context, id string) (*core.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}
	f, ok := m.findings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFindingNotFound, id)
	}
	return copyFinding(f), nil
}

// ListFindings implements FindingStorage
func (m *MemoryStorage) ListFindings(_ context.Context, filter core.FindingFilter) ([]*core.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}

	result := make([]*core.Finding, 0)
	for _, f := range m.findings {
		if filter.Matches(f) {
			result = append(result, copyFinding(f))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].FindingID < result[j].FindingID
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CreateIncident implements IncidentStorage
func (m *MemoryStorage) CreateIncident(_ context.Context, incident *core.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDatabaseClosed
	}
	if _, ok := m.incidents[incident.IncidentID]; ok {
		return fmt.Errorf("%w: %s", ErrIncidentExists, incident.IncidentID)
	}
	m.incidents[incident.IncidentID] = copyIncident(incident)
	return nil
}

// GetIncident implements IncidentStorage
func (m *MemoryStorage) GetIncident(_ context.Context, id string) (*core.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	return copyIncident(inc), nil
}

// AppendToIncident implements IncidentStorage
func (m *MemoryStorage) AppendToIncident(_ context.Context, id string, update IncidentUpdate) (*core.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}

	at := update.At
	if at.IsZero() {
		at = time.Now()
	}
	inc.AddFindings(update.FindingIDs...)
	inc.AddEvents(update.EventIDs...)
	if update.Entry.Action != "" {
		entry := update.Entry
		if entry.At.IsZero() {
			entry.At = at
		}
		inc.AddTimeline(entry)
	}
	if at.After(inc.UpdatedAt) {
		inc.UpdatedAt = at.UTC()
	}
	return copyIncident(inc), nil
}

// UpdateIncidentStatus implements IncidentStorage
func (m *MemoryStorage) UpdateIncidentStatus(_ context.Context, id string, status core.IncidentStatus, actor string, at time.Time) (*core.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if err := inc.TransitionTo(status, actor, at); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return copyIncident(inc), nil
}

// ListIncidents implements IncidentStorage
func (m *MemoryStorage) ListIncidents(_ context.Context, filter IncidentFilter) ([]*core.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}

	result := make([]*core.Incident, 0)
	for _, inc := range m.incidents {
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		if filter.SourceIP != "" && inc.Metadata[core.IncidentMetaSourceIP] != filter.SourceIP {
			continue
		}
		result = append(result, copyIncident(inc))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].IncidentID < result[j].IncidentID
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// HealthCheck implements Storage
func (m *MemoryStorage) HealthCheck(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrDatabaseClosed
	}
	return nil
}

// Close implements Storage
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyFinding(f *core.Finding) *core.Finding {
	c := *f
	c.Evidence = make(map[string]interface{}, len(f.Evidence))
	for k, v := range f.Evidence {
		c.Evidence[k] = v
	}
	return &c
}

func copyIncident(inc *core.Incident) *core.Incident {
	c := *inc
	c.FindingIDs = append([]string{}, inc.FindingIDs...)
	c.EventIDs = append([]string{}, inc.EventIDs...)
	c.Timeline = append([]core.TimelineEntry{}, inc.Timeline...)
	c.Metadata = make(map[string]string, len(inc.Metadata))
	for k, v := range inc.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
