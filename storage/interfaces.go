package storage

import (
	"context"
	"time"

	"warden/core"
)

// FindingStorage is the durable finding contract of the detection pipeline
type FindingStorage interface {
	// InsertFindings writes findings atomically; either all are stored or none
	InsertFindings(ctx context.Context, findings []*core.Finding) error
	GetFinding(ctx context.Context, id string) (*core.Finding, error)
	// ListFindings returns matching findings, newest first
	ListFindings(ctx context.Context, filter core.FindingFilter) ([]*core.Finding, error)
}

// IncidentUpdate is appended to an existing incident
type IncidentUpdate struct {
	FindingIDs []string
	EventIDs   []string
	Entry      core.TimelineEntry
	At         time.Time
}

// IncidentFilter selects incidents for listing
type IncidentFilter struct {
	Status   core.IncidentStatus
	SourceIP string
	Limit    int
}

// IncidentStorage is the durable incident contract of the escalation engine
type IncidentStorage interface {
	// CreateIncident stores a new incident; ErrIncidentExists if the ID is taken
	CreateIncident(ctx context.Context, incident *core.Incident) error
	// GetIncident returns ErrIncidentNotFound for unknown IDs
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	// AppendToIncident adds finding/event references (ignoring ones already present) and a
	// timeline entry, and returns the updated incident
	AppendToIncident(ctx context.Context, id string, update IncidentUpdate) (*core.Incident, error)
	// UpdateIncidentStatus moves an incident through its lifecycle
	UpdateIncidentStatus(ctx context.Context, id string, status core.IncidentStatus, actor string, at time.Time) (*core.Incident, error)
	// ListIncidents returns matching incidents, most recently updated first
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*core.Incident, error)
}

// Storage combines both contracts with lifecycle management
type Storage interface {
	FindingStorage
	IncidentStorage
	HealthCheck(ctx context.Context) error
	Close() error
}
