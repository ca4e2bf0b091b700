package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IncidentStatus represents the current state of an incident
type IncidentStatus string

const (
	IncidentStatusOpen       IncidentStatus = "open"
	IncidentStatusInProgress IncidentStatus = "in_progress"
	IncidentStatusMitigated  IncidentStatus = "mitigated"
	IncidentStatusResolved   IncidentStatus = "resolved"
	IncidentStatusClosed     IncidentStatus = "closed"
)

// validIncidentTransitions defines allowed lifecycle moves
var validIncidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentStatusOpen:       {IncidentStatusInProgress, IncidentStatusMitigated, IncidentStatusResolved, IncidentStatusClosed},
	IncidentStatusInProgress: {IncidentStatusMitigated, IncidentStatusResolved, IncidentStatusClosed},
	IncidentStatusMitigated:  {IncidentStatusResolved, IncidentStatusClosed},
	IncidentStatusResolved:   {IncidentStatusClosed, IncidentStatusOpen},
	IncidentStatusClosed:     {},
}

// IsValid checks if the incident status is valid
func (s IncidentStatus) IsValid() bool {
	_, ok := validIncidentTransitions[s]
	return ok
}

// Creation types recorded in incident metadata
const (
	CreationAutomatic = "automatic"
	CreationManual    = "manual"
)

// Incident metadata keys
const (
	IncidentMetaSourceIP     = "source_ip"
	IncidentMetaTarget       = "target"
	IncidentMetaGeo          = "geo"
	IncidentMetaCreationRule = "creation_rule"
	IncidentMetaCreationType = "creation_type"
	IncidentMetaDedupKey     = "dedup_key"
)

// Timeline actions
const (
	TimelineCreated       = "created"
	TimelineUpdated       = "updated"
	TimelineStatusChanged = "status_changed"
)

// TimelineEntry is one append-only lifecycle record of an incident
type TimelineEntry struct {
	Action    string    `json:"action"`
	Rule      string    `json:"rule"`
	Automatic bool      `json:"automatic"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Incident groups correlated findings and logs under one investigation
type Incident struct {
	IncidentID  string            `json:"incident_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Status      IncidentStatus    `json:"status"`
	FindingIDs  []string          `json:"finding_ids"`
	EventIDs    []string          `json:"event_ids"`
	Metadata    map[string]string `json:"metadata"`
	Timeline    []TimelineEntry   `json:"timeline"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewIncident creates an open incident. An empty id generates one.
func NewIncident(id, title, description string, severity Severity, now time.Time) *Incident {
	if id == "" {
		id = NewIncidentID()
	}
	return &Incident{
		IncidentID:  id,
		Title:       title,
		Description: description,
		Severity:    severity,
		Status:      IncidentStatusOpen,
		FindingIDs:  []string{},
		EventIDs:    []string{},
		Metadata:    make(map[string]string),
		Timeline:    []TimelineEntry{},
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// NewIncidentID generates a new incident identifier
func NewIncidentID() string {
	return "INC-" + uuid.New().String()
}

// AddFindings appends finding IDs not already related, returning those added
func (i *Incident) AddFindings(ids ...string) []string {
	var added []string
	i.FindingIDs, added = appendUnique(i.FindingIDs, ids)
	return added
}

// AddEvents appends event IDs not already related, returning those added
func (i *Incident) AddEvents(ids ...string) []string {
	var added []string
	i.EventIDs, added = appendUnique(i.EventIDs, ids)
	return added
}

// AddTimeline appends a lifecycle entry
func (i *Incident) AddTimeline(entry TimelineEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	i.Timeline = append(i.Timeline, entry)
	if entry.At.After(i.UpdatedAt) {
		i.UpdatedAt = entry.At
	}
}

// TransitionTo validates and executes an incident status change
func (i *Incident) TransitionTo(newStatus IncidentStatus, actor string, now time.Time) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid incident status: %s", newStatus)
	}
	if !i.CanTransitionTo(newStatus) {
		return fmt.Errorf("invalid transition: %s → %s (allowed: %v)", i.Status, newStatus, validIncidentTransitions[i.Status])
	}

	old := i.Status
	i.Status = newStatus
	i.AddTimeline(TimelineEntry{
		Action:    TimelineStatusChanged,
		Rule:      actor,
		Automatic: false,
		Message:   fmt.Sprintf("%s → %s", old, newStatus),
		At:        now.UTC(),
	})
	return nil
}

// CanTransitionTo checks if a transition is allowed without executing it
func (i *Incident) CanTransitionTo(newStatus IncidentStatus) bool {
	for _, status := range validIncidentTransitions[i.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// IsFinalState reports whether no further transitions are possible
func (i *Incident) IsFinalState() bool {
	return len(validIncidentTransitions[i.Status]) == 0
}

func appendUnique(existing, ids []string) ([]string, []string) {
	seen := make(map[string]struct{}, len(existing)+len(ids))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	var added []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		existing = append(existing, id)
		added = append(added, id)
	}
	return existing, added
}
