package core

import (
	"time"

	"github.com/google/uuid"
)

// FindingStatus is the lifecycle status of a finding. Rules always create findings as new;
// only escalation or operators move them on.
type FindingStatus string

const (
	FindingStatusNew          FindingStatus = "new"
	FindingStatusAcknowledged FindingStatus = "acknowledged"
	FindingStatusEscalated    FindingStatus = "escalated"
	FindingStatusClosed       FindingStatus = "closed"
)

// Finding is one rule's positive detection for one event (an "alert")
type Finding struct {
	FindingID string                 `json:"finding_id"`
	RuleName  string                 `json:"rule_name"`
	Severity  Severity               `json:"severity"`
	SourceIP  string                 `json:"source_ip"`
	Target    string                 `json:"target"`
	DedupKey  string                 `json:"dedup_key"`
	Evidence  map[string]interface{} `json:"evidence"`
	Reference string                 `json:"reference,omitempty"`
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Status    FindingStatus          `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewFinding creates a finding triggered by event
func NewFinding(rule string, severity Severity, event *Event, dedupKey string, evidence map[string]interface{}, now time.Time) *Finding {
	if evidence == nil {
		evidence = make(map[string]interface{})
	}
	return &Finding{
		FindingID: uuid.New().String(),
		RuleName:  rule,
		Severity:  severity,
		SourceIP:  event.SourceIP,
		Target:    event.Target,
		DedupKey:  dedupKey,
		Evidence:  evidence,
		EventID:   event.EventID,
		EventType: event.EventType,
		Status:    FindingStatusNew,
		CreatedAt: now.UTC(),
	}
}

// WithReference sets the reference classification tag (e.g. a CWE or ATT&CK id)
func (f *Finding) WithReference(ref string) *Finding {
	f.Reference = ref
	return f
}

// FindingFilter selects findings for the read-by-filter storage operation
type FindingFilter struct {
	SourceIP string
	RuleName string
	Since    time.Time
	Until    time.Time
	MinLevel Severity
	Limit    int
}

// Matches reports whether f satisfies the filter
func (ff FindingFilter) Matches(f *Finding) bool {
	if ff.SourceIP != "" && f.SourceIP != ff.SourceIP {
		return false
	}
	if ff.RuleName != "" && f.RuleName != ff.RuleName {
		return false
	}
	if !ff.Since.IsZero() && f.CreatedAt.Before(ff.Since) {
		return false
	}
	if !ff.Until.IsZero() && f.CreatedAt.After(ff.Until) {
		return false
	}
	if ff.MinLevel != "" && !f.Severity.AtLeast(ff.MinLevel) {
		return false
	}
	return true
}
