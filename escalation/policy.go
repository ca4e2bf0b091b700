package escalation

import (
	"context"
	"time"

	"warden/core"
)

// Policy is one correlation policy of the escalation chain.
//
// TryEscalate records the event in the policy's shared state and returns the incident the
// policy asks for, or nil. The engine stops at the first non-nil proposal, so a policy only
// sees the events no earlier policy escalated.
type Policy interface {
	Name() string
	TryEscalate(ctx context.Context, pc *PolicyContext) (*Proposal, error)
}

// PolicyContext is the input shared by all policies for one event
type PolicyContext struct {
	Event    *core.Event
	Findings []*core.Finding
	Now      time.Time
	Store    core.StateStore
}

// FindingIDs returns the IDs of the findings produced for the current event
func (pc *PolicyContext) FindingIDs() []string {
	ids := make([]string, 0, len(pc.Findings))
	for _, f := range pc.Findings {
		ids = append(ids, f.FindingID)
	}
	return ids
}

// Proposal describes the incident a policy wants opened, or updated when its dedup key is
// already owned by an incident.
type Proposal struct {
	Policy      string
	DedupKey    string
	DedupTTL    time.Duration
	Title       string
	Description string
	Severity    core.Severity
	FindingIDs  []string
	EventIDs    []string
	// Enrich, when set, selects recent findings from durable storage to attach as related findings
	Enrich *core.FindingFilter
}
