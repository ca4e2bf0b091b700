package escalation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"warden/core"
)

// Policy names recorded as the incident creation rule
const (
	PolicyCritical  = "critical_severity"
	PolicyThreshold = "time_window_correlation"
	PolicyChain     = "multi_stage_chain"
	PolicyRepeat    = "repeat_offender"
	PolicyAnomaly   = "anomaly_spike"
)

// DefaultPolicies returns the five built-in policies in evaluation order
func DefaultPolicies() []Policy {
	return []Policy{
		&CriticalPolicy{DedupTTL: time.Hour},
		&ThresholdPolicy{Thresholds: DefaultThresholds()},
		&ChainPolicy{Chains: DefaultChains(), Retention: 10 * time.Minute, DedupTTL: time.Hour},
		&RepeatPolicy{Threshold: 5, Window: 10 * time.Minute, DedupTTL: 30 * time.Minute},
		&AnomalyPolicy{Factor: 3, SnapshotEvery: 100, BaselineTTL: 24 * time.Hour, DedupTTL: 30 * time.Minute},
	}
}

// CriticalPolicy escalates any event that produced a critical finding
type CriticalPolicy struct {
	DedupTTL time.Duration
}

func (p *CriticalPolicy) Name() string { return PolicyCritical }

func (p *CriticalPolicy) TryEscalate(_ context.Context, pc *PolicyContext) (*Proposal, error) {
	var critical []*core.Finding
	for _, f := range pc.Findings {
		if f.Severity == core.SeverityCritical {
			critical = append(critical, f)
		}
	}
	if len(critical) == 0 {
		return nil, nil
	}

	ev := pc.Event
	rules := make([]string, 0, len(critical))
	for _, f := range critical {
		rules = append(rules, f.RuleName)
	}
	return &Proposal{
		Policy:      PolicyCritical,
		DedupKey:    fmt.Sprintf("critical:%s:%s", ev.SourceIP, ev.EventType),
		DedupTTL:    p.DedupTTL,
		Title:       fmt.Sprintf("Critical %s activity from %s", ev.EventType, ev.SourceIP),
		Description: fmt.Sprintf("Critical findings raised by %s", strings.Join(rules, ", ")),
		Severity:    core.SeverityCritical,
		FindingIDs:  pc.FindingIDs(),
	}, nil
}

// WindowThreshold is the per-event-type count that opens an incident within Window
type WindowThreshold struct {
	Count  int64
	Window time.Duration
}

// DefaultThresholds returns the built-in per-event-type correlation thresholds
func DefaultThresholds() map[string]WindowThreshold {
	return map[string]WindowThreshold{
		"failed_login":         {Count: 10, Window: 60 * time.Second},
		"brute_force":          {Count: 5, Window: 60 * time.Second},
		"sql_injection":        {Count: 3, Window: 30 * time.Second},
		"xss":                  {Count: 3, Window: 30 * time.Second},
		"port_scan":            {Count: 5, Window: 15 * time.Second},
		"malware_detection":    {Count: 1, Window: 300 * time.Second},
		"data_exfiltration":    {Count: 1, Window: 300 * time.Second},
	}
}

// ThresholdPolicy counts events per (source, event type) in a fixed window and escalates once
// the count reaches the type's threshold. Reaching twice the threshold makes it critical.
type ThresholdPolicy struct {
	Thresholds map[string]WindowThreshold
}

func (p *ThresholdPolicy) Name() string { return PolicyThreshold }

func (p *ThresholdPolicy) TryEscalate(ctx context.Context, pc *PolicyContext) (*Proposal, error) {
	ev := pc.Event
	t, ok := p.Thresholds[ev.EventType]
	if !ok {
		return nil, nil
	}

	count, err := pc.Store.IncrWindow(ctx, fmt.Sprintf("escalation:count:%s:%s", ev.SourceIP, ev.EventType), 1, t.Window)
	if err != nil {
		return nil, err
	}
	if count < t.Count {
		return nil, nil
	}

	severity := core.SeverityHigh
	if count >= 2*t.Count {
		severity = core.SeverityCritical
	}
	return &Proposal{
		Policy:      PolicyThreshold,
		DedupKey:    fmt.Sprintf("threshold:%s:%s", ev.SourceIP, ev.EventType),
		DedupTTL:    2 * t.Window,
		Title:       fmt.Sprintf("Repeated %s from %s", ev.EventType, ev.SourceIP),
		Description: fmt.Sprintf("%d %s events within %s (threshold %d)", count, ev.EventType, t.Window, t.Count),
		Severity:    severity,
		FindingIDs:  pc.FindingIDs(),
	}, nil
}

// Chain is a named ordered list of event types forming an attack progression
type Chain struct {
	Name  string
	Steps []string
}

// DefaultChains returns the built-in attack chains
func DefaultChains() []Chain {
	return []Chain{
		{Name: "recon_to_privilege_escalation", Steps: []string{"port_scan", "failed_login", "sql_injection", "privilege_escalation"}},
		{Name: "credential_theft_to_exfiltration", Steps: []string{"brute_force", "privilege_escalation", "data_exfiltration"}},
		{Name: "web_compromise_to_malware", Steps: []string{"xss", "sql_injection", "malware_detection"}},
	}
}

// ChainPolicy keeps a per-source timeline of recent event types and escalates when the
// timeline contains one of the chains as an ordered, not necessarily contiguous, subsequence.
type ChainPolicy struct {
	Chains    []Chain
	Retention time.Duration
	DedupTTL  time.Duration
}

func (p *ChainPolicy) Name() string { return PolicyChain }

func (p *ChainPolicy) TryEscalate(ctx context.Context, pc *PolicyContext) (*Proposal, error) {
	ev := pc.Event
	key := "escalation:timeline:" + ev.SourceIP
	if err := pc.Store.AddToTimeline(ctx, key, ev.EventType+"|"+ev.EventID, pc.Now, p.Retention); err != nil {
		return nil, err
	}
	members, err := pc.Store.TimelineRange(ctx, key, pc.Now.Add(-p.Retention), pc.Now)
	if err != nil {
		return nil, err
	}

	types := make([]string, 0, len(members))
	ids := make([]string, 0, len(members))
	for _, m := range members {
		eventType, eventID, _ := strings.Cut(m, "|")
		types = append(types, eventType)
		ids = append(ids, eventID)
	}

	for _, chain := range p.Chains {
		matched := matchSubsequence(types, chain.Steps)
		if matched == nil {
			continue
		}
		eventIDs := make([]string, 0, len(matched))
		for _, i := range matched {
			eventIDs = append(eventIDs, ids[i])
		}
		return &Proposal{
			Policy:      PolicyChain,
			DedupKey:    fmt.Sprintf("chain:%s:%s", ev.SourceIP, chain.Name),
			DedupTTL:    p.DedupTTL,
			Title:       fmt.Sprintf("Attack chain %s from %s", chain.Name, ev.SourceIP),
			Description: "Observed " + strings.Join(chain.Steps, " -> "),
			Severity:    core.SeverityCritical,
			FindingIDs:  pc.FindingIDs(),
			EventIDs:    eventIDs,
			Enrich:      &core.FindingFilter{SourceIP: ev.SourceIP, Since: pc.Now.Add(-p.Retention), Until: pc.Now},
		}, nil
	}
	return nil, nil
}

// matchSubsequence returns the indexes in seq of the first ordered occurrence of steps, or
// nil when steps is not a subsequence of seq
func matchSubsequence(seq, steps []string) []int {
	if len(steps) == 0 {
		return nil
	}
	matched := make([]int, 0, len(steps))
	for i, v := range seq {
		if v == steps[len(matched)] {
			matched = append(matched, i)
			if len(matched) == len(steps) {
				return matched
			}
		}
	}
	return nil
}

// RepeatPolicy escalates a source that keeps producing high or critical findings
type RepeatPolicy struct {
	Threshold int64
	Window    time.Duration
	DedupTTL  time.Duration
}

func (p *RepeatPolicy) Name() string { return PolicyRepeat }

func (p *RepeatPolicy) TryEscalate(ctx context.Context, pc *PolicyContext) (*Proposal, error) {
	var high int64
	for _, f := range pc.Findings {
		if f.Severity.AtLeast(core.SeverityHigh) {
			high++
		}
	}
	if high == 0 {
		return nil, nil
	}

	ev := pc.Event
	count, err := pc.Store.IncrWindow(ctx, "escalation:repeat:"+ev.SourceIP, high, p.Window)
	if err != nil {
		return nil, err
	}
	if count < p.Threshold {
		return nil, nil
	}
	return &Proposal{
		Policy:      PolicyRepeat,
		DedupKey:    "repeat:" + ev.SourceIP,
		DedupTTL:    p.DedupTTL,
		Title:       fmt.Sprintf("Repeated high-severity activity from %s", ev.SourceIP),
		Description: fmt.Sprintf("%d high-severity findings within %s", count, p.Window),
		Severity:    core.SeverityHigh,
		FindingIDs:  pc.FindingIDs(),
		Enrich:      &core.FindingFilter{SourceIP: ev.SourceIP, Since: pc.Now.Add(-p.Window), Until: pc.Now, MinLevel: core.SeverityHigh},
	}, nil
}

// AnomalyPolicy counts events per type and clock hour. Every SnapshotEvery-th event of an
// hour copies the previous hour's total into the stored baseline; the policy escalates while
// the current hour exceeds Factor times that baseline.
type AnomalyPolicy struct {
	Factor        int64
	SnapshotEvery int64
	BaselineTTL   time.Duration
	DedupTTL      time.Duration
}

func (p *AnomalyPolicy) Name() string { return PolicyAnomaly }

func hourlyKey(eventType string, hour int64) string {
	return "escalation:hourly:" + eventType + ":" + strconv.FormatInt(hour, 10)
}

func baselineKey(eventType string) string {
	return "escalation:baseline:" + eventType
}

func (p *AnomalyPolicy) TryEscalate(ctx context.Context, pc *PolicyContext) (*Proposal, error) {
	ev := pc.Event
	hour := pc.Now.Unix() / 3600
	count, err := pc.Store.IncrWindow(ctx, hourlyKey(ev.EventType, hour), 1, 2*time.Hour)
	if err != nil {
		return nil, err
	}

	if p.SnapshotEvery > 0 && count%p.SnapshotEvery == 0 {
		previous, err := pc.Store.GetInt(ctx, hourlyKey(ev.EventType, hour-1))
		if err != nil {
			return nil, err
		}
		if previous > 0 {
			if err := pc.Store.SetInt(ctx, baselineKey(ev.EventType), previous, p.BaselineTTL); err != nil {
				return nil, err
			}
		}
	}

	baseline, err := pc.Store.GetInt(ctx, baselineKey(ev.EventType))
	if err != nil {
		return nil, err
	}
	if baseline <= 0 || count <= p.Factor*baseline {
		return nil, nil
	}
	return &Proposal{
		Policy:      PolicyAnomaly,
		DedupKey:    "anomaly:" + ev.EventType,
		DedupTTL:    p.DedupTTL,
		Title:       fmt.Sprintf("Volume anomaly for %s", ev.EventType),
		Description: fmt.Sprintf("%d %s events this hour against a baseline of %d", count, ev.EventType, baseline),
		Severity:    core.SeverityHigh,
		FindingIDs:  pc.FindingIDs(),
	}, nil
}
