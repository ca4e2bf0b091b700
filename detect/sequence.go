package detect

import (
	"context"

	"warden/config"
	"warden/core"
)

// Attack sequence stages
const (
	stageNone = iota
	stageRecon
	stageCredentialAttack
	stageInjection
	stageExfiltration
)

var stageNames = map[int64]string{
	stageRecon:            "port_scan",
	stageCredentialAttack: "credential_attack",
	stageInjection:        "sql_injection",
	stageExfiltration:     "large_transfer",
}

// SequenceRule is a per-source stage machine: port scan, then credential attack, then SQL
// injection, then a large transfer. The stage only moves forward and resets by TTL expiry.
//
// The stage is kept per source, not per attack attempt, so unrelated activity from one
// source can complete the chain.
type SequenceRule struct{}

// NewSequenceRule creates the attack sequence rule
func NewSequenceRule(config.RuleConfig) (Rule, error) {
	return &SequenceRule{}, nil
}

// Key implements Rule
func (r *SequenceRule) Key() string { return config.RuleAttackSequence }

// nextStage returns the stage ev moves a source at stage current to, or current when it does not advance
func (r *SequenceRule) nextStage(rc *RuleContext, current int64) int64 {
	ev := rc.Event
	switch {
	case ev.Is("port_scan"):
		return max(current, stageRecon)
	case ev.Is("failed_login", "brute_force") && current >= stageRecon:
		return max(current, stageCredentialAttack)
	case ev.Is("sql_injection") && current >= stageCredentialAttack:
		return max(current, stageInjection)
	case ev.Is("file_download", "generic_request") && current >= stageInjection:
		if size, ok := ev.ResponseSize(); ok && size > rc.Config.LargeBytes {
			return stageExfiltration
		}
	}
	return current
}

// Evaluate implements Rule
func (r *SequenceRule) Evaluate(ctx context.Context, rc *RuleContext) ([]*core.Finding, error) {
	ev := rc.Event
	stageKey := "sequence:" + ev.SourceIP

	current, err := rc.Helpers.Store.GetInt(ctx, stageKey)
	if err != nil {
		return nil, err
	}
	next := r.nextStage(rc, current)
	if next <= current {
		return nil, nil
	}

	// SetMax keeps the stage monotonic when two workers advance the same source concurrently
	stored, err := rc.Helpers.Store.SetMax(ctx, stageKey, next, rc.Config.Window())
	if err != nil {
		return nil, err
	}
	if rc.Helpers.Logger != nil {
		rc.Helpers.Logger.Debugw("Attack sequence advanced",
			"source_ip", ev.SourceIP,
			"stage", stageNames[next],
			"stored_stage", stored)
	}
	if next != stageExfiltration {
		return nil, nil
	}

	key := dedupKey(r.Key(), ev.SourceIP)
	claimed, err := rc.claim(ctx, key)
	if err != nil || !claimed {
		return nil, err
	}

	size, _ := ev.ResponseSize()
	f := rc.finding(r.Key(), core.SeverityCritical, key, map[string]interface{}{
		"stages":         []string{"port_scan", "credential_attack", "sql_injection", "large_transfer"},
		"transfer_bytes": size,
		"threshold":      rc.Config.LargeBytes,
	}).WithReference("TA0010")
	return []*core.Finding{f}, nil
}
