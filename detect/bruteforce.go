package detect

import (
	"context"

	"warden/config"
	"warden/core"
)

// BruteForceRule counts failed logins per source on an inactivity-decaying counter and emits
// one finding per severity threshold crossed.
type BruteForceRule struct{}

// NewBruteForceRule creates the brute force rule
func NewBruteForceRule(config.RuleConfig) (Rule, error) {
	return &BruteForceRule{}, nil
}

// Key implements Rule
func (r *BruteForceRule) Key() string { return config.RuleBruteForce }

// Evaluate implements Rule
func (r *BruteForceRule) Evaluate(ctx context.Context, rc *RuleContext) ([]*core.Finding, error) {
	ev := rc.Event
	if !ev.Is("failed_login", "brute_force") {
		return nil, nil
	}

	count, err := rc.Helpers.Store.IncrSliding(ctx, "bruteforce:"+ev.SourceIP, rc.Config.Window())
	if err != nil {
		return nil, err
	}

	severity, ok := rc.Config.Thresholds.Classify(count)
	if !ok {
		return nil, nil
	}

	key := dedupKey(r.Key(), ev.SourceIP, string(severity))
	claimed, err := rc.claim(ctx, key)
	if err != nil || !claimed {
		return nil, err
	}

	f := rc.finding(r.Key(), severity, key, map[string]interface{}{
		"failed_attempts": count,
		"window_seconds":  rc.Config.WindowSeconds,
		"target":          ev.Target,
	}).WithReference("T1110")
	return []*core.Finding{f}, nil
}
