package detect

import (
	"context"

	"warden/config"
	"warden/core"
)

// ExfiltrationRule accumulates response bytes per source and classifies the running total
type ExfiltrationRule struct{}

// NewExfiltrationRule creates the data exfiltration rule
func NewExfiltrationRule(config.RuleConfig) (Rule, error) {
	return &ExfiltrationRule{}, nil
}

// Key implements Rule
func (r *ExfiltrationRule) Key() string { return config.RuleDataExfiltration }

// Evaluate implements Rule
func (r *ExfiltrationRule) Evaluate(ctx context.Context, rc *RuleContext) ([]*core.Finding, error) {
	ev := rc.Event
	if !ev.Is("file_download", "generic_request") {
		return nil, nil
	}
	size, ok := ev.ResponseSize()
	if !ok || size <= 0 {
		return nil, nil
	}

	total, err := rc.Helpers.Store.IncrWindow(ctx, "exfil:"+ev.SourceIP, size, rc.Config.Window())
	if err != nil {
		return nil, err
	}

	severity, ok := rc.Config.ByteThresholds.Classify(total)
	if !ok {
		return nil, nil
	}

	key := dedupKey(r.Key(), ev.SourceIP)
	claimed, err := rc.claim(ctx, key)
	if err != nil || !claimed {
		return nil, err
	}

	f := rc.finding(r.Key(), severity, key, map[string]interface{}{
		"bytes_total":    total,
		"last_transfer":  size,
		"window_seconds": rc.Config.WindowSeconds,
	}).WithReference("T1041")
	return []*core.Finding{f}, nil
}
