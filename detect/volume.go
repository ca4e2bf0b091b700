package detect

import (
	"context"

	"warden/config"
	"warden/core"
)

const globalVolumeKey = "volume:global"

// VolumeRule counts events per source and across all sources. The two checks are
// independent, so one event can yield two findings.
type VolumeRule struct{}

// NewVolumeRule creates the volume anomaly rule
func NewVolumeRule(config.RuleConfig) (Rule, error) {
	return &VolumeRule{}, nil
}

// Key implements Rule
func (r *VolumeRule) Key() string { return config.RuleVolumeAnomaly }

// Evaluate implements Rule
func (r *VolumeRule) Evaluate(ctx context.Context, rc *RuleContext) ([]*core.Finding, error) {
	ev := rc.Event
	window := rc.Config.Window()

	perSource, err := rc.Helpers.Store.IncrWindow(ctx, "volume:source:"+ev.SourceIP, 1, window)
	if err != nil {
		return nil, err
	}
	global, err := rc.Helpers.Store.IncrWindow(ctx, globalVolumeKey, 1, window)
	if err != nil {
		return nil, err
	}

	var findings []*core.Finding

	if perSource >= rc.Config.Threshold {
		key := dedupKey(r.Key(), "source", ev.SourceIP)
		claimed, err := rc.claim(ctx, key)
		if err != nil {
			return nil, err
		}
		if claimed {
			findings = append(findings, rc.finding(r.Key(), core.SeverityMedium, key, map[string]interface{}{
				"scope":          "source",
				"event_count":    perSource,
				"threshold":      rc.Config.Threshold,
				"window_seconds": rc.Config.WindowSeconds,
			}).WithReference("T1498"))
		}
	}

	if global >= rc.Config.GlobalThreshold {
		key := dedupKey(r.Key(), "global")
		claimed, err := rc.claim(ctx, key)
		if err != nil {
			return nil, err
		}
		if claimed {
			findings = append(findings, rc.finding(r.Key(), core.SeverityHigh, key, map[string]interface{}{
				"scope":          "global",
				"event_count":    global,
				"threshold":      rc.Config.GlobalThreshold,
				"window_seconds": rc.Config.WindowSeconds,
			}).WithReference("T1498"))
		}
	}

	return findings, nil
}
