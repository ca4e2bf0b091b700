package detect

import (
	"context"
	"strconv"

	"warden/config"
	"warden/core"
)

// PortScanRule tracks the distinct destination ports each source touches within the window
type PortScanRule struct{}

// NewPortScanRule creates the port scan rule
func NewPortScanRule(config.RuleConfig) (Rule, error) {
	return &PortScanRule{}, nil
}

// Key implements Rule
func (r *PortScanRule) Key() string { return config.RulePortScan }

// Evaluate implements Rule
func (r *PortScanRule) Evaluate(ctx context.Context, rc *RuleContext) ([]*core.Finding, error) {
	ev := rc.Event
	if !ev.Is("port_scan") {
		return nil, nil
	}
	port, ok := ev.Port()
	if !ok {
		return nil, nil
	}

	unique, err := rc.Helpers.Store.AddToSet(ctx, "portscan:"+ev.SourceIP, strconv.FormatInt(port, 10), rc.Config.Window())
	if err != nil {
		return nil, err
	}
	if unique < rc.Config.Threshold {
		return nil, nil
	}

	key := dedupKey(r.Key(), ev.SourceIP)
	claimed, err := rc.claim(ctx, key)
	if err != nil || !claimed {
		return nil, err
	}

	f := rc.finding(r.Key(), core.SeverityHigh, key, map[string]interface{}{
		"unique_ports":   unique,
		"threshold":      rc.Config.Threshold,
		"window_seconds": rc.Config.WindowSeconds,
		"last_port":      port,
	}).WithReference("T1046")
	return []*core.Finding{f}, nil
}
