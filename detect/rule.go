package detect

import (
	"context"
	"strings"
	"time"

	"warden/config"
	"warden/core"

	"go.uber.org/zap"
)

// Rule is a detection rule. Evaluate inspects one normalized event and returns the findings
// it emits, or none. Rules keep no in-process state: everything that must survive across
// events goes through the shared state store in Helpers.
type Rule interface {
	Key() string
	Evaluate(ctx context.Context, rc *RuleContext) ([]*core.Finding, error)
}

// Helpers are the shared collaborators handed to every rule invocation
type Helpers struct {
	Store    core.StateStore
	Dedup    *core.DedupGuard
	Baseline *BaselineTracker
	Logger   *zap.SugaredLogger
}

// RuleContext carries one rule invocation's inputs
type RuleContext struct {
	Event   *core.Event
	Now     time.Time
	Config  config.RuleConfig
	Helpers *Helpers
}

// claim is shorthand for claiming a finding dedup key for the rule's dedup window
func (rc *RuleContext) claim(ctx context.Context, key string) (bool, error) {
	return rc.Helpers.Dedup.Claim(ctx, key, rc.Config.DedupTTL())
}

// finding builds a finding for the current event
func (rc *RuleContext) finding(rule string, severity core.Severity, dedupKey string, evidence map[string]interface{}) *core.Finding {
	return core.NewFinding(rule, severity, rc.Event, dedupKey, evidence, rc.Now)
}

func dedupKey(parts ...string) string {
	return core.DedupFindingPrefix + strings.Join(parts, ":")
}
