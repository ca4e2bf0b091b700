package detect

import (
	"context"
	"testing"
	"time"

	"warden/config"
	"warden/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const mib = 1024 * 1024

var testNow = time.Date(2026, 3, 14, 10, 30, 15, 0, time.UTC)

type testEnv struct {
	mr      *miniredis.Miniredis
	store   *core.RedisStateStore
	helpers *Helpers
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	logger := zaptest.NewLogger(t).Sugar()
	store := core.NewRedisStateStore(mr.Addr(), "", 0, 10, logger)
	t.Cleanup(func() { _ = store.Close() })

	return &testEnv{
		mr:    mr,
		store: store,
		helpers: &Helpers{
			Store:    store,
			Dedup:    core.NewDedupGuard(store),
			Baseline: NewBaselineTracker(store),
			Logger:   logger,
		},
	}
}

// ruleConfig returns the default configuration of key
func ruleConfig(t *testing.T, key string) config.RuleConfig {
	t.Helper()
	for _, r := range config.DefaultRules() {
		if r.Key == key {
			return r
		}
	}
	t.Fatalf("no default configuration for rule %s", key)
	return config.RuleConfig{}
}

func newEvent(t *testing.T, raw core.RawEvent) *core.Event {
	t.Helper()
	ev, err := core.NewNormalizer(nil).Normalize(&raw, testNow)
	require.NoError(t, err)
	return ev
}

// run evaluates rule once against raw
func (e *testEnv) run(t *testing.T, rule Rule, cfg config.RuleConfig, raw core.RawEvent) []*core.Finding {
	t.Helper()
	findings, err := rule.Evaluate(context.Background(), &RuleContext{
		Event:   newEvent(t, raw),
		Now:     testNow,
		Config:  cfg,
		Helpers: e.helpers,
	})
	require.NoError(t, err)
	return findings
}

func severities(findings []*core.Finding) []core.Severity {
	out := make([]core.Severity, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Severity)
	}
	return out
}
