package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"warden/core"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (c *fakeConn) PublishMsg(msg *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

var testNow = time.Date(2026, 3, 14, 10, 30, 15, 0, time.UTC)

func testFinding(sev core.Severity) *core.Finding {
	ev := &core.Event{EventID: "evt-1", EventType: "sql_injection", SourceIP: "10.0.0.1", Target: "web-01"}
	return core.NewFinding("sql_injection", sev, ev, "dedup:sql_injection:10.0.0.1:web-01", nil, testNow)
}

func testIncident() *core.Incident {
	inc := core.NewIncident("INC-1", "Critical sql_injection activity", "", core.SeverityCritical, testNow)
	inc.Metadata[core.IncidentMetaSourceIP] = "10.0.0.1"
	inc.Metadata[core.IncidentMetaCreationRule] = "critical_severity"
	return inc
}

func TestNATSPublisher_Subjects(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "warden.notifications")
	ctx := context.Background()

	f := testFinding(core.SeverityHigh)
	require.NoError(t, p.PublishFinding(ctx, f))
	require.NoError(t, p.PublishIncident(ctx, testIncident(), true))
	require.NoError(t, p.PublishIncident(ctx, testIncident(), false))

	require.Len(t, conn.msgs, 3)
	assert.Equal(t, "warden.notifications.findings", conn.msgs[0].Subject)
	assert.Equal(t, "warden.notifications.incidents.created", conn.msgs[1].Subject)
	assert.Equal(t, "warden.notifications.incidents.updated", conn.msgs[2].Subject)

	assert.Equal(t, f.FindingID, conn.msgs[0].Header.Get("x-finding-id"))
	assert.Equal(t, "high", conn.msgs[0].Header.Get("x-severity"))
	assert.Equal(t, "INC-1", conn.msgs[1].Header.Get("x-incident-id"))
	assert.Equal(t, "true", conn.msgs[1].Header.Get("x-created"))
	assert.Equal(t, "false", conn.msgs[2].Header.Get("x-created"))

	var decoded core.Finding
	require.NoError(t, json.Unmarshal(conn.msgs[0].Data, &decoded))
	assert.Equal(t, f.FindingID, decoded.FindingID)
}

func TestNotifier_FansOutAndFiltersSeverity(t *testing.T) {
	rec := &RecordingPublisher{}
	cfg := DefaultConfig()
	cfg.MinSeverity = core.SeverityMedium
	n, err := NewNotifier(cfg, zaptest.NewLogger(t).Sugar(), rec)
	require.NoError(t, err)

	ctx := context.Background()
	low := testFinding(core.SeverityLow)
	high := testFinding(core.SeverityHigh)
	n.NotifyFindings(ctx, []*core.Finding{low, high})
	n.NotifyIncident(ctx, testIncident(), true)

	require.Len(t, rec.Findings(), 1)
	assert.Equal(t, high.FindingID, rec.Findings()[0].FindingID)
	require.Len(t, rec.Incidents(), 1)
	assert.True(t, rec.Incidents()[0].Created)
}

func TestNotifier_FailingPublisherDoesNotAffectOthers(t *testing.T) {
	broken := &RecordingPublisher{Err: errors.New("connection reset")}
	healthy := &RecordingPublisher{}
	n, err := NewNotifier(DefaultConfig(), zaptest.NewLogger(t).Sugar(), broken, healthy)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		n.NotifyIncident(context.Background(), testIncident(), false)
	}
	assert.Len(t, healthy.Incidents(), 5)
	assert.Equal(t, BreakerOpen, n.channels[0].breaker.State())
	assert.Equal(t, BreakerClosed, n.channels[1].breaker.State())
}

func TestNotifier_RateLimitDrops(t *testing.T) {
	rec := &RecordingPublisher{}
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 2
	n, err := NewNotifier(cfg, zaptest.NewLogger(t).Sugar(), rec)
	require.NoError(t, err)

	n.NotifyFindings(context.Background(), []*core.Finding{
		testFinding(core.SeverityHigh), testFinding(core.SeverityHigh), testFinding(core.SeverityHigh),
	})
	assert.Len(t, rec.Findings(), 2)
}

func TestNewNotifier_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSeverity = "urgent"
	_, err := NewNotifier(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Burst = 0
	_, err = NewNotifier(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Breaker.MaxFailures = 0
	_, err = NewNotifier(cfg, nil, &RecordingPublisher{})
	assert.Error(t, err)
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	now := testNow
	cb, err := NewCircuitBreaker(BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, func() time.Time { return now })
	require.NoError(t, err)
	failure := errors.New("boom")

	require.NoError(t, cb.Allow())
	_, state := cb.Record(failure)
	assert.Equal(t, BreakerClosed, state)
	require.NoError(t, cb.Allow())
	old, state := cb.Record(failure)
	assert.Equal(t, BreakerClosed, old)
	assert.Equal(t, BreakerOpen, state)

	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)

	now = now.Add(time.Minute)
	require.NoError(t, cb.Allow(), "probe allowed after timeout")
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrProbeInFlight)

	_, state = cb.Record(failure)
	assert.Equal(t, BreakerOpen, state, "failed probe reopens")

	now = now.Add(time.Minute)
	require.NoError(t, cb.Allow())
	_, state = cb.Record(nil)
	assert.Equal(t, BreakerClosed, state)
	require.NoError(t, cb.Allow())
}
