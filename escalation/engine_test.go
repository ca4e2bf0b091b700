package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warden/core"
	"warden/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 15, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	created []string
	updated []string
}

func (n *recordingNotifier) NotifyIncident(_ context.Context, inc *core.Incident, created bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if created {
		n.created = append(n.created, inc.IncidentID)
		return
	}
	n.updated = append(n.updated, inc.IncidentID)
}

// failingIncidents rejects every incident write
type failingIncidents struct {
	*storage.MemoryStorage
}

func (f failingIncidents) CreateIncident(context.Context, *core.Incident) error {
	return errors.New("disk full")
}

type testEnv struct {
	mr       *miniredis.Miniredis
	store    *core.RedisStateStore
	dedup    *core.DedupGuard
	db       *storage.MemoryStorage
	notifier *recordingNotifier
	now      time.Time
	engine   *Engine
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

	env := &testEnv{
		mr:       mr,
		store:    store,
		dedup:    core.NewDedupGuard(store),
		db:       storage.NewMemoryStorage(),
		notifier: &recordingNotifier{},
		now:      testNow,
	}
	env.engine, err = NewEngine(EngineConfig{
		State:     store,
		Dedup:     env.dedup,
		Incidents: env.db,
		Notifier:  env.notifier,
		Logger:    logger,
		Clock:     func() time.Time { return env.now },
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) event(t *testing.T, eventType, ip string) *core.Event {
	t.Helper()
	ev, err := core.NewNormalizer(nil).Normalize(&core.RawEvent{EventType: eventType, SourceIP: ip, Target: "web-01"}, e.now)
	require.NoError(t, err)
	return ev
}

func (e *testEnv) finding(ev *core.Event, rule string, sev core.Severity) *core.Finding {
	return core.NewFinding(rule, sev, ev, "dedup:"+rule+":"+ev.SourceIP, nil, e.now)
}

func (e *testEnv) escalate(t *testing.T, ev *core.Event, findings ...*core.Finding) *core.Incident {
	t.Helper()
	inc, err := e.engine.Escalate(context.Background(), ev, findings)
	require.NoError(t, err)
	return inc
}

func (e *testEnv) incidents(t *testing.T) []*core.Incident {
	t.Helper()
	all, err := e.db.ListIncidents(context.Background(), storage.IncidentFilter{})
	require.NoError(t, err)
	return all
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestDefaultPolicies_Order(t *testing.T) {
	var names []string
	for _, p := range DefaultPolicies() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{PolicyCritical, PolicyThreshold, PolicyChain, PolicyRepeat, PolicyAnomaly}, names)
}

func TestEscalate_NoPolicyMatches(t *testing.T) {
	env := newTestEnv(t)
	inc := env.escalate(t, env.event(t, "login_success", "10.0.0.1"))
	assert.Nil(t, inc)
	assert.Empty(t, env.incidents(t))
	assert.Empty(t, env.notifier.created)
}

func TestEscalate_CriticalShortCircuitsThreshold(t *testing.T) {
	env := newTestEnv(t)
	assert.Nil(t, env.escalate(t, env.event(t, "sql_injection", "10.0.0.1")))
	assert.Nil(t, env.escalate(t, env.event(t, "sql_injection", "10.0.0.1")))

	// Third event reaches the sql_injection threshold and carries a critical finding
	ev := env.event(t, "sql_injection", "10.0.0.1")
	f := env.finding(ev, "attack_sequence", core.SeverityCritical)
	inc := env.escalate(t, ev, f)
	require.NotNil(t, inc)

	assert.Equal(t, PolicyCritical, inc.Metadata[core.IncidentMetaCreationRule])
	assert.Equal(t, core.SeverityCritical, inc.Severity)
	assert.Equal(t, []string{f.FindingID}, inc.FindingIDs)
	assert.Equal(t, []string{ev.EventID}, inc.EventIDs)
	require.Len(t, inc.Timeline, 1)
	assert.Equal(t, core.TimelineCreated, inc.Timeline[0].Action)
	assert.Equal(t, PolicyCritical, inc.Timeline[0].Rule)
	assert.True(t, inc.Timeline[0].Automatic)

	require.Len(t, env.incidents(t), 1)
	assert.Equal(t, []string{inc.IncidentID}, env.notifier.created)

	// The winning policy ends the evaluation; later policies record nothing for the event
	count, err := env.mr.Get("escalation:count:10.0.0.1:sql_injection")
	require.NoError(t, err)
	assert.Equal(t, "2", count)

	other := env.event(t, "malware_detection", "10.0.0.10")
	require.NotNil(t, env.escalate(t, other, env.finding(other, "malware", core.SeverityCritical)))
	assert.False(t, env.mr.Exists("escalation:count:10.0.0.10:malware_detection"))
	assert.False(t, env.mr.Exists("escalation:timeline:10.0.0.10"))
	assert.False(t, env.mr.Exists("escalation:repeat:10.0.0.10"))
	assert.False(t, env.mr.Exists(hourlyKey("malware_detection", env.now.Unix()/3600)))
}

func TestEscalate_ReplayUpdatesExistingIncident(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, "data_exfiltration", "10.0.0.2")
	f := env.finding(ev, "data_exfiltration", core.SeverityCritical)

	first := env.escalate(t, ev, f)
	require.NotNil(t, first)
	env.now = env.now.Add(time.Minute)
	second := env.escalate(t, ev, f)
	require.NotNil(t, second)

	assert.Equal(t, first.IncidentID, second.IncidentID)
	assert.Equal(t, []string{f.FindingID}, second.FindingIDs)
	assert.Equal(t, []string{ev.EventID}, second.EventIDs)
	require.Len(t, second.Timeline, 2)
	assert.Equal(t, core.TimelineUpdated, second.Timeline[1].Action)

	assert.Len(t, env.incidents(t), 1)
	assert.Equal(t, []string{first.IncidentID}, env.notifier.created)
	assert.Equal(t, []string{first.IncidentID}, env.notifier.updated)
}

func TestEscalate_UpdateAppendsNewReferences(t *testing.T) {
	env := newTestEnv(t)
	ev1 := env.event(t, "brute_force", "10.0.0.3")
	f1 := env.finding(ev1, "brute_force", core.SeverityCritical)
	first := env.escalate(t, ev1, f1)
	require.NotNil(t, first)

	ev2 := env.event(t, "brute_force", "10.0.0.3")
	f2 := env.finding(ev2, "brute_force", core.SeverityCritical)
	second := env.escalate(t, ev2, f2)
	require.NotNil(t, second)

	assert.Equal(t, first.IncidentID, second.IncidentID)
	assert.Equal(t, []string{f1.FindingID, f2.FindingID}, second.FindingIDs)
	assert.Equal(t, []string{ev1.EventID, ev2.EventID}, second.EventIDs)
}

func TestEscalate_RecreatesIncidentOfFailedClaimant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.SetNX(ctx, core.DedupIncidentPrefix+"critical:10.0.0.4:malware_detection", "INC-orphan", time.Hour)
	require.NoError(t, err)

	ev := env.event(t, "malware_detection", "10.0.0.4")
	inc := env.escalate(t, ev, env.finding(ev, "malware", core.SeverityCritical))
	require.NotNil(t, inc)
	assert.Equal(t, "INC-orphan", inc.IncidentID)

	stored, err := env.db.GetIncident(ctx, "INC-orphan")
	require.NoError(t, err)
	assert.Equal(t, PolicyCritical, stored.Metadata[core.IncidentMetaCreationRule])
}

func TestEscalate_ThresholdPolicyOpensIncident(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		assert.Nil(t, env.escalate(t, env.event(t, "xss", "10.0.0.5")))
	}
	inc := env.escalate(t, env.event(t, "xss", "10.0.0.5"))
	require.NotNil(t, inc)
	assert.Equal(t, PolicyThreshold, inc.Metadata[core.IncidentMetaCreationRule])
	assert.Equal(t, core.SeverityHigh, inc.Severity)
	assert.Equal(t, "10.0.0.5", inc.Metadata[core.IncidentMetaSourceIP])
	assert.Equal(t, core.CreationAutomatic, inc.Metadata[core.IncidentMetaCreationType])

	// Further events within the dedup window update the same incident
	again := env.escalate(t, env.event(t, "xss", "10.0.0.5"))
	require.NotNil(t, again)
	assert.Equal(t, inc.IncidentID, again.IncidentID)
	assert.Len(t, again.EventIDs, 2)
	assert.Len(t, env.incidents(t), 1)
}

func TestEscalate_ChainPolicyWithEnrichment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ip := "10.0.0.6"

	prior := env.event(t, "failed_login", ip)
	related := env.finding(prior, "brute_force", core.SeverityMedium)
	require.NoError(t, env.db.InsertFindings(ctx, []*core.Finding{related}))

	var ids []string
	var inc *core.Incident
	for i, eventType := range []string{"port_scan", "failed_login", "sql_injection", "privilege_escalation"} {
		ev := env.event(t, eventType, ip)
		ids = append(ids, ev.EventID)
		inc = env.escalate(t, ev)
		if i < 3 {
			assert.Nil(t, inc, "step %s", eventType)
		}
		env.now = env.now.Add(time.Minute)
	}

	require.NotNil(t, inc)
	assert.Equal(t, PolicyChain, inc.Metadata[core.IncidentMetaCreationRule])
	assert.Equal(t, core.SeverityCritical, inc.Severity)
	assert.Equal(t, ids, inc.EventIDs)
	assert.Contains(t, inc.FindingIDs, related.FindingID)
	assert.Len(t, env.incidents(t), 1)
}

func TestEscalate_RepeatPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ip := "10.0.0.7"

	var last *core.Incident
	var stored []*core.Finding
	for i := 0; i < 5; i++ {
		ev := env.event(t, "web_attack", ip)
		f := env.finding(ev, "sql_injection", core.SeverityHigh)
		stored = append(stored, f)
		require.NoError(t, env.db.InsertFindings(ctx, []*core.Finding{f}))
		last = env.escalate(t, ev, f)
		if i < 4 {
			assert.Nil(t, last, "event %d", i)
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, PolicyRepeat, last.Metadata[core.IncidentMetaCreationRule])
	assert.Equal(t, core.SeverityHigh, last.Severity)
	for _, f := range stored {
		assert.Contains(t, last.FindingIDs, f.FindingID)
	}
}

func TestEscalate_StateStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()
	_, err := env.engine.Escalate(context.Background(), env.event(t, "port_scan", "10.0.0.8"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStateUnavailable)
}

func TestEscalate_PersistenceFailure(t *testing.T) {
	env := newTestEnv(t)
	engine, err := NewEngine(EngineConfig{
		State:     env.store,
		Dedup:     env.dedup,
		Incidents: failingIncidents{env.db},
		Clock:     func() time.Time { return env.now },
	})
	require.NoError(t, err)

	ev := env.event(t, "malware_detection", "10.0.0.9")
	_, err = engine.Escalate(context.Background(), ev, []*core.Finding{env.finding(ev, "malware", core.SeverityCritical)})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPersistence)
}
