package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"warden/config"
	"warden/core"
	"warden/notify"
	"warden/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type pipelineEnv struct {
	mr        *miniredis.Miniredis
	state     *core.RedisStateStore
	store     *storage.MemoryStorage
	publisher *notify.RecordingPublisher
	pipeline  *Pipeline
}

func newPipelineEnv(t *testing.T, cfg *config.Config) *pipelineEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t).Sugar()
	state := core.NewRedisStateStore(mr.Addr(), "", 0, 10, logger)
	t.Cleanup(func() { _ = state.Close() })

	store := storage.NewMemoryStorage()
	publisher := &notify.RecordingPublisher{}
	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	p, err := BuildPipeline(cfg, PipelineOptions{
		State:      state,
		Store:      store,
		Publishers: []notify.Publisher{publisher},
		Clock:      func() time.Time { return now },
	}, logger)
	require.NoError(t, err)

	return &pipelineEnv{mr: mr, state: state, store: store, publisher: publisher, pipeline: p}
}

func TestBuildPipeline_RequiresCollaborators(t *testing.T) {
	_, err := BuildPipeline(config.Default(), PipelineOptions{}, zaptest.NewLogger(t).Sugar())
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestBuildPipeline_BindsEnabledRulesInOrder(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Rules[1].Enabled = &off

	env := newPipelineEnv(t, cfg)

	require.Len(t, env.pipeline.Rules, len(cfg.Rules)-1)
	assert.Equal(t, cfg.Rules[0].Key, env.pipeline.Rules[0].Config.Key)
	assert.Equal(t, cfg.Rules[2].Key, env.pipeline.Rules[1].Config.Key)
	assert.Len(t, env.pipeline.Engine.Policies(), 5)
}

func TestBuildPipeline_RejectsBadFieldMappings(t *testing.T) {
	cfg := config.Default()
	cfg.FieldMappingsPath = "/nonexistent/mappings.yaml"

	mr := miniredis.RunT(t)
	state := core.NewRedisStateStore(mr.Addr(), "", 0, 10, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = state.Close() })

	_, err := BuildPipeline(cfg, PipelineOptions{State: state, Store: storage.NewMemoryStorage()}, zaptest.NewLogger(t).Sugar())
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestPipeline_FindingIsPersistedAndAnnounced(t *testing.T) {
	env := newPipelineEnv(t, config.Default())
	ctx := context.Background()

	res, err := env.pipeline.Dispatcher.ProcessEvent(ctx, &core.RawEvent{
		EventType: "generic_request",
		SourceIP:  "10.2.0.1",
		Target:    "/login",
		Metadata:  map[string]interface{}{"body": "user=admin' OR '1'='1"},
	})
	require.NoError(t, err)
	require.True(t, res.FindingsCreated)

	var sqli *core.Finding
	for _, f := range res.Findings {
		if f.RuleName == config.RuleSQLInjection {
			sqli = f
		}
	}
	require.NotNil(t, sqli, "payload should match an injection signature")

	stored, err := env.store.GetFinding(ctx, sqli.FindingID)
	require.NoError(t, err)
	assert.Equal(t, "10.2.0.1", stored.SourceIP)
	assert.NotEmpty(t, env.publisher.Findings())
}

func TestPipeline_ThresholdOneEventOpensIncident(t *testing.T) {
	env := newPipelineEnv(t, config.Default())
	ctx := context.Background()

	res, err := env.pipeline.Dispatcher.ProcessEvent(ctx, &core.RawEvent{
		EventType: "malware_detection",
		SourceIP:  "10.9.9.9",
		Target:    "host-17",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Incident)

	incidents, err := env.store.ListIncidents(ctx, storage.IncidentFilter{SourceIP: "10.9.9.9"})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, res.Incident.IncidentID, incidents[0].IncidentID)

	notices := env.publisher.Incidents()
	require.Len(t, notices, 1)
	assert.True(t, notices[0].Created)
}

func TestOpsServer_Healthz(t *testing.T) {
	env := newPipelineEnv(t, config.Default())
	ops := NewOpsServer(":0", map[string]HealthCheck{
		"redis":  env.state.Ping,
		"sqlite": env.store.HealthCheck,
	}, zaptest.NewLogger(t).Sugar())

	rec := httptest.NewRecorder()
	ops.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	env.mr.Close()

	rec = httptest.NewRecorder()
	ops.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sqlite":"ok"`)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}

func TestOpsServer_Metrics(t *testing.T) {
	ops := NewOpsServer(":0", nil, zaptest.NewLogger(t).Sugar())

	rec := httptest.NewRecorder()
	ops.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
