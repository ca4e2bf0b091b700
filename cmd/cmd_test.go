package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"warden/bootstrap"
	"warden/config"
	"warden/core"
	"warden/ingest"
	"warden/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sampleEvents = `{"event_type":"generic_request","source_ip":"10.2.0.1","target":"/login","metadata":{"body":"user=admin' OR '1'='1"}}

# recorded during the 2026-05 exercise
{"event_type":"malware_detection","source_ip":"10.9.9.9","target":"host-17","severity":"critical"}
{"source_ip":"10.0.0.1"}
`

func TestNewRootCmd(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "warden", root.Use)

	names := make(map[string]bool)
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	for _, expected := range []string{"serve", "replay", "rules", "submit"} {
		assert.True(t, names[expected], "Missing command: %s", expected)
	}

	for _, flag := range []string{"json", "config", "no-color", "quiet", "verbose"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "Missing flag: %s", flag)
	}
}

func TestDecodeLines(t *testing.T) {
	decoder, err := ingest.NewDecoder()
	require.NoError(t, err)

	events, failures, err := decodeLines(strings.NewReader(sampleEvents), decoder)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Line)
	assert.Equal(t, 4, events[1].Line)
	assert.Equal(t, "malware_detection", events[1].Event.EventType)

	require.Len(t, failures, 1)
	assert.Equal(t, 5, failures[0].Line)
	assert.Equal(t, core.ErrorClassInvalidEvent, failures[0].Class)
}

func TestValidateFilePath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(file, []byte("{}\n"), 0o600))

	assert.NoError(t, validateFilePath(file))
	assert.Error(t, validateFilePath("../events.jsonl"))
	assert.Error(t, validateFilePath(dir), "directories are rejected")
	assert.Error(t, validateFilePath(filepath.Join(dir, "missing.jsonl")))
}

func TestReplay_ReportsFindingsIncidentsAndFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t).Sugar()
	state := core.NewRedisStateStore(mr.Addr(), "", 0, 10, logger)
	t.Cleanup(func() { _ = state.Close() })
	store := storage.NewMemoryStorage()

	p, err := bootstrap.BuildPipeline(config.Default(), bootstrap.PipelineOptions{State: state, Store: store}, logger)
	require.NoError(t, err)

	decoder, err := ingest.NewDecoder()
	require.NoError(t, err)
	events, _, err := decodeLines(strings.NewReader(sampleEvents), decoder)
	require.NoError(t, err)

	// the same malware event again updates rather than duplicates the incident
	events = append(events, lineEvent{Line: 6, Event: &core.RawEvent{
		EventType: "malware_detection", SourceIP: "10.9.9.9", Target: "host-17", Severity: "critical",
	}})

	report, err := Replay(context.Background(), p.Dispatcher, store, events)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Events)
	assert.Empty(t, report.Failures)
	assert.NotEmpty(t, report.Findings)
	require.Len(t, report.Incidents, 1)
	assert.Equal(t, "10.9.9.9", report.Incidents[0].Metadata[core.IncidentMetaSourceIP])
	assert.GreaterOrEqual(t, len(report.Incidents[0].Timeline), 2, "created then updated")
}

type fakeSubmitter struct {
	fail map[string]bool
}

func (f *fakeSubmitter) Submit(_ context.Context, raw *core.RawEvent) (string, error) {
	if f.fail[raw.SourceIP] {
		return "", errors.New("nats: timeout")
	}
	return ingest.SubjectFor("warden.events", ingest.PriorityOf(raw)), nil
}

func TestSubmit_RoutesByPriority(t *testing.T) {
	events := []lineEvent{
		{Line: 1, Event: &core.RawEvent{EventType: "failed_login", SourceIP: "10.0.0.1"}},
		{Line: 2, Event: &core.RawEvent{EventType: "malware_detection", SourceIP: "10.0.0.2", Severity: "critical"}},
		{Line: 3, Event: &core.RawEvent{EventType: "failed_login", SourceIP: "10.0.0.3"}},
		{Line: 4, Event: &core.RawEvent{EventType: "failed_login", SourceIP: "10.0.0.4"}},
	}

	report, err := Submit(context.Background(), &fakeSubmitter{fail: map[string]bool{"10.0.0.4": true}}, events)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Published)
	assert.Equal(t, 2, report.Subjects["warden.events.normal"])
	assert.Equal(t, 1, report.Subjects["warden.events.critical"])
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 4, report.Failures[0].Line)
}

func TestRulesCommand_JSON(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"rules", "--json"})

	require.NoError(t, root.Execute())

	var rules []config.RuleConfig
	require.NoError(t, json.Unmarshal(out.Bytes(), &rules))
	require.Len(t, rules, len(config.DefaultRules()))
	assert.Equal(t, config.RuleBruteForce, rules[0].Key)
}

func TestRulesCommand_Table(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"rules", "--no-color"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), config.RuleAttackSequence)
	assert.Contains(t, out.String(), "RULES")
}

func TestReplayCommand_Embedded(t *testing.T) {
	file := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(sampleEvents), 0o600))

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"replay", file, "--embedded", "--json", "--progress=false"})

	require.NoError(t, root.Execute())

	var report ReplayReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 2, report.Events)
	require.Len(t, report.Failures, 1, "the record without event_type is rejected")
	assert.Equal(t, core.ErrorClassInvalidEvent, report.Failures[0].Class)
	assert.Len(t, report.Incidents, 1)
}
