package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"warden/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var baseTime = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func newSQLiteForTest(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "warden.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backends runs fn against every Storage implementation
func backends(t *testing.T, fn func(t *testing.T, s Storage)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteForTest(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStorage()) })
}

func testFinding(rule, ip string, sev core.Severity, at time.Time) *core.Finding {
	ev := &core.Event{EventID: "evt-" + rule + "-" + ip, EventType: "failed_login", SourceIP: ip, Target: "web-01"}
	return core.NewFinding(rule, sev, ev, "dedup:"+rule+":"+ip, map[string]interface{}{"count": 5}, at).
		WithReference("T1110")
}

func testIncident(id, ip string) *core.Incident {
	inc := core.NewIncident(id, "Brute force from "+ip, "repeated failures", core.SeverityHigh, baseTime)
	inc.Metadata[core.IncidentMetaSourceIP] = ip
	inc.Metadata[core.IncidentMetaCreationRule] = "threshold"
	inc.AddFindings("f-1", "f-2")
	inc.AddEvents("e-1")
	inc.AddTimeline(core.TimelineEntry{Action: core.TimelineCreated, Rule: "threshold", Automatic: true, At: baseTime})
	return inc
}

func TestFindings_InsertGetList(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		older := testFinding("brute_force", "10.0.0.1", core.SeverityMedium, baseTime)
		newer := testFinding("port_scan", "10.0.0.1", core.SeverityHigh, baseTime.Add(time.Minute))
		other := testFinding("brute_force", "10.0.0.2", core.SeverityCritical, baseTime.Add(2*time.Minute))
		require.NoError(t, s.InsertFindings(ctx, []*core.Finding{older, newer, other}))

		got, err := s.GetFinding(ctx, newer.FindingID)
		require.NoError(t, err)
		assert.Equal(t, "port_scan", got.RuleName)
		assert.Equal(t, core.SeverityHigh, got.Severity)
		assert.Equal(t, "T1110", got.Reference)
		assert.Equal(t, "web-01", got.Target)
		assert.True(t, newer.CreatedAt.Equal(got.CreatedAt))
		assert.Contains(t, got.Evidence, "count")

		bySource, err := s.ListFindings(ctx, core.FindingFilter{SourceIP: "10.0.0.1"})
		require.NoError(t, err)
		require.Len(t, bySource, 2)
		assert.Equal(t, newer.FindingID, bySource[0].FindingID, "newest first")

		highPlus, err := s.ListFindings(ctx, core.FindingFilter{MinLevel: core.SeverityHigh})
		require.NoError(t, err)
		assert.Len(t, highPlus, 2)

		since, err := s.ListFindings(ctx, core.FindingFilter{Since: baseTime.Add(30 * time.Second), RuleName: "brute_force"})
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, other.FindingID, since[0].FindingID)

		limited, err := s.ListFindings(ctx, core.FindingFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestFindings_InsertIsIdempotentPerID(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		f := testFinding("xss", "10.0.0.3", core.SeverityMedium, baseTime)
		require.NoError(t, s.InsertFindings(ctx, []*core.Finding{f}))
		require.NoError(t, s.InsertFindings(ctx, []*core.Finding{f}))

		all, err := s.ListFindings(ctx, core.FindingFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestFindings_GetUnknown(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		_, err := s.GetFinding(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrFindingNotFound)
	})
}

func TestIncidents_CreateAndGet(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		inc := testIncident("INC-1", "10.0.0.1")
		require.NoError(t, s.CreateIncident(ctx, inc))

		got, err := s.GetIncident(ctx, "INC-1")
		require.NoError(t, err)
		assert.Equal(t, inc.Title, got.Title)
		assert.Equal(t, core.IncidentStatusOpen, got.Status)
		assert.Equal(t, []string{"f-1", "f-2"}, got.FindingIDs)
		assert.Equal(t, []string{"e-1"}, got.EventIDs)
		assert.Equal(t, "10.0.0.1", got.Metadata[core.IncidentMetaSourceIP])
		require.Len(t, got.Timeline, 1)
		assert.Equal(t, core.TimelineCreated, got.Timeline[0].Action)
		assert.True(t, got.Timeline[0].Automatic)

		err = s.CreateIncident(ctx, testIncident("INC-1", "10.0.0.9"))
		assert.ErrorIs(t, err, ErrIncidentExists)

		_, err = s.GetIncident(ctx, "INC-404")
		assert.ErrorIs(t, err, ErrIncidentNotFound)
	})
}

func TestIncidents_AppendSkipsKnownReferences(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		require.NoError(t, s.CreateIncident(ctx, testIncident("INC-2", "10.0.0.1")))

		at := baseTime.Add(5 * time.Minute)
		got, err := s.AppendToIncident(ctx, "INC-2", IncidentUpdate{
			FindingIDs: []string{"f-2", "f-3"},
			EventIDs:   []string{"e-1", "e-2"},
			Entry:      core.TimelineEntry{Action: core.TimelineUpdated, Rule: "repeat", Automatic: true},
			At:         at,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"f-1", "f-2", "f-3"}, got.FindingIDs)
		assert.Equal(t, []string{"e-1", "e-2"}, got.EventIDs)
		require.Len(t, got.Timeline, 2)
		assert.Equal(t, "repeat", got.Timeline[1].Rule)
		assert.True(t, at.Equal(got.Timeline[1].At))
		assert.True(t, at.Equal(got.UpdatedAt))

		_, err = s.AppendToIncident(ctx, "INC-404", IncidentUpdate{FindingIDs: []string{"x"}})
		assert.ErrorIs(t, err, ErrIncidentNotFound)
	})
}

func TestIncidents_StatusTransitions(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		require.NoError(t, s.CreateIncident(ctx, testIncident("INC-3", "10.0.0.1")))

		got, err := s.UpdateIncidentStatus(ctx, "INC-3", core.IncidentStatusInProgress, "analyst", baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, core.IncidentStatusInProgress, got.Status)
		require.Len(t, got.Timeline, 2)
		assert.Equal(t, core.TimelineStatusChanged, got.Timeline[1].Action)

		_, err = s.UpdateIncidentStatus(ctx, "INC-3", core.IncidentStatusClosed, "analyst", baseTime.Add(2*time.Minute))
		require.NoError(t, err)

		_, err = s.UpdateIncidentStatus(ctx, "INC-3", core.IncidentStatusOpen, "analyst", baseTime.Add(3*time.Minute))
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestIncidents_List(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		require.NoError(t, s.CreateIncident(ctx, testIncident("INC-A", "10.0.0.1")))
		require.NoError(t, s.CreateIncident(ctx, testIncident("INC-B", "10.0.0.2")))
		_, err := s.AppendToIncident(ctx, "INC-A", IncidentUpdate{FindingIDs: []string{"f-9"}, At: baseTime.Add(time.Hour)})
		require.NoError(t, err)
		_, err = s.UpdateIncidentStatus(ctx, "INC-B", core.IncidentStatusResolved, "analyst", baseTime.Add(time.Minute))
		require.NoError(t, err)

		all, err := s.ListIncidents(ctx, IncidentFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "INC-A", all[0].IncidentID, "most recently updated first")

		open, err := s.ListIncidents(ctx, IncidentFilter{Status: core.IncidentStatusOpen})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "INC-A", open[0].IncidentID)

		bySource, err := s.ListIncidents(ctx, IncidentFilter{SourceIP: "10.0.0.2"})
		require.NoError(t, err)
		require.Len(t, bySource, 1)
		assert.Equal(t, "INC-B", bySource[0].IncidentID)
	})
}

func TestStorage_ClosedRejectsUse(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.HealthCheck(context.Background()))
		require.NoError(t, s.Close())
		_, err := s.ListFindings(context.Background(), core.FindingFilter{})
		assert.Error(t, err)
	})
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	require.NoError(t, s.CreateIncident(ctx, testIncident("INC-C", "10.0.0.1")))

	got, err := s.GetIncident(ctx, "INC-C")
	require.NoError(t, err)
	got.FindingIDs[0] = "mutated"
	got.Metadata[core.IncidentMetaSourceIP] = "mutated"

	again, err := s.GetIncident(ctx, "INC-C")
	require.NoError(t, err)
	assert.Equal(t, "f-1", again.FindingIDs[0])
	assert.Equal(t, "10.0.0.1", again.Metadata[core.IncidentMetaSourceIP])
}

func TestValidateDatabasePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"memory", ":memory:", false},
		{"relative", "data/warden.db", false},
		{"empty", "", true},
		{"traversal", "../warden.db", true},
		{"null byte", "warden\x00.db", true},
		{"reserved", "data/NUL.db", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDatabasePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
