package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"warden/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var normalizeNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNormalizer_Normalize_Defaults(t *testing.T) {
	n := NewNormalizer(nil)

	event, err := n.Normalize(&RawEvent{
		EventType: "  Failed_Login ",
		SourceIP:  " 10.0.0.5 ",
	}, normalizeNow)
	require.NoError(t, err)

	assert.Equal(t, "failed_login", event.EventType)
	assert.Equal(t, "failed_login", event.TypeAlias)
	assert.Equal(t, "10.0.0.5", event.SourceIP)
	assert.Equal(t, UnknownTarget, event.Target)
	assert.Equal(t, SeverityLow, event.Severity)
	assert.Equal(t, normalizeNow, event.Timestamp)
	assert.NotEmpty(t, event.EventID)
	assert.NotNil(t, event.Metadata)
}

func TestNormalizer_Normalize_RequiredFields(t *testing.T) {
	n := NewNormalizer(nil)

	_, err := n.Normalize(&RawEvent{SourceIP: "10.0.0.5"}, normalizeNow)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = n.Normalize(&RawEvent{EventType: "port_scan", SourceIP: "  "}, normalizeNow)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = n.Normalize(nil, normalizeNow)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNormalizer_Normalize_SeverityAndTimestamp(t *testing.T) {
	n := NewNormalizer(nil)

	tests := []struct {
		name     string
		severity string
		ts       interface{}
		wantSev  Severity
		wantTime time.Time
	}{
		{"rfc3339", "HIGH", "2026-02-01T08:30:00Z", SeverityHigh, time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)},
		{"unix seconds", "critical", float64(1767225600), SeverityCritical, time.Unix(1767225600, 0).UTC()},
		{"unix millis", "medium", int64(1767225600123), SeverityMedium, time.UnixMilli(1767225600123).UTC()},
		{"garbage falls back", "bogus", "yesterday", SeverityLow, normalizeNow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := n.Normalize(&RawEvent{
				EventType: "generic_request",
				SourceIP:  "1.2.3.4",
				Severity:  tt.severity,
				Timestamp: tt.ts,
			}, normalizeNow)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSev, event.Severity)
			assert.True(t, tt.wantTime.Equal(event.Timestamp), "got %v", event.Timestamp)
		})
	}
}

func TestNormalizer_Normalize_MetadataAliases(t *testing.T) {
	n := NewNormalizer(nil)

	event, err := n.Normalize(&RawEvent{
		EventType: "file_download",
		SourceIP:  "1.2.3.4",
		Metadata: map[string]interface{}{
			"bytes_sent":  float64(2048),
			"dst_port":    "8080",
			"geo_country": " de ",
			"body":        " ' OR 1=1 -- ",
			"custom":      "kept",
		},
	}, normalizeNow)
	require.NoError(t, err)

	size, ok := event.ResponseSize()
	assert.True(t, ok)
	assert.Equal(t, int64(2048), size)

	port, ok := event.Port()
	assert.True(t, ok)
	assert.Equal(t, int64(8080), port)

	assert.Equal(t, "DE", event.Country())
	assert.Equal(t, "' OR 1=1 --", event.Payload())
	assert.Equal(t, "kept", event.Metadata["custom"])
}

func TestNormalizer_CanonicalKeyWinsOverAlias(t *testing.T) {
	n := NewNormalizer(nil)

	event, err := n.Normalize(&RawEvent{
		EventType: "generic_request",
		SourceIP:  "1.2.3.4",
		Metadata: map[string]interface{}{
			"response_size": 100,
			"bytes":         999,
		},
	}, normalizeNow)
	require.NoError(t, err)

	size, _ := event.ResponseSize()
	assert.Equal(t, int64(100), size)
}

func TestNormalizer_AliasPrecedenceIsStable(t *testing.T) {
	n := NewNormalizer(nil)

	// map iteration order varies between runs; the earlier alias must win every time
	for i := 0; i < 50; i++ {
		event, err := n.Normalize(&RawEvent{
			EventType: "file_download",
			SourceIP:  "1.2.3.4",
			Metadata: map[string]interface{}{
				"content_length": 10,
				"bytes_sent":     20,
				"bytes":          30,
				"dest_port":      443,
				"dst_port":       8443,
			},
		}, normalizeNow)
		require.NoError(t, err)

		size, _ := event.ResponseSize()
		require.Equal(t, int64(30), size)
		port, _ := event.Port()
		require.Equal(t, int64(8443), port)
	}
}

func TestNormalizer_SharedAliasGoesToFirstCanonical(t *testing.T) {
	n := NewNormalizer(FieldMappings{
		"b_field": {"shared"},
		"a_field": {"shared"},
	})

	for i := 0; i < 20; i++ {
		event, err := n.Normalize(&RawEvent{
			EventType: "generic_request",
			SourceIP:  "1.2.3.4",
			Metadata:  map[string]interface{}{"shared": "v"},
		}, normalizeNow)
		require.NoError(t, err)
		require.Equal(t, "v", event.Metadata["a_field"])
		require.NotContains(t, event.Metadata, "b_field")
	}
}

func TestLoadFieldMappings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "field_mappings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port:\n  - svc_port\n"), 0o600))

	mappings, err := LoadFieldMappings(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc_port"}, mappings[MetaPort])
	assert.NotEmpty(t, mappings[MetaResponseSize], "defaults are kept for keys the file does not override")

	event, err := NewNormalizer(mappings).Normalize(&RawEvent{
		EventType: "port_scan",
		SourceIP:  "1.2.3.4",
		Metadata:  map[string]interface{}{"svc_port": 22},
	}, normalizeNow)
	require.NoError(t, err)
	port, ok := event.Port()
	assert.True(t, ok)
	assert.Equal(t, int64(22), port)
}

func TestLoadFieldMappings_RejectsTraversal(t *testing.T) {
	_, err := LoadFieldMappings("../../../etc/passwd")
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrPathTraversal)
}
