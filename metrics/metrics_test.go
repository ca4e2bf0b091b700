package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	assert.NotNil(t, EventsProcessed)
	assert.NotNil(t, FindingsGenerated)
	assert.NotNil(t, RuleErrors)
	assert.NotNil(t, IncidentsEscalated)
	assert.NotNil(t, PipelineFailures)
	assert.NotNil(t, DedupClaims)
	assert.NotNil(t, StateStoreErrors)
	assert.NotNil(t, NotificationsDropped)
	assert.NotNil(t, DeliveriesHandled)
	assert.NotNil(t, EventProcessingDuration)
	assert.NotNil(t, SQLitePoolOpenConnections)
	assert.NotNil(t, SQLitePoolInUse)
	assert.NotNil(t, SQLitePoolWaitCount)
}

func TestFindingsGenerated_CountsPerLabel(t *testing.T) {
	before := testutil.ToFloat64(FindingsGenerated.WithLabelValues("metrics_test_rule", "high"))
	FindingsGenerated.WithLabelValues("metrics_test_rule", "high").Inc()
	after := testutil.ToFloat64(FindingsGenerated.WithLabelValues("metrics_test_rule", "high"))
	assert.Equal(t, before+1, after)
}
