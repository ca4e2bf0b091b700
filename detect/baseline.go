package detect

import (
	"context"
	"fmt"
	"math"
	"time"

	"warden/core"
)

// Baseline dimensions
const (
	DimensionTraffic    = "traffic"
	DimensionAttackType = "attack_type"
	DimensionSource     = "source"
	DimensionGeo        = "geo"

	globalIdentifier = "global"
)

const (
	bucketTTL       = 20 * time.Minute
	lookbackMinutes = 15
	maxSamples      = 10
)

// BaselineStats is the result of a baseline computation
type BaselineStats struct {
	Baseline   int64 `json:"baseline"`
	Current    int64 `json:"current"`
	SampleSize int   `json:"sample_size"`
}

// BaselineTracker keeps per-minute event counters per dimension and derives a rolling
// baseline from them at read time. Buckets are keyed by wall-clock minute, so no timer
// rotates them.
type BaselineTracker struct {
	store core.StateStore
}

// NewBaselineTracker creates a tracker over store
func NewBaselineTracker(store core.StateStore) *BaselineTracker {
	return &BaselineTracker{store: store}
}

func bucketKey(dimension, id string, minute int64) string {
	return fmt.Sprintf("metrics:%s:%s:%d", dimension, id, minute)
}

func unixMinute(t time.Time) int64 {
	return t.Unix() / 60
}

// Record counts ev in the current minute bucket of every dimension it belongs to
func (b *BaselineTracker) Record(ctx context.Context, ev *core.Event, now time.Time) error {
	minute := unixMinute(now)
	dims := [][2]string{
		{DimensionTraffic, globalIdentifier},
		{DimensionAttackType, ev.EventType},
		{DimensionSource, ev.SourceIP},
	}
	if country := ev.Country(); country != "" {
		dims = append(dims, [2]string{DimensionGeo, country})
	}

	for _, d := range dims {
		if _, err := b.store.IncrWindow(ctx, bucketKey(d[0], d[1], minute), 1, bucketTTL); err != nil {
			return err
		}
	}
	return nil
}

// ComputeBaseline reads the current minute and the fifteen minutes before it. The baseline is
// the rounded mean of the ten most recent non-zero historical buckets.
func (b *BaselineTracker) ComputeBaseline(ctx context.Context, dimension, id string, now time.Time) (BaselineStats, error) {
	if id == "" {
		id = globalIdentifier
	}
	minute := unixMinute(now)

	keys := make([]string, 0, lookbackMinutes+1)
	keys = append(keys, bucketKey(dimension, id, minute))
	for i := int64(1); i <= lookbackMinutes; i++ {
		keys = append(keys, bucketKey(dimension, id, minute-i))
	}

	counts, err := b.store.GetInts(ctx, keys)
	if err != nil {
		return BaselineStats{}, err
	}
	return baselineFromCounts(counts[0], counts[1:]), nil
}

// baselineFromCounts computes stats from the current count and history ordered newest first
func baselineFromCounts(current int64, history []int64) BaselineStats {
	var sum int64
	samples := 0
	for _, c := range history {
		if c == 0 {
			continue
		}
		sum += c
		samples++
		if samples == maxSamples {
			break
		}
	}

	stats := BaselineStats{Current: current, SampleSize: samples}
	if samples > 0 {
		stats.Baseline = int64(math.Round(float64(sum) / float64(samples)))
	}
	return stats
}
