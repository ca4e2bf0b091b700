package detect

import (
	"context"
	"math"
	"strconv"

	"warden/config"
	"warden/core"

	"golang.org/x/sync/errgroup"
)

const criticalSpikeRatio = 5.0

// spikeCheck is one dimension of the spike detector
type spikeCheck struct {
	dimension  string
	id         string
	multiplier float64
	minSamples int
	minCurrent int64
}

type spikeResult struct {
	check spikeCheck
	stats BaselineStats
	ratio float64
	spike bool
}

// SpikeRule compares the current minute against the rolling baseline for global traffic, the
// event type, the source and the source country. All dimensions are checked concurrently but
// at most one finding is returned per event: the first spiking dimension, in that order,
// whose per-minute dedup claim succeeds.
type SpikeRule struct{}

// NewSpikeRule creates the anomaly spike rule
func NewSpikeRule(config.RuleConfig) (Rule, error) {
	return &SpikeRule{}, nil
}

// Key implements Rule
func (r *SpikeRule) Key() string { return config.RuleAnomalySpike }

func (r *SpikeRule) checks(rc *RuleContext) []spikeCheck {
	cfg := rc.Config
	ev := rc.Event
	checks := []spikeCheck{
		{DimensionTraffic, globalIdentifier, cfg.Multiplier, cfg.MinSamples, cfg.MinCurrent},
		{DimensionAttackType, ev.EventType, cfg.Multiplier, cfg.MinSamples, cfg.MinCurrent},
		{DimensionSource, ev.SourceIP, cfg.SourceMultiplier, cfg.SourceMinSamples, cfg.SourceMinCurrent},
	}
	if country := ev.Country(); country != "" {
		checks = append(checks, spikeCheck{DimensionGeo, country, cfg.Multiplier, cfg.MinSamples, cfg.MinCurrent})
	}
	return checks
}

// Evaluate implements Rule
func (r *SpikeRule) Evaluate(ctx context.Context, rc *RuleContext) ([]*core.Finding, error) {
	checks := r.checks(rc)
	results := make([]spikeResult, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			stats, err := rc.Helpers.Baseline.ComputeBaseline(gctx, c.dimension, c.id, rc.Now)
			if err != nil {
				return err
			}
			results[i] = evaluateSpike(c, stats)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	minute := strconv.FormatInt(unixMinute(rc.Now), 10)
	for _, res := range results {
		if !res.spike {
			continue
		}
		key := dedupKey(r.Key(), res.check.dimension, res.check.id, minute)
		claimed, err := rc.claim(ctx, key)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		return []*core.Finding{rc.finding(r.Key(), spikeSeverity(res.ratio), key, map[string]interface{}{
			"dimension":   res.check.dimension,
			"identifier":  res.check.id,
			"baseline":    res.stats.Baseline,
			"current":     res.stats.Current,
			"sample_size": res.stats.SampleSize,
			"ratio":       math.Round(res.ratio*100) / 100,
			"multiplier":  res.check.multiplier,
		})}, nil
	}
	return nil, nil
}

// evaluateSpike applies the sample size, absolute floor and multiplier gates
func evaluateSpike(c spikeCheck, stats BaselineStats) spikeResult {
	res := spikeResult{check: c, stats: stats}
	if stats.SampleSize < c.minSamples || stats.Current < c.minCurrent || stats.Baseline <= 0 {
		return res
	}
	res.ratio = float64(stats.Current) / float64(stats.Baseline)
	res.spike = float64(stats.Current) >= float64(stats.Baseline)*c.multiplier
	return res
}

// spikeSeverity maps a spike ratio to a severity. Everything below the critical ratio is
// high, including the 2x-3x band, so per-source spikes are never reported as medium.
func spikeSeverity(ratio float64) core.Severity {
	if ratio >= criticalSpikeRatio {
		return core.SeverityCritical
	}
	return core.SeverityHigh
}
