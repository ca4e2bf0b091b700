package config

import (
	"fmt"
	"strings"
	"time"

	"warden/core"
	"warden/util"

	"github.com/go-playground/validator/v10"
)

// Rule keys, in their default evaluation order
const (
	RuleBruteForce       = "brute_force"
	RulePortScan         = "port_scan"
	RuleSQLInjection     = "sql_injection"
	RuleXSS              = "xss"
	RuleDataExfiltration = "data_exfiltration"
	RuleVolumeAnomaly    = "volume_anomaly"
	RuleAnomalySpike     = "anomaly_spike"
	RuleAttackSequence   = "attack_sequence"
)

const mebibyte = 1024 * 1024

// RuleConfig is one entry of the rule configuration. Which knobs matter depends on the rule;
// unused knobs are ignored.
type RuleConfig struct {
	Key     string `mapstructure:"key" yaml:"key" json:"key" validate:"required"`
	Enabled *bool  `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	WindowSeconds int `mapstructure:"window_seconds" yaml:"window_seconds" json:"window_seconds,omitempty" validate:"gte=0"`
	DedupSeconds  int `mapstructure:"dedup_seconds" yaml:"dedup_seconds" json:"dedup_seconds,omitempty" validate:"gte=0"`

	Threshold       int64 `mapstructure:"threshold" yaml:"threshold" json:"threshold,omitempty" validate:"gte=0"`
	GlobalThreshold int64 `mapstructure:"global_threshold" yaml:"global_threshold" json:"global_threshold,omitempty" validate:"gte=0"`

	Thresholds     *core.SeverityThresholds `mapstructure:"thresholds" yaml:"thresholds" json:"thresholds,omitempty"`
	ByteThresholds *core.SeverityThresholds `mapstructure:"byte_thresholds" yaml:"byte_thresholds" json:"byte_thresholds,omitempty"`

	// Spike detection knobs; the Source* variants apply to the per-source dimension
	Multiplier       float64 `mapstructure:"multiplier" yaml:"multiplier" json:"multiplier,omitempty" validate:"gte=0"`
	SourceMultiplier float64 `mapstructure:"source_multiplier" yaml:"source_multiplier" json:"source_multiplier,omitempty" validate:"gte=0"`
	MinSamples       int     `mapstructure:"min_samples" yaml:"min_samples" json:"min_samples,omitempty" validate:"gte=0"`
	SourceMinSamples int     `mapstructure:"source_min_samples" yaml:"source_min_samples" json:"source_min_samples,omitempty" validate:"gte=0"`
	MinCurrent       int64   `mapstructure:"min_current" yaml:"min_current" json:"min_current,omitempty" validate:"gte=0"`
	SourceMinCurrent int64   `mapstructure:"source_min_current" yaml:"source_min_current" json:"source_min_current,omitempty" validate:"gte=0"`

	// LargeBytes is the response size a transfer must exceed to complete an attack sequence
	LargeBytes int64 `mapstructure:"large_bytes" yaml:"large_bytes" json:"large_bytes,omitempty" validate:"gte=0"`

	// Patterns are extra signatures appended to a signature rule's built-in set
	Patterns []string `mapstructure:"patterns" yaml:"patterns" json:"patterns,omitempty" validate:"dive,required"`
}

// IsEnabled reports whether the rule runs. Rules are enabled unless explicitly disabled.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Window returns the counting window as a duration
func (r RuleConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// DedupTTL returns the dedup window as a duration
func (r RuleConfig) DedupTTL() time.Duration {
	return time.Duration(r.DedupSeconds) * time.Second
}

func enabled() *bool {
	v := true
	return &v
}

// DefaultRules returns the built-in rule configuration in evaluation order
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			Key:           RuleBruteForce,
			Enabled:       enabled(),
			WindowSeconds: 300,
			DedupSeconds:  300,
			Thresholds:    &core.SeverityThresholds{Medium: 5, High: 10, Critical: 20},
		},
		{
			Key:           RulePortScan,
			Enabled:       enabled(),
			WindowSeconds: 60,
			DedupSeconds:  300,
			Threshold:     20,
		},
		{Key: RuleSQLInjection, Enabled: enabled(), DedupSeconds: 300},
		{Key: RuleXSS, Enabled: enabled(), DedupSeconds: 300},
		{
			Key:            RuleDataExfiltration,
			Enabled:        enabled(),
			WindowSeconds:  3600,
			DedupSeconds:   3600,
			ByteThresholds: &core.SeverityThresholds{Medium: 10 * mebibyte, High: 50 * mebibyte, Critical: 100 * mebibyte},
		},
		{
			Key:             RuleVolumeAnomaly,
			Enabled:         enabled(),
			WindowSeconds:   60,
			DedupSeconds:    300,
			Threshold:       100,
			GlobalThreshold: 1000,
		},
		{
			Key:              RuleAnomalySpike,
			Enabled:          enabled(),
			DedupSeconds:     60,
			Multiplier:       3.0,
			SourceMultiplier: 2.5,
			MinSamples:       3,
			SourceMinSamples: 2,
			MinCurrent:       20,
			SourceMinCurrent: 15,
		},
		{
			Key:           RuleAttackSequence,
			Enabled:       enabled(),
			WindowSeconds: 3600,
			DedupSeconds:  3600,
			LargeBytes:    20 * mebibyte,
		},
	}
}

// MergeRuleDefaults fills every zero field of the configured rules from the defaults of the
// same key. An empty configuration yields DefaultRules. Unknown keys are passed through for
// ValidateRules to reject.
func MergeRuleDefaults(rules []RuleConfig) []RuleConfig {
	if len(rules) == 0 {
		return DefaultRules()
	}

	defaults := make(map[string]RuleConfig)
	for _, d := range DefaultRules() {
		defaults[d.Key] = d
	}

	merged := make([]RuleConfig, 0, len(rules))
	for _, r := range rules {
		r.Key = strings.ToLower(strings.TrimSpace(r.Key))
		d, ok := defaults[r.Key]
		if !ok {
			merged = append(merged, r)
			continue
		}
		if r.Enabled == nil {
			r.Enabled = d.Enabled
		}
		if r.WindowSeconds == 0 {
			r.WindowSeconds = d.WindowSeconds
		}
		if r.DedupSeconds == 0 {
			r.DedupSeconds = d.DedupSeconds
		}
		if r.Threshold == 0 {
			r.Threshold = d.Threshold
		}
		if r.GlobalThreshold == 0 {
			r.GlobalThreshold = d.GlobalThreshold
		}
		if r.Thresholds == nil {
			r.Thresholds = d.Thresholds
		}
		if r.ByteThresholds == nil {
			r.ByteThresholds = d.ByteThresholds
		}
		if r.Multiplier == 0 {
			r.Multiplier = d.Multiplier
		}
		if r.SourceMultiplier == 0 {
			r.SourceMultiplier = d.SourceMultiplier
		}
		if r.MinSamples == 0 {
			r.MinSamples = d.MinSamples
		}
		if r.SourceMinSamples == 0 {
			r.SourceMinSamples = d.SourceMinSamples
		}
		if r.MinCurrent == 0 {
			r.MinCurrent = d.MinCurrent
		}
		if r.SourceMinCurrent == 0 {
			r.SourceMinCurrent = d.SourceMinCurrent
		}
		if r.LargeBytes == 0 {
			r.LargeBytes = d.LargeBytes
		}
		merged = append(merged, r)
	}
	return merged
}

var validate = validator.New()

// ValidateRules checks struct constraints, duplicate and unknown keys, and the knobs each
// rule needs. Every failure wraps core.ErrConfiguration.
func ValidateRules(rules []RuleConfig) error {
	known := make(map[string]bool)
	for _, d := range DefaultRules() {
		known[d.Key] = true
	}

	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if err := validate.Struct(r); err != nil {
			return fmt.Errorf("%w: rules[%d] (%s): %v", core.ErrConfiguration, i, r.Key, err)
		}
		if !known[r.Key] {
			return fmt.Errorf("%w: rules[%d]: unknown rule key %q", core.ErrConfiguration, i, r.Key)
		}
		if seen[r.Key] {
			return fmt.Errorf("%w: rules[%d]: duplicate rule key %q", core.ErrConfiguration, i, r.Key)
		}
		seen[r.Key] = true

		if err := checkRuleKnobs(r); err != nil {
			return fmt.Errorf("%w: rules[%d] (%s): %v", core.ErrConfiguration, i, r.Key, err)
		}
	}
	return nil
}

func checkRuleKnobs(r RuleConfig) error {
	needWindow := func() error {
		if r.WindowSeconds <= 0 {
			return fmt.Errorf("window_seconds must be positive")
		}
		return nil
	}
	if r.DedupSeconds <= 0 {
		return fmt.Errorf("dedup_seconds must be positive")
	}

	switch r.Key {
	case RuleBruteForce:
		if r.Thresholds == nil {
			return fmt.Errorf("thresholds are required")
		}
		return needWindow()
	case RulePortScan:
		if r.Threshold <= 0 {
			return fmt.Errorf("threshold must be positive")
		}
		return needWindow()
	case RuleDataExfiltration:
		if r.ByteThresholds == nil {
			return fmt.Errorf("byte_thresholds are required")
		}
		return needWindow()
	case RuleVolumeAnomaly:
		if r.Threshold <= 0 || r.GlobalThreshold <= 0 {
			return fmt.Errorf("threshold and global_threshold must be positive")
		}
		return needWindow()
	case RuleAnomalySpike:
		if r.Multiplier <= 0 || r.SourceMultiplier <= 0 {
			return fmt.Errorf("multiplier and source_multiplier must be positive")
		}
		if r.MinSamples <= 0 || r.SourceMinSamples <= 0 {
			return fmt.Errorf("min_samples and source_min_samples must be positive")
		}
	case RuleSQLInjection, RuleXSS:
		for i, p := range r.Patterns {
			if err := util.ValidatePattern(p); err != nil {
				return fmt.Errorf("patterns[%d]: %v", i, err)
			}
		}
	case RuleAttackSequence:
		if r.LargeBytes <= 0 {
			return fmt.Errorf("large_bytes must be positive")
		}
		return needWindow()
	}
	return nil
}
