package detect

import (
	"fmt"
	"sort"

	"warden/config"
	"warden/core"
)

// Constructor builds a rule from its configuration. Constructors run once at startup and
// may reject the configuration.
type Constructor func(cfg config.RuleConfig) (Rule, error)

// BoundRule is a constructed rule together with the configuration it runs with
type BoundRule struct {
	Rule   Rule
	Config config.RuleConfig
}

// Registry maps rule keys to rule constructors
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns a registry holding every built-in rule
func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{
		config.RuleBruteForce:       NewBruteForceRule,
		config.RulePortScan:         NewPortScanRule,
		config.RuleSQLInjection:     NewSQLInjectionRule,
		config.RuleXSS:              NewXSSRule,
		config.RuleDataExfiltration: NewExfiltrationRule,
		config.RuleVolumeAnomaly:    NewVolumeRule,
		config.RuleAnomalySpike:     NewSpikeRule,
		config.RuleAttackSequence:   NewSequenceRule,
	}}
}

// Register adds or replaces the constructor for key
func (r *Registry) Register(key string, ctor Constructor) {
	r.constructors[key] = ctor
}

// Keys returns the registered rule keys, sorted
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.constructors))
	for k := range r.constructors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Build resolves every configured rule against the registry, in configuration order.
// A configured key without an implementation is a configuration error even when the rule is
// disabled; disabled rules are otherwise skipped.
func (r *Registry) Build(rules []config.RuleConfig) ([]BoundRule, error) {
	bound := make([]BoundRule, 0, len(rules))
	for _, cfg := range rules {
		ctor, ok := r.constructors[cfg.Key]
		if !ok {
			return nil, fmt.Errorf("%w: no rule implementation for key %q", core.ErrConfiguration, cfg.Key)
		}
		if !cfg.IsEnabled() {
			continue
		}
		rule, err := ctor(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %w", core.ErrConfiguration, cfg.Key, err)
		}
		bound = append(bound, BoundRule{Rule: rule, Config: cfg})
	}
	return bound, nil
}
