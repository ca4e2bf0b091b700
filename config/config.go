package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"warden/core"

	"github.com/spf13/viper"
)

// Config holds all configuration for the warden service
type Config struct {
	Redis struct {
		Addr      string        `mapstructure:"addr"`
		Password  string        `mapstructure:"password"`
		DB        int           `mapstructure:"db"`
		PoolSize  int           `mapstructure:"pool_size"`
		OpTimeout time.Duration `mapstructure:"op_timeout"` // bound on a single state store call
	} `mapstructure:"redis"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	NATS struct {
		URL           string        `mapstructure:"url"`
		Stream        string        `mapstructure:"stream"`
		SubjectPrefix string        `mapstructure:"subject_prefix"` // events are published under <prefix>.critical / <prefix>.normal
		Durable       string        `mapstructure:"durable"`
		MaxDeliver    int           `mapstructure:"max_deliver"`
		AckWait       time.Duration `mapstructure:"ack_wait"`
		NakDelay      time.Duration `mapstructure:"nak_delay"`
		BatchSize     int           `mapstructure:"batch_size"`
		FetchWait     time.Duration `mapstructure:"fetch_wait"`
	} `mapstructure:"nats"`

	Notify struct {
		Enabled       bool    `mapstructure:"enabled"`
		SubjectPrefix string  `mapstructure:"subject_prefix"`
		RatePerSecond float64 `mapstructure:"rate_per_second"`
		Burst         int     `mapstructure:"burst"`
		// MinSeverity filters finding notifications; incidents are always announced
		MinSeverity     string        `mapstructure:"min_severity"`
		BreakerFailures int           `mapstructure:"breaker_failures"`
		BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	} `mapstructure:"notify"`

	Engine struct {
		WorkerCount    int           `mapstructure:"worker_count"`
		PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	} `mapstructure:"engine"`

	Ops struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"ops"`

	FieldMappingsPath string `mapstructure:"field_mappings_path"`

	// Rules is the ordered rule configuration. Entries omitted from the file fall back to
	// DefaultRules; fields omitted from an entry fall back to that rule's defaults.
	Rules []RuleConfig `mapstructure:"rules"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.op_timeout", 2*time.Second)
	v.SetDefault("sqlite.path", "./data/warden.db")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "WARDEN_EVENTS")
	v.SetDefault("nats.subject_prefix", "warden.events")
	v.SetDefault("nats.durable", "warden-engine")
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("nats.ack_wait", 30*time.Second)
	v.SetDefault("nats.nak_delay", 2*time.Second)
	v.SetDefault("nats.batch_size", 32)
	v.SetDefault("nats.fetch_wait", 1*time.Second)
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.subject_prefix", "warden.notifications")
	v.SetDefault("notify.rate_per_second", 500.0)
	v.SetDefault("notify.burst", 1000)
	v.SetDefault("notify.min_severity", "low")
	v.SetDefault("notify.breaker_failures", 3)
	v.SetDefault("notify.breaker_timeout", 60*time.Second)
	v.SetDefault("engine.worker_count", 8)
	v.SetDefault("engine.persist_timeout", 5*time.Second)
	v.SetDefault("ops.listen", ":9090")
	v.SetDefault("field_mappings_path", "")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadConfig loads configuration from configFile (or config.yaml in . and ./config when empty)
// and the environment, then validates it. Rule configuration errors are fatal.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.Rules = MergeRuleDefaults(cfg.Rules)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment overrides exist
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults only contain plain values; decoding them cannot fail.
	_ = v.Unmarshal(&cfg)
	cfg.Rules = DefaultRules()
	return &cfg
}

// Validate checks the configuration for correctness
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr cannot be empty")
	}
	if c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be positive")
	}
	if c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path cannot be empty")
	}
	if c.NATS.URL != "" {
		parsed, err := url.Parse(c.NATS.URL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("invalid nats.url %q", c.NATS.URL)
		}
	}
	if c.NATS.MaxDeliver < 1 {
		return fmt.Errorf("nats.max_deliver must be at least 1")
	}
	if c.NATS.BatchSize < 1 {
		return fmt.Errorf("nats.batch_size must be at least 1")
	}
	if c.Engine.WorkerCount < 1 {
		return fmt.Errorf("engine.worker_count must be at least 1")
	}
	if c.Engine.PersistTimeout <= 0 {
		return fmt.Errorf("engine.persist_timeout must be positive")
	}
	if c.Notify.RatePerSecond <= 0 || c.Notify.Burst < 1 {
		return fmt.Errorf("notify.rate_per_second and notify.burst must be positive")
	}
	if !core.Severity(c.Notify.MinSeverity).IsValid() {
		return fmt.Errorf("invalid notify.min_severity %q", c.Notify.MinSeverity)
	}
	if c.Notify.BreakerFailures < 1 || c.Notify.BreakerTimeout <= 0 {
		return fmt.Errorf("notify.breaker_failures and notify.breaker_timeout must be positive")
	}
	return ValidateRules(c.Rules)
}
