// Package config loads the runtime configuration in layers: defaults,
// then an optional YAML file, then SIEMLITE_ environment variables, each
// layer overriding the one before. Command-line flags are applied on top
// by the caller.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/UsamaSani/SIEM-Lite/internal/alerting"
	"github.com/UsamaSani/SIEM-Lite/internal/indexer"
	"github.com/UsamaSani/SIEM-Lite/internal/parse"
	"github.com/UsamaSani/SIEM-Lite/internal/replay"
	"github.com/UsamaSani/SIEM-Lite/internal/storage"
	"github.com/UsamaSani/SIEM-Lite/internal/telemetry"
	"github.com/UsamaSani/SIEM-Lite/pkg/logging"
)

// QueuesConfig sizes the pipeline queues. Zero capacity means derive: the
// ingest queue defaults to workers x 100, the parsed feeds to batch size
// x 10.
type QueuesConfig struct {
	Ingest int `mapstructure:"ingest" json:"ingest"`
	Feed   int `mapstructure:"feed" json:"feed"`
	Alert  int `mapstructure:"alert" json:"alert"` // default 1000
	// PutTimeout is the backpressure sanity bound applied to blocking
	// queue puts. 0 disables the bound. Default 30s. Stages may override
	// it with their own put_bound setting.
	PutTimeout time.Duration `mapstructure:"put_timeout" json:"put_timeout"`
}

// Config is the full runtime configuration tree.
type Config struct {
	Logging logging.Config `mapstructure:"logging" json:"logging"`

	// RunTime bounds the run; 0 runs until the source is exhausted.
	RunTime time.Duration `mapstructure:"run_time" json:"run_time"`
	// GracePeriod bounds the post-stop drain before stages are forced down.
	// Default 10s.
	GracePeriod time.Duration `mapstructure:"grace_period" json:"grace_period"`
	// DenyPatterns override the built-in suspicious-path substrings.
	DenyPatterns []string `mapstructure:"deny_patterns" json:"deny_patterns"`

	Queues   QueuesConfig              `mapstructure:"queues" json:"queues"`
	Replay   replay.Config             `mapstructure:"replay" json:"replay"`
	Parse    parse.PoolConfig          `mapstructure:"parse" json:"parse"`
	Alerting alerting.Config           `mapstructure:"alerting" json:"alerting"`
	Indexer  indexer.Config            `mapstructure:"indexer" json:"indexer"`
	Storage  storage.Config            `mapstructure:"storage" json:"storage"`
	Metrics  telemetry.CollectorConfig `mapstructure:"metrics" json:"metrics"`
	Server   telemetry.ServerConfig    `mapstructure:"server" json:"server"`
	Notifier alerting.NotifierConfig   `mapstructure:"notifier" json:"notifier"`
}

// ConfigurationError reports an invalid setting by its config path.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Load reads configuration from the given file, or searches for
// siemlite.yaml in . and ./config when path is empty. Environment
// variables use the SIEMLITE_ prefix with underscores for dots, e.g.
// SIEMLITE_REPLAY_RATE=500.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("siemlite")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("SIEMLITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
		// No config file is fine; defaults plus env plus flags carry the run.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", logging.LevelInfo)
	v.SetDefault("logging.format", logging.FormatJSON)
	v.SetDefault("logging.service_name", "siemlite")
	v.SetDefault("logging.development", false)

	v.SetDefault("run_time", time.Duration(0))
	v.SetDefault("grace_period", 10*time.Second)

	v.SetDefault("parse.workers", 4)

	v.SetDefault("queues.ingest", 0)
	v.SetDefault("queues.feed", 0)
	v.SetDefault("queues.alert", 1000)
	v.SetDefault("queues.put_timeout", 30*time.Second)

	v.SetDefault("replay.input", "")
	v.SetDefault("replay.rate", 0)
	v.SetDefault("replay.loop", false)

	v.SetDefault("alerting.partitions", 4)

	v.SetDefault("indexer.batch_size", 100)
	v.SetDefault("indexer.flush_interval", 2*time.Second)
	v.SetDefault("indexer.max_retries", 3)
	v.SetDefault("indexer.retry_backoff", 500*time.Millisecond)
	v.SetDefault("indexer.dead_letter_path", "siemlite-deadletter.bin")

	v.SetDefault("storage.backend", storage.BackendSQLite)
	v.SetDefault("storage.sqlite.path", "siemlite.db")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.elasticsearch.addresses", []string{"http://localhost:9200"})

	v.SetDefault("metrics.interval", 5*time.Second)
	v.SetDefault("metrics.csv_path", "siemlite-metrics.csv")

	v.SetDefault("server.addr", ":9090")

	v.SetDefault("notifier.brokers", []string{})
	v.SetDefault("notifier.topic", "siemlite-alerts")
}

// Validate checks the assembled configuration, after flag overrides.
func (c *Config) Validate() error {
	if c.Replay.Input == "" {
		return &ConfigurationError{Field: "replay.input", Reason: "input log path is required"}
	}
	if c.Parse.Workers < 1 {
		return &ConfigurationError{Field: "parse.workers", Reason: "must be at least 1"}
	}
	if c.Replay.Rate < 0 {
		return &ConfigurationError{Field: "replay.rate", Reason: "must not be negative"}
	}
	if c.RunTime < 0 {
		return &ConfigurationError{Field: "run_time", Reason: "must not be negative"}
	}
	if c.GracePeriod <= 0 {
		return &ConfigurationError{Field: "grace_period", Reason: "must be positive"}
	}
	if c.Indexer.BatchSize < 1 {
		return &ConfigurationError{Field: "indexer.batch_size", Reason: "must be at least 1"}
	}
	if c.Queues.Ingest < 0 || c.Queues.Feed < 0 || c.Queues.Alert < 0 {
		return &ConfigurationError{Field: "queues", Reason: "capacities must not be negative"}
	}
	if c.Queues.PutTimeout < 0 {
		return &ConfigurationError{Field: "queues.put_timeout", Reason: "must not be negative"}
	}
	switch c.Storage.Backend {
	case "", storage.BackendSQLite, storage.BackendPostgres, storage.BackendElasticsearch:
	default:
		return &ConfigurationError{Field: "storage.backend", Reason: fmt.Sprintf("unknown backend %q", c.Storage.Backend)}
	}
	for i := range c.Alerting.Rules {
		if err := c.Alerting.Rules[i].Validate(); err != nil {
			return &ConfigurationError{Field: fmt.Sprintf("alerting.rules[%d]", i), Reason: err.Error()}
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return &ConfigurationError{Field: "logging.level", Reason: err.Error()}
	}
	return nil
}

// IngestCapacity returns the configured or derived ingest queue capacity.
func (c *Config) IngestCapacity() int {
	if c.Queues.Ingest > 0 {
		return c.Queues.Ingest
	}
	return c.Parse.Workers * 100
}

// FeedCapacity returns the configured or derived parsed-feed capacity.
func (c *Config) FeedCapacity() int {
	if c.Queues.Feed > 0 {
		return c.Queues.Feed
	}
	return c.Indexer.BatchSize * 10
}

// AlertCapacity returns the alert queue capacity.
func (c *Config) AlertCapacity() int {
	if c.Queues.Alert > 0 {
		return c.Queues.Alert
	}
	return 1000
}
