package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Duration parses YAML scalars like "500ms" or "12h" via
	// time.ParseDuration.
	Duration time.Duration

	// Config is the streamd YAML configuration.
	Config struct {
		HTTP     HTTPConfig     `yaml:"http"`
		Redis    RedisConfig    `yaml:"redis"`
		Mongo    MongoConfig    `yaml:"mongo"`
		Journal  JournalConfig  `yaml:"journal"`
		Consumer ConsumerConfig `yaml:"consumer"`
		Approval ApprovalConfig `yaml:"approval"`
		Feed     FeedConfig     `yaml:"feed"`
	}

	// HTTPConfig configures the HTTP listener.
	HTTPConfig struct {
		// Addr defaults to ":8080".
		Addr string `yaml:"addr"`
		// Format selects the SSE framing: "plain" or "provider".
		Format string `yaml:"format"`
	}

	// RedisConfig configures the shared Redis connection backing the
	// journal, the approval caches and the Pulse feed.
	RedisConfig struct {
		// Addr defaults to "localhost:6379".
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig configures the checkpoint store. With an empty URI
	// streamd falls back to the in-memory store.
	MongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// JournalConfig configures the durable log.
	JournalConfig struct {
		KeyPrefix string `yaml:"key_prefix"`
		MaxLen    int64  `yaml:"max_len"`
	}

	// ConsumerConfig configures the replay/tail loop.
	ConsumerConfig struct {
		BatchSize         int      `yaml:"batch_size"`
		BlockTimeout      Duration `yaml:"block_timeout"`
		KeepAliveInterval Duration `yaml:"keep_alive_interval"`
		RetryDelay        Duration `yaml:"retry_delay"`
	}

	// ApprovalConfig configures approval cache TTLs.
	ApprovalConfig struct {
		DecisionTTL Duration `yaml:"decision_ttl"`
		PendingTTL  Duration `yaml:"pending_ttl"`
		ResultTTL   Duration `yaml:"result_ttl"`
	}

	// FeedConfig configures the Pulse live feed endpoint.
	FeedConfig struct {
		// SinkName identifies streamd's consumer group on conversation
		// feeds. Defaults to "runstream_viewer".
		SinkName string `yaml:"sink_name"`
		// Buffer is the per-subscription event channel capacity.
		Buffer int `yaml:"buffer"`
		// StreamMaxLen bounds entries kept per feed stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int `yaml:"stream_max_len"`
	}
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads and parses the YAML configuration at path. A missing
// path yields the zero Config, letting every component apply its defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
