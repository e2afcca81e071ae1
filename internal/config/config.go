// Package config resolves orchestrator configuration from an optional YAML
// file overlaid with environment variables. Env always wins so container
// deployments can override a baked-in config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full orchestrator configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Streams      StreamsConfig      `yaml:"streams"`
	Router       RouterConfig       `yaml:"router"`
	Registry     RegistryConfig     `yaml:"registry"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Client       ClientConfig       `yaml:"client"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type StoreConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type StreamsConfig struct {
	Ingress       string `yaml:"ingress"`
	DLQ           string `yaml:"dlq"`
	ConsumerGroup string `yaml:"consumer_group"`
	// EgressPrefix is prepended to processor ids to form egress stream names.
	EgressPrefix string `yaml:"egress_prefix"`
}

type RouterConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	Block             time.Duration `yaml:"block"`
	BaseInterval      time.Duration `yaml:"base_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	DefaultCapability string        `yaml:"default_capability"`
	// HighPriorityWait bounds how long a priority>=8 frame waits for a
	// candidate before it is declared undeliverable.
	HighPriorityWait time.Duration `yaml:"high_priority_wait"`
	DedupTTL         time.Duration `yaml:"dedup_ttl"`
}

type RegistryConfig struct {
	LivenessCheckInterval time.Duration `yaml:"liveness_check_interval"`
	LivenessTimeout       time.Duration `yaml:"liveness_timeout"`
	// EvictedRetention keeps softly evicted records for diagnostics.
	EvictedRetention time.Duration `yaml:"evicted_retention"`
	SnapshotKey      string        `yaml:"snapshot_key"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

type BackpressureConfig struct {
	CheckInterval     time.Duration `yaml:"check_interval"`
	LowThreshold      float64       `yaml:"low_threshold"`
	HighThreshold     float64       `yaml:"high_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
	Adaptive          bool          `yaml:"adaptive"`
	AlertCooldown     time.Duration `yaml:"alert_cooldown"`
}

type ClientConfig struct {
	OrchestratorURL   string        `yaml:"orchestrator_url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	ClaimThreshold    int64         `yaml:"claim_threshold"`
}

// Default returns the configuration used when neither file nor env
// overrides a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Store:  StoreConfig{URL: "redis://localhost:6379/0", PoolSize: 10},
		Streams: StreamsConfig{
			Ingress:       "frames:metadata",
			DLQ:           "frames:dlq",
			ConsumerGroup: "frame-buffer-group",
			EgressPrefix:  "frames:ready:",
		},
		Router: RouterConfig{
			BatchSize:         10,
			Block:             time.Second,
			BaseInterval:      100 * time.Millisecond,
			MaxRetries:        3,
			RetryBackoff:      200 * time.Millisecond,
			DefaultCapability: "detection",
			HighPriorityWait:  5 * time.Second,
			DedupTTL:          10 * time.Minute,
		},
		Registry: RegistryConfig{
			LivenessCheckInterval: 10 * time.Second,
			LivenessTimeout:       60 * time.Second,
			EvictedRetention:      5 * time.Minute,
			SnapshotKey:           "orchestrator:registry",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 3,
			HalfOpenMaxCalls: 3,
			CallTimeout:      10 * time.Second,
		},
		Backpressure: BackpressureConfig{
			CheckInterval:     5 * time.Second,
			LowThreshold:      0.6,
			HighThreshold:     0.8,
			CriticalThreshold: 0.95,
			Adaptive:          true,
			AlertCooldown:     5 * time.Minute,
		},
		Client: ClientConfig{
			OrchestratorURL:   "http://localhost:8080",
			HeartbeatInterval: 30 * time.Second,
			DrainTimeout:      30 * time.Second,
			MaxRetries:        3,
			ClaimThreshold:    3,
		},
	}
}

// Load reads the optional YAML file at path (skipped when empty or missing)
// and applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overlays the environment variables recognized by the core.
func (c *Config) applyEnv() error {
	var err error
	envString(&c.Server.Port, "PORT")
	envString(&c.Store.URL, "STREAM_STORE_URL")
	envString(&c.Streams.Ingress, "INGRESS_STREAM")
	envString(&c.Streams.DLQ, "DLQ_STREAM")
	envString(&c.Streams.ConsumerGroup, "CONSUMER_GROUP")

	if err = envInt(&c.Router.BatchSize, "BATCH_SIZE"); err != nil {
		return err
	}
	if err = envMillis(&c.Router.Block, "BLOCK_MS"); err != nil {
		return err
	}
	if err = envSeconds(&c.Client.HeartbeatInterval, "HEARTBEAT_INTERVAL_S"); err != nil {
		return err
	}
	if err = envSeconds(&c.Registry.LivenessTimeout, "LIVENESS_TIMEOUT_S"); err != nil {
		return err
	}
	if err = envSeconds(&c.Backpressure.CheckInterval, "BACKPRESSURE_CHECK_INTERVAL_S"); err != nil {
		return err
	}
	if err = envFloat(&c.Backpressure.LowThreshold, "BACKPRESSURE_LOW"); err != nil {
		return err
	}
	if err = envFloat(&c.Backpressure.HighThreshold, "BACKPRESSURE_HIGH"); err != nil {
		return err
	}
	if err = envFloat(&c.Backpressure.CriticalThreshold, "BACKPRESSURE_CRITICAL"); err != nil {
		return err
	}
	if err = envInt(&c.Breaker.FailureThreshold, "CB_FAILURE_THRESHOLD"); err != nil {
		return err
	}
	if err = envSeconds(&c.Breaker.RecoveryTimeout, "CB_RECOVERY_TIMEOUT_S"); err != nil {
		return err
	}
	if err = envInt(&c.Breaker.SuccessThreshold, "CB_SUCCESS_THRESHOLD"); err != nil {
		return err
	}
	if err = envSeconds(&c.Client.DrainTimeout, "DRAIN_TIMEOUT_S"); err != nil {
		return err
	}
	envString(&c.Client.OrchestratorURL, "ORCHESTRATOR_URL")
	return nil
}

// Validate rejects configurations the orchestrator cannot start with.
// A failed validation is fatal; the process exits non-zero.
func (c *Config) Validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("config: stream store URL is required")
	}
	if c.Router.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive, got %d", c.Router.BatchSize)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker failure threshold must be positive")
	}
	thresholds := c.Backpressure
	if !(thresholds.LowThreshold < thresholds.HighThreshold && thresholds.HighThreshold < thresholds.CriticalThreshold) {
		return fmt.Errorf("config: backpressure thresholds must be ordered low < high < critical (%.2f, %.2f, %.2f)",
			thresholds.LowThreshold, thresholds.HighThreshold, thresholds.CriticalThreshold)
	}
	if thresholds.CriticalThreshold > 1.0 {
		return fmt.Errorf("config: critical threshold cannot exceed 1.0")
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envSeconds(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func envMillis(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
