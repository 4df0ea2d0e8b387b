// Package config builds the kernel's explicit configuration record once,
// at the CLI boundary, from environment variables and an optional YAML
// overlay file (spec §9: "re-architected as an explicit configuration
// record passed to the kernel at construction; env parsing happens only
// at the CLI boundary").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the coordination kernel's full runtime configuration.
type Config struct {
	CoordinationDir string `yaml:"-"`

	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	TelemetrySampleRate float64 `yaml:"telemetry_sample_rate"`

	LockTimeout        time.Duration `yaml:"-"`
	PollInterval       time.Duration `yaml:"-"`
	HeartbeatInterval  time.Duration `yaml:"-"`
	StaleClaimTimeout  time.Duration `yaml:"-"`
	MaxRetries         int           `yaml:"max_retries"`

	LockTimeoutMs       int64 `yaml:"lock_timeout_ms"`
	PollIntervalMs      int64 `yaml:"poll_interval_ms"`
	HeartbeatIntervalMs int64 `yaml:"heartbeat_interval_ms"`
	StaleClaimTimeoutMs int64 `yaml:"stale_claim_timeout_ms"`

	// FastPathRetain is the number of most-recent fast-path entries kept
	// after a compaction replay (spec §4.5, default 50).
	FastPathRetain int `yaml:"fast_path_retain"`

	// JournalSegmentSize is the telemetry journal entry count that
	// triggers segmentation on compaction (spec §4.8, default 10000).
	JournalSegmentSize int `yaml:"journal_segment_size"`

	// ArchiveRetention is how long a terminal work item stays in the
	// primary table before the compactor archives it (spec §4.8).
	ArchiveRetention time.Duration `yaml:"-"`
	ArchiveRetentionMs int64       `yaml:"archive_retention_ms"`

	// LockMode selects the atomic mutator's locking strategy (spec
	// §4.3): "flock" (default, advisory file locks) or "cas" (the
	// documented compare-and-swap fallback for hosts without advisory
	// locking).
	LockMode string `yaml:"lock_mode"`
}

func defaults() Config {
	return Config{
		ServiceName:         "swarmsh",
		ServiceVersion:      "0.1.0",
		TelemetrySampleRate: 1.0,
		LockTimeoutMs:       30_000,
		PollIntervalMs:      2_000,
		HeartbeatIntervalMs: 10_000,
		StaleClaimTimeoutMs: 30 * 60_000,
		MaxRetries:          3,
		FastPathRetain:      50,
		JournalSegmentSize:  10_000,
		ArchiveRetentionMs:  7 * 24 * 60 * 60_000,
		LockMode:            "flock",
	}
}

// Load builds a Config from the environment and, if present, a
// swarmsh.yaml overlay under COORDINATION_DIR.
func Load() (Config, error) {
	cfg := defaults()

	cfg.CoordinationDir = os.Getenv("COORDINATION_DIR")
	if cfg.CoordinationDir == "" {
		return Config{}, fmt.Errorf("COORDINATION_DIR is required")
	}

	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("OTEL_SERVICE_VERSION"); v != "" {
		cfg.ServiceVersion = v
	}
	if v := os.Getenv("TELEMETRY_SAMPLE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("TELEMETRY_SAMPLE_RATE: %w", err)
		}
		cfg.TelemetrySampleRate = f
	}
	if err := overrideInt64(&cfg.LockTimeoutMs, "LOCK_TIMEOUT_MS"); err != nil {
		return Config{}, err
	}
	if err := overrideInt64(&cfg.PollIntervalMs, "POLL_INTERVAL_MS"); err != nil {
		return Config{}, err
	}
	if err := overrideInt64(&cfg.HeartbeatIntervalMs, "HEARTBEAT_INTERVAL_MS"); err != nil {
		return Config{}, err
	}
	if err := overrideInt64(&cfg.StaleClaimTimeoutMs, "STALE_CLAIM_TIMEOUT_MS"); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}

	overlay := filepath.Join(cfg.CoordinationDir, "swarmsh.yaml")
	if data, err := os.ReadFile(overlay); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", overlay, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading %s: %w", overlay, err)
	}

	cfg.LockTimeout = time.Duration(cfg.LockTimeoutMs) * time.Millisecond
	cfg.PollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	cfg.HeartbeatInterval = time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	cfg.StaleClaimTimeout = time.Duration(cfg.StaleClaimTimeoutMs) * time.Millisecond
	cfg.ArchiveRetention = time.Duration(cfg.ArchiveRetentionMs) * time.Millisecond

	return cfg, nil
}

func overrideInt64(dst *int64, envVar string) error {
	v := os.Getenv(envVar)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", envVar, err)
	}
	*dst = n
	return nil
}
