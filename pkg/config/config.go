// Package config loads EntDB's configuration surface (spec §6) from a YAML
// file layered under environment variable overrides, in the style of the
// teacher's env-driven Config/LoadFromEnv/Validate.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting enumerated in spec §6, "Configuration surface".
type Config struct {
	WAL      WALConfig      `yaml:"wal"`
	Apply    ApplyConfig    `yaml:"apply"`
	Store    StoreConfig    `yaml:"store"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`

	DeadlineDefaultMS int `yaml:"deadline_default_ms"`
}

// WALConfig controls the write-ahead log (spec §4.2, §6).
type WALConfig struct {
	Backend        string `yaml:"backend"` // "kafka", "kinesis", or "local" (this module's adapter)
	Acks           string `yaml:"acks"`    // "all"
	MinInsync      int    `yaml:"min_insync"`
	MaxRecordBytes int    `yaml:"max_record_bytes"`
	BatchBytes     int    `yaml:"batch_bytes"`
	BatchLingerMS  int    `yaml:"batch_linger_ms"`

	// LocalDir is the data directory for the bbolt-backed local adapter.
	// Not part of spec.md's enumerated surface; needed only when
	// Backend == "local".
	LocalDir string `yaml:"local_dir"`
}

// ApplyConfig controls the applier (spec §4.5).
type ApplyConfig struct {
	ParallelismPerNode int    `yaml:"parallelism_per_node"` // 0 = auto (one task per assigned tenant)
	MaxRetryBackoffMS  int    `yaml:"max_retry_backoff_ms"`
	DeadletterDir      string `yaml:"deadletter_dir"`
}

// StoreConfig controls the per-tenant canonical/mailbox stores (spec §4.4).
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ArchiveConfig controls the archiver (spec §4.6).
type ArchiveConfig struct {
	SegmentBytes   int64  `yaml:"segment_bytes"`
	SegmentSeconds int    `yaml:"segment_seconds"`
	ObjectPrefix   string `yaml:"object_prefix"`
}

// SnapshotConfig controls the snapshotter (spec §4.7).
type SnapshotConfig struct {
	IntervalHours  int `yaml:"interval_hours"`
	RetentionDays  int `yaml:"retention_days"`
	MaxConcurrency int `yaml:"max_concurrency"`
}

// RegistryConfig names the schema module to load at process start (spec §5,
// "process-wide schema registry... initialize once, freeze").
type RegistryConfig struct {
	SchemaModule string `yaml:"schema_module"`
}

// LoggingConfig controls the ambient zerolog base logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns a Config populated with every default spec.md §6 names.
func Default() *Config {
	return &Config{
		WAL: WALConfig{
			Backend:        "local",
			Acks:           "all",
			MinInsync:      2,
			MaxRecordBytes: 1 << 20,
			BatchBytes:     64 << 10,
			BatchLingerMS:  5,
			LocalDir:       "./data/wal",
		},
		Apply: ApplyConfig{
			ParallelismPerNode: 0,
			MaxRetryBackoffMS:  5000,
			DeadletterDir:      "./data/deadletter",
		},
		Store: StoreConfig{
			DataDir: "./data/tenants",
		},
		Archive: ArchiveConfig{
			SegmentBytes:   256 << 20,
			SegmentSeconds: 600,
			ObjectPrefix:   "archive",
		},
		Snapshot: SnapshotConfig{
			IntervalHours:  6,
			RetentionDays:  30,
			MaxConcurrency: 4,
		},
		Registry: RegistryConfig{
			SchemaModule: "",
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONOutput: true,
		},
		DeadlineDefaultMS: 30000,
	}
}

// LoadFromFile reads a YAML config file layered on top of Default(), then
// applies environment variable overrides via LoadFromEnv's rules.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFromEnv returns Default() with environment variable overrides applied,
// for the common case of no config file.
func LoadFromEnv() *Config {
	cfg := Default()
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides mirrors the teacher's getEnv*/default pattern: every
// field may be overridden by an ENTDB_-prefixed environment variable.
func applyEnvOverrides(c *Config) {
	c.WAL.Backend = getEnv("ENTDB_WAL_BACKEND", c.WAL.Backend)
	c.WAL.Acks = getEnv("ENTDB_WAL_ACKS", c.WAL.Acks)
	c.WAL.MinInsync = getEnvInt("ENTDB_WAL_MIN_INSYNC", c.WAL.MinInsync)
	c.WAL.MaxRecordBytes = getEnvInt("ENTDB_WAL_MAX_RECORD_BYTES", c.WAL.MaxRecordBytes)
	c.WAL.BatchBytes = getEnvInt("ENTDB_WAL_BATCH_BYTES", c.WAL.BatchBytes)
	c.WAL.BatchLingerMS = getEnvInt("ENTDB_WAL_BATCH_LINGER_MS", c.WAL.BatchLingerMS)
	c.WAL.LocalDir = getEnv("ENTDB_WAL_LOCAL_DIR", c.WAL.LocalDir)

	c.Apply.ParallelismPerNode = getEnvInt("ENTDB_APPLY_PARALLELISM_PER_NODE", c.Apply.ParallelismPerNode)
	c.Apply.MaxRetryBackoffMS = getEnvInt("ENTDB_APPLY_MAX_RETRY_BACKOFF_MS", c.Apply.MaxRetryBackoffMS)
	c.Apply.DeadletterDir = getEnv("ENTDB_APPLY_DEADLETTER_DIR", c.Apply.DeadletterDir)

	c.Store.DataDir = getEnv("ENTDB_STORE_DATA_DIR", c.Store.DataDir)

	c.Archive.SegmentBytes = getEnvInt64("ENTDB_ARCHIVE_SEGMENT_BYTES", c.Archive.SegmentBytes)
	c.Archive.SegmentSeconds = getEnvInt("ENTDB_ARCHIVE_SEGMENT_SECONDS", c.Archive.SegmentSeconds)
	c.Archive.ObjectPrefix = getEnv("ENTDB_ARCHIVE_OBJECT_PREFIX", c.Archive.ObjectPrefix)

	c.Snapshot.IntervalHours = getEnvInt("ENTDB_SNAPSHOT_INTERVAL_HOURS", c.Snapshot.IntervalHours)
	c.Snapshot.RetentionDays = getEnvInt("ENTDB_SNAPSHOT_RETENTION_DAYS", c.Snapshot.RetentionDays)
	c.Snapshot.MaxConcurrency = getEnvInt("ENTDB_SNAPSHOT_MAX_CONCURRENCY", c.Snapshot.MaxConcurrency)

	c.Registry.SchemaModule = getEnv("ENTDB_REGISTRY_SCHEMA_MODULE", c.Registry.SchemaModule)

	c.Logging.Level = getEnv("ENTDB_LOG_LEVEL", c.Logging.Level)
	c.Logging.JSONOutput = getEnvBool("ENTDB_LOG_JSON", c.Logging.JSONOutput)

	c.DeadlineDefaultMS = getEnvInt("ENTDB_DEADLINE_DEFAULT_MS", c.DeadlineDefaultMS)
}

// Validate checks the configuration for invalid values before startup.
func (c *Config) Validate() error {
	if c.WAL.Backend != "kafka" && c.WAL.Backend != "kinesis" && c.WAL.Backend != "local" {
		return fmt.Errorf("invalid wal.backend: %q", c.WAL.Backend)
	}
	if c.WAL.MinInsync < 1 {
		return fmt.Errorf("wal.min_insync must be >= 1")
	}
	if c.WAL.MaxRecordBytes <= 0 {
		return fmt.Errorf("wal.max_record_bytes must be > 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir must be set")
	}
	if c.Archive.SegmentBytes <= 0 {
		return fmt.Errorf("archive.segment_bytes must be > 0")
	}
	if c.Snapshot.IntervalHours <= 0 {
		return fmt.Errorf("snapshot.interval_hours must be > 0")
	}
	if c.Snapshot.RetentionDays <= 0 {
		return fmt.Errorf("snapshot.retention_days must be > 0")
	}
	if c.DeadlineDefaultMS <= 0 {
		return fmt.Errorf("deadline_default_ms must be > 0")
	}
	return nil
}

// Deadline returns the default request deadline as a time.Duration.
func (c *Config) Deadline() time.Duration {
	return time.Duration(c.DeadlineDefaultMS) * time.Millisecond
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}
