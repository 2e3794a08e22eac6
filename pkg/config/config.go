// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all TraceLake configuration.
type Config struct {
	Version int `yaml:"version"`

	Metadata    MetadataConfig    `yaml:"metadata"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Materialize MaterializeConfig `yaml:"materialize"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// MetadataConfig controls the metadata database.
type MetadataConfig struct {
	// Database is the DuckDB file path. Empty means in-memory.
	Database string `yaml:"database"`
	// QueryTimeout bounds individual metadata queries.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// StorageConfig controls the partition object store.
type StorageConfig struct {
	// Backend is "local" or "s3".
	Backend string `yaml:"backend"`
	// Root is the local filesystem root (local backend).
	Root string `yaml:"root"`

	// S3 settings (s3 backend)
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// CacheConfig bounds the derived-state caches.
type CacheConfig struct {
	// PartitionEntries is the max entry count of the partition
	// metadata cache.
	PartitionEntries int `yaml:"partition_entries"`
	// ContentBytes is the byte budget of the partition content cache.
	ContentBytes int64 `yaml:"content_bytes"`
}

// MaterializeConfig controls the scheduled materializer.
type MaterializeConfig struct {
	// Tick intervals per granularity task.
	SecondInterval time.Duration `yaml:"second_interval"`
	MinuteInterval time.Duration `yaml:"minute_interval"`
	HourInterval   time.Duration `yaml:"hour_interval"`

	// LeaseWait bounds how long a waiter blocks on an in-flight
	// materialization before giving up with a lease timeout.
	LeaseWait time.Duration `yaml:"lease_wait"`

	// WriteRetries and WriteBackoff control object-storage retry.
	WriteRetries int           `yaml:"write_retries"`
	WriteBackoff time.Duration `yaml:"write_backoff"`
}

// MaintenanceConfig controls the retirement/dedup sweep.
type MaintenanceConfig struct {
	// SweepInterval is how often the maintenance task runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// GracePeriod is how long a retired partition survives before
	// physical deletion.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// CheckpointConfig selects the watermark checkpoint backend.
type CheckpointConfig struct {
	// Backend is "local", "redis" or "s3".
	Backend string `yaml:"backend"`
	// Dir is the local checkpoint directory (local backend).
	Dir string `yaml:"dir"`
	// RedisAddr is host:port (redis backend).
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// Bucket and Prefix locate checkpoints on S3 (s3 backend).
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// TelemetryConfig for optional OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	lakeDir := filepath.Join(homeDir, ".tracelake")

	return &Config{
		Version: 1,
		Metadata: MetadataConfig{
			Database:     filepath.Join(lakeDir, "metadata.db"),
			QueryTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "local",
			Root:    filepath.Join(lakeDir, "partitions"),
		},
		Cache: CacheConfig{
			PartitionEntries: 4096,
			ContentBytes:     256 * 1024 * 1024, // 256MB
		},
		Materialize: MaterializeConfig{
			SecondInterval: 1 * time.Second,
			MinuteInterval: 1 * time.Minute,
			HourInterval:   1 * time.Hour,
			LeaseWait:      30 * time.Second,
			WriteRetries:   3,
			WriteBackoff:   500 * time.Millisecond,
		},
		Maintenance: MaintenanceConfig{
			SweepInterval: 5 * time.Minute,
			GracePeriod:   24 * time.Hour,
		},
		Checkpoint: CheckpointConfig{
			Backend: "local",
			Dir:     filepath.Join(lakeDir, "checkpoints"),
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()

	// Load from paths in order (later overrides earlier)
	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	// Override with environment variables
	m.loadEnv()

	return nil
}

// LoadFile loads a single explicit config file over the defaults.
func (m *Manager) LoadFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	if err := m.loadFile(path); err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}
	m.paths = append(m.paths, path)
	m.loadEnv()
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Paths returns the config files that were loaded.
func (m *Manager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paths...)
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/tracelake/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tracelake", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".tracelake.yaml"))
	}

	return paths
}

// loadFile loads a single config file and merges it over the current config.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, m.config)
}

// loadEnv applies TRACELAKE_* environment overrides.
func (m *Manager) loadEnv() {
	if v := os.Getenv("TRACELAKE_METADATA_DB"); v != "" {
		m.config.Metadata.Database = v
	}
	if v := os.Getenv("TRACELAKE_STORAGE_BACKEND"); v != "" {
		m.config.Storage.Backend = v
	}
	if v := os.Getenv("TRACELAKE_STORAGE_ROOT"); v != "" {
		m.config.Storage.Root = v
	}
	if v := os.Getenv("TRACELAKE_S3_BUCKET"); v != "" {
		m.config.Storage.Bucket = v
	}
	if v := os.Getenv("TRACELAKE_S3_REGION"); v != "" {
		m.config.Storage.Region = v
	}
	if v := os.Getenv("TRACELAKE_REDIS_ADDR"); v != "" {
		m.config.Checkpoint.RedisAddr = v
	}
	if v := os.Getenv("TRACELAKE_OTLP_ENDPOINT"); v != "" {
		m.config.Telemetry.Enabled = true
		m.config.Telemetry.Endpoint = v
	}
	if v := os.Getenv("TRACELAKE_CACHE_PARTITION_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			m.config.Cache.PartitionEntries = n
		}
	}
	if v := os.Getenv("TRACELAKE_CACHE_CONTENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			m.config.Cache.ContentBytes = n
		}
	}
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the local backend")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	if c.Cache.PartitionEntries <= 0 {
		return fmt.Errorf("cache.partition_entries must be positive")
	}
	if c.Cache.ContentBytes <= 0 {
		return fmt.Errorf("cache.content_bytes must be positive")
	}
	if c.Maintenance.GracePeriod < 0 {
		return fmt.Errorf("maintenance.grace_period must not be negative")
	}
	return nil
}

// Save writes the configuration to a file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
