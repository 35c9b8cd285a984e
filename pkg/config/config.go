// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Indexer and its merge scheduler).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest  string `yaml:"documentIngest"`
	IndexComplete   string `yaml:"indexComplete"`
	CacheInvalidate string `yaml:"cacheInvalidate"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// IndexerConfig controls the indexing engine's memory thresholds, flush
// intervals, and segment merge policy. MaxSegmentsBeforeMerge is the merge
// factor: how many same-tier segments are merged into one.
type IndexerConfig struct {
	DataDir                string        `yaml:"dataDir"`
	NumShards              int           `yaml:"numShards"`
	SegmentMaxSize         int64         `yaml:"segmentMaxSize"`
	MergeInterval          time.Duration `yaml:"mergeInterval"`
	FlushInterval          time.Duration `yaml:"flushInterval"`
	MaxSegmentsBeforeMerge int           `yaml:"maxSegmentsBeforeMerge"`
	Merge                  MergeConfig   `yaml:"merge"`
}

// MergeConfig bounds the background merge scheduler. Zero limits are sized
// from the CPU count.
type MergeConfig struct {
	MaxConcurrentMerges  int           `yaml:"maxConcurrentMerges"`
	MaxConcurrentWorkers int           `yaml:"maxConcurrentWorkers"`
	FailurePause         time.Duration `yaml:"failurePause"`
	MaxFailurePause      time.Duration `yaml:"maxFailurePause"`
	IOBytesPerSec        int           `yaml:"ioBytesPerSec"`
	MaxMergeBytes        int64         `yaml:"maxMergeBytes"`
	DrainTimeout         time.Duration `yaml:"drainTimeout"`
	FailureWindow        time.Duration `yaml:"failureWindow"`
}

// LoggingConfig controls structured logging level and output format.
// Verbose raises or lowers the level of single components, keyed by the
// component name a logger was created with.
type LoggingConfig struct {
	Level   string            `yaml:"level"`
	Format  string            `yaml:"format"`
	Verbose map[string]string `yaml:"verbose"`
}

// TracingConfig controls distributed tracing (sample rate, endpoint).
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "segmerge",
			User:            "segmerge",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "segmerge-indexer",
			Topics: KafkaTopics{
				DocumentIngest:  "document-ingest",
				IndexComplete:   "index.complete",
				CacheInvalidate: "cache-invalidate",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Indexer: IndexerConfig{
			DataDir:                "data/index",
			NumShards:              8,
			SegmentMaxSize:         4 << 20,
			MergeInterval:          30 * time.Second,
			FlushInterval:          5 * time.Second,
			MaxSegmentsBeforeMerge: 10,
			Merge: MergeConfig{
				FailurePause:    250 * time.Millisecond,
				MaxFailurePause: 5 * time.Second,
				DrainTimeout:    30 * time.Second,
				FailureWindow:   5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SP_INDEXER_DATA_DIR"); v != "" {
		cfg.Indexer.DataDir = v
	}
	if v := os.Getenv("SP_INDEXER_NUM_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.NumShards = n
		}
	}
	if v := os.Getenv("SP_MERGE_MAX_CONCURRENT_MERGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.Merge.MaxConcurrentMerges = n
		}
	}
	if v := os.Getenv("SP_MERGE_MAX_CONCURRENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.Merge.MaxConcurrentWorkers = n
		}
	}
	if v := os.Getenv("SP_MERGE_IO_BYTES_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.Merge.IOBytesPerSec = n
		}
	}
	if v := os.Getenv("SP_MERGE_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Indexer.Merge.DrainTimeout = d
		}
	}
}

// Validate checks the settings the indexer cannot run without.
func (c *Config) Validate() error {
	if c.Indexer.DataDir == "" {
		return fmt.Errorf("indexer.dataDir is required")
	}
	if c.Indexer.NumShards < 1 {
		return fmt.Errorf("indexer.numShards must be at least 1, got %d", c.Indexer.NumShards)
	}
	if c.Indexer.SegmentMaxSize <= 0 {
		return fmt.Errorf("indexer.segmentMaxSize must be positive, got %d", c.Indexer.SegmentMaxSize)
	}
	m := c.Indexer.Merge
	if m.MaxConcurrentMerges < 0 || m.MaxConcurrentWorkers < 0 {
		return fmt.Errorf("indexer.merge limits must not be negative")
	}
	if m.MaxConcurrentMerges > 0 && m.MaxConcurrentWorkers > m.MaxConcurrentMerges {
		return fmt.Errorf("indexer.merge.maxConcurrentWorkers (%d) exceeds maxConcurrentMerges (%d)",
			m.MaxConcurrentWorkers, m.MaxConcurrentMerges)
	}
	return nil
}
