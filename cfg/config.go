package cfg

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/maxpert/redoflow/redo"
	"github.com/rs/zerolog/log"
)

// SourceConfiguration controls how the log-mining source is read
type SourceConfiguration struct {
	Name              string `toml:"name"`                // Logical source name, used in metrics and checkpoints
	Driver            string `toml:"driver"`              // database/sql driver: "sqlite3" or "mysql"
	DSN               string `toml:"dsn"`                 // Data source name for the driver
	ContentsRelation  string `toml:"contents_relation"`   // Relation exposing mined redo rows
	LogFilesRelation  string `toml:"log_files_relation"`  // Relation listing available redo files
	DictionaryPrefix  string `toml:"dictionary_prefix"`   // Prefix of the catalog relations (tables, columns)
	FetchSize         int    `toml:"fetch_size"`          // Rows fetched per query round trip
	RedoSizeThreshold int64  `toml:"redo_size_threshold"` // Bytes of redo per mining session
	RedoFilesCount    int    `toml:"redo_files_count"`    // Redo files per mining session
	PollIntervalMS    int    `toml:"poll_interval_ms"`    // Sleep after an empty session
}

// ScopeConfiguration selects the captured tables
type ScopeConfiguration struct {
	Include []string `toml:"include"` // OWNER.TABLE glob patterns; empty means all
	Exclude []string `toml:"exclude"`
}

// BufferConfiguration controls transaction buffering and spill
type BufferConfiguration struct {
	MemoryStatements int    `toml:"memory_statements"` // Statements kept in memory before spilling
	MemoryBytes      int64  `toml:"memory_bytes"`      // Payload bytes kept in memory before spilling
	SpillDir         string `toml:"spill_dir"`         // Defaults to {data_dir}/spill
	Compress         bool   `toml:"compress"`          // zstd-compress spilled statements
}

// DeliveryConfiguration controls the consumer-facing driver
type DeliveryConfiguration struct {
	BatchSize     int    `toml:"batch_size"`
	PollTimeoutMS int    `toml:"poll_timeout_ms"`
	SchemaKind    string `toml:"schema_kind"` // "debezium" or "kafka-std"
	Topic         string `toml:"topic"`       // debezium topic, or kafka-std topic prefix
}

// CheckpointConfiguration controls the persisted resume state
type CheckpointConfiguration struct {
	Path            string `toml:"path"`             // Defaults to {data_dir}/redoflow.state
	IntervalSeconds int    `toml:"interval_seconds"` // Periodic checkpoint interval
	KeepBackups     int    `toml:"keep_backups"`     // Rotated copies kept next to the state file
	StartPosition   string `toml:"start_position"`   // lsn or lsn:record:sub, overrides stored state
}

// SinkConfiguration configures one publisher sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka", "nats", "amqp" or "stdout"
	Format          string   `toml:"format"` // "debezium" or "kafka-std"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	AmqpURL         string   `toml:"amqp_url"`
	Exchange        string   `toml:"exchange"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterTables    []string `toml:"filter_tables"`
	BatchSize       int      `toml:"batch_size"`
	Acks            string   `toml:"acks"`        // kafka: "all" (default), "one" or "none"
	Compression     string   `toml:"compression"` // kafka: "none" (default), "gzip", "snappy", "lz4" or "zstd"
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// AdminConfiguration for the HTTP admin server
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Pre-shared key; empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Scope      ScopeConfiguration      `toml:"scope"`
	Buffer     BufferConfiguration     `toml:"buffer"`
	Delivery   DeliveryConfiguration   `toml:"delivery"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Overrides carries command line values that take precedence over the file
type Overrides struct {
	DataDir       string
	NodeID        uint64
	StartPosition string
	AdminPort     int
}

// Config is the process-wide configuration, pre-populated with defaults
var Config = Default()

// Default returns the default configuration
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./redoflow-data",

		Source: SourceConfiguration{
			Name:             "default",
			Driver:           "sqlite3",
			ContentsRelation: "redo_contents",
			LogFilesRelation: "redo_logs",
			DictionaryPrefix: "dict_",
			FetchSize:        1000,
			RedoFilesCount:   2,
			PollIntervalMS:   1000,
		},

		Buffer: BufferConfiguration{
			MemoryStatements: 10000,
			MemoryBytes:      64 << 20, // 64MB
			Compress:         true,
		},

		Delivery: DeliveryConfiguration{
			BatchSize:     100,
			PollTimeoutMS: 1000,
			SchemaKind:    "kafka-std",
		},

		Checkpoint: CheckpointConfiguration{
			IntervalSeconds: 60,
			KeepBackups:     3,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    8088,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string, overrides Overrides) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			meta, err := toml.DecodeFile(configPath, Config)
			if err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
			// A size threshold alone replaces the default file count bound
			if Config.Source.RedoSizeThreshold > 0 && !meta.IsDefined("source", "redo_files_count") {
				Config.Source.RedoFilesCount = 0
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if overrides.DataDir != "" {
		Config.DataDir = overrides.DataDir
	}
	if overrides.NodeID != 0 {
		Config.NodeID = overrides.NodeID
	}
	if overrides.StartPosition != "" {
		Config.Checkpoint.StartPosition = overrides.StartPosition
	}
	if overrides.AdminPort != 0 {
		Config.Admin.Port = overrides.AdminPort
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if Config.Buffer.SpillDir == "" {
		Config.Buffer.SpillDir = filepath.Join(Config.DataDir, "spill")
	}
	if Config.Checkpoint.Path == "" {
		Config.Checkpoint.Path = filepath.Join(Config.DataDir, "redoflow.state")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("redoflow")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Source.Driver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("invalid source driver: %q", Config.Source.Driver)
	}

	if Config.Source.DSN == "" {
		return fmt.Errorf("source dsn is required")
	}

	// Exactly one session bound
	if (Config.Source.RedoSizeThreshold > 0) == (Config.Source.RedoFilesCount > 0) {
		return fmt.Errorf("exactly one of redo_size_threshold and redo_files_count must be set")
	}

	if Config.Source.RedoSizeThreshold < 0 || Config.Source.RedoFilesCount < 0 {
		return fmt.Errorf("redo session bounds must be >= 0")
	}

	if Config.Source.PollIntervalMS < 1 {
		return fmt.Errorf("source poll interval must be >= 1ms")
	}

	if Config.Source.FetchSize < 1 {
		return fmt.Errorf("source fetch size must be >= 1")
	}

	if Config.Buffer.MemoryStatements < 1 {
		return fmt.Errorf("buffer memory statements must be >= 1")
	}

	if Config.Buffer.MemoryBytes < 1 {
		return fmt.Errorf("buffer memory bytes must be >= 1")
	}

	if Config.Delivery.BatchSize < 1 {
		return fmt.Errorf("delivery batch size must be >= 1")
	}

	if Config.Delivery.PollTimeoutMS < 0 {
		return fmt.Errorf("delivery poll timeout must be >= 0")
	}

	switch Config.Delivery.SchemaKind {
	case "debezium":
		if Config.Delivery.Topic == "" {
			return fmt.Errorf("delivery topic is required for debezium schema")
		}
	case "kafka-std":
	default:
		return fmt.Errorf("invalid schema kind: %q", Config.Delivery.SchemaKind)
	}

	if Config.Checkpoint.IntervalSeconds < 1 {
		return fmt.Errorf("checkpoint interval must be >= 1 second")
	}

	if Config.Checkpoint.KeepBackups < 1 {
		return fmt.Errorf("checkpoint keep_backups must be >= 1")
	}

	if Config.Checkpoint.StartPosition != "" {
		if _, err := redo.ParsePosition(Config.Checkpoint.StartPosition); err != nil {
			return fmt.Errorf("invalid checkpoint start_position: %w", err)
		}
	}

	names := make(map[string]bool, len(Config.Sinks))
	for _, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if names[sink.Name] {
			return fmt.Errorf("duplicate sink name: %s", sink.Name)
		}
		names[sink.Name] = true
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// PollInterval returns the configured source poll interval
func (s SourceConfiguration) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// PollTimeout returns the configured delivery poll timeout
func (d DeliveryConfiguration) PollTimeout() time.Duration {
	return time.Duration(d.PollTimeoutMS) * time.Millisecond
}

// Interval returns the periodic checkpoint interval
func (c CheckpointConfiguration) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
