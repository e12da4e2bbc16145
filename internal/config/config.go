package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Queue backends.
const (
	BackendSQLite  = "sqlite"
	BackendJournal = "journal"
	BackendMemory  = "memory"
)

// Config is the top-level configuration shared by examsyncd and examroom.
type Config struct {
	Server    ServerConfig    `json:"server" toml:"server" yaml:"server"`
	Queue     QueueConfig     `json:"queue" toml:"queue" yaml:"queue"`
	Autosave  AutosaveConfig  `json:"autosave" toml:"autosave" yaml:"autosave"`
	Sync      SyncConfig      `json:"sync" toml:"sync" yaml:"sync"`
	MQTT      MQTTConfig      `json:"mqtt" toml:"mqtt" yaml:"mqtt"`
	Exam      ExamConfig      `json:"exam" toml:"exam" yaml:"exam"`
	Scheduler SchedulerConfig `json:"scheduler" toml:"scheduler" yaml:"scheduler"`
}

// ServerConfig configures the HTTP endpoint of examsyncd.
type ServerConfig struct {
	Port     int    `json:"port" toml:"port" yaml:"port"`
	DataDir  string `json:"dataDir" toml:"dataDir" yaml:"dataDir"`
	DBPath   string `json:"dbPath,omitempty" toml:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	LogLevel string `json:"logLevel" toml:"logLevel" yaml:"logLevel"`
}

// QueueConfig selects where the client keeps unsent records.
type QueueConfig struct {
	Backend string `json:"backend" toml:"backend" yaml:"backend"`
	Path    string `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"`
	// Seal encrypts payloads at rest with the key from EXAMSYNC_SEAL_KEY.
	Seal bool `json:"seal" toml:"seal" yaml:"seal"`
}

// AutosaveConfig is the debounce window of draft capture.
type AutosaveConfig struct {
	QuietMs   int `json:"quietMs" toml:"quietMs" yaml:"quietMs"`
	MaxWaitMs int `json:"maxWaitMs" toml:"maxWaitMs" yaml:"maxWaitMs"`
}

// Quiet returns the quiet period as a duration.
func (a AutosaveConfig) Quiet() time.Duration { return time.Duration(a.QuietMs) * time.Millisecond }

// MaxWait returns the maximum wait as a duration.
func (a AutosaveConfig) MaxWait() time.Duration {
	return time.Duration(a.MaxWaitMs) * time.Millisecond
}

// BackoffConfig is the per-record retry policy.
type BackoffConfig struct {
	BaseMs      int     `json:"baseMs" toml:"baseMs" yaml:"baseMs"`
	Factor      float64 `json:"factor" toml:"factor" yaml:"factor"`
	MaxMs       int     `json:"maxMs" toml:"maxMs" yaml:"maxMs"`
	MaxAttempts int     `json:"maxAttempts" toml:"maxAttempts" yaml:"maxAttempts"`
}

// SyncConfig configures replay to the exam server.
type SyncConfig struct {
	ServerURL            string        `json:"serverUrl" toml:"serverUrl" yaml:"serverUrl"`
	Token                string        `json:"token,omitempty" toml:"token,omitempty" yaml:"token,omitempty"`
	ProbeIntervalSeconds int           `json:"probeIntervalSeconds" toml:"probeIntervalSeconds" yaml:"probeIntervalSeconds"`
	MaxParallel          int           `json:"maxParallel" toml:"maxParallel" yaml:"maxParallel"`
	DraftBatch           int           `json:"draftBatch" toml:"draftBatch" yaml:"draftBatch"`
	EventBatch           int           `json:"eventBatch" toml:"eventBatch" yaml:"eventBatch"`
	ReplayTimeoutSeconds int           `json:"replayTimeoutSeconds" toml:"replayTimeoutSeconds" yaml:"replayTimeoutSeconds"`
	Backoff              BackoffConfig `json:"backoff" toml:"backoff" yaml:"backoff"`
	// WakeSchedule is a cron spec for periodic background replay. Empty
	// disables the scheduled wake.
	WakeSchedule string `json:"wakeSchedule,omitempty" toml:"wakeSchedule,omitempty" yaml:"wakeSchedule,omitempty"`
}

// MQTTConfig configures the analytics sink for accepted events.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" toml:"broker" yaml:"broker"`
	ClientID    string `json:"clientId,omitempty" toml:"clientId,omitempty" yaml:"clientId,omitempty"`
	Username    string `json:"username,omitempty" toml:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" toml:"password,omitempty" yaml:"password,omitempty"`
	TopicPrefix string `json:"topicPrefix" toml:"topicPrefix" yaml:"topicPrefix"`
	QoS         byte   `json:"qos" toml:"qos" yaml:"qos"`
}

// ExamConfig describes the exam the terminal client sits.
type ExamConfig struct {
	Module  string   `json:"module" toml:"module" yaml:"module"`
	Context string   `json:"context,omitempty" toml:"context,omitempty" yaml:"context,omitempty"`
	Tasks   []string `json:"tasks" toml:"tasks" yaml:"tasks"`
}

// SchedulerConfig controls the server's maintenance jobs.
type SchedulerConfig struct {
	Enabled bool `json:"enabled" toml:"enabled" yaml:"enabled"`
	// PurgeSchedule is a cron spec for dropping autosave markers of
	// submitted attempts.
	PurgeSchedule string `json:"purgeSchedule" toml:"purgeSchedule" yaml:"purgeSchedule"`
	// RetentionHours is how long after submission markers are kept.
	RetentionHours int `json:"retentionHours" toml:"retentionHours" yaml:"retentionHours"`
}

// Retention returns RetentionHours as a duration.
func (s SchedulerConfig) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8420,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Queue: QueueConfig{
			Backend: BackendSQLite,
		},
		Autosave: AutosaveConfig{
			QuietMs:   1500,
			MaxWaitMs: 3000,
		},
		Sync: SyncConfig{
			ServerURL:            "http://localhost:8420",
			ProbeIntervalSeconds: 15,
			MaxParallel:          4,
			DraftBatch:           5,
			EventBatch:           50,
			ReplayTimeoutSeconds: 30,
			Backoff: BackoffConfig{
				BaseMs:      2000,
				Factor:      2,
				MaxMs:       60000,
				MaxAttempts: 8,
			},
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "examsync",
			QoS:         1,
		},
		Exam: ExamConfig{
			Module: "writing",
			Tasks:  []string{"task1", "task2"},
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			PurgeSchedule:  "@daily",
			RetentionHours: 72,
		},
	}
}

// QueuePath returns the configured queue location, defaulting into DataDir.
func (c *Config) QueuePath() string {
	if c.Queue.Path != "" {
		return c.Queue.Path
	}
	switch c.Queue.Backend {
	case BackendJournal:
		return filepath.Join(c.Server.DataDir, "queue")
	default:
		return filepath.Join(c.Server.DataDir, "queue.db")
	}
}

// StorePath returns the server database location, defaulting into DataDir.
func (c *Config) StorePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "examsync.db")
}

// Load reads config from path. The format follows the file extension:
// .toml, .yaml/.yml, anything else is JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to path in the format implied by its extension.
func (c *Config) Save(path string) error {
	data, err := encode(path, c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case BackendSQLite, BackendJournal, BackendMemory:
	default:
		return fmt.Errorf("invalid queue backend %q", c.Queue.Backend)
	}
	if c.Autosave.QuietMs <= 0 || c.Autosave.MaxWaitMs <= 0 {
		return fmt.Errorf("autosave window must be positive")
	}
	if c.Autosave.MaxWaitMs < c.Autosave.QuietMs {
		return fmt.Errorf("autosave maxWaitMs %d is shorter than quietMs %d",
			c.Autosave.MaxWaitMs, c.Autosave.QuietMs)
	}
	if c.Scheduler.RetentionHours < 0 {
		return fmt.Errorf("scheduler retentionHours must not be negative")
	}
	if c.Sync.Backoff.Factor != 0 && c.Sync.Backoff.Factor < 1 {
		return fmt.Errorf("backoff factor must be at least 1, got %v", c.Sync.Backoff.Factor)
	}
	return nil
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func decode(path string, data []byte, cfg *Config) error {
	switch format(path) {
	case "toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case "yaml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func encode(path string, cfg *Config) ([]byte, error) {
	switch format(path) {
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "yaml":
		return yaml.Marshal(cfg)
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}
