// Package config loads agentfleet configuration from the environment, an
// optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xiaot623/agentfleet/internal/domain"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPAddr         string
	CommandRateLimit float64
	CommandBurst     int

	// Logging
	LogLevel  string
	LogFormat string

	// Audit
	AuditDatabaseURL string
	AuditCapacity    int
	AuditRetention   time.Duration

	// Timing
	StalenessWindow        time.Duration
	StaleSweepInterval     time.Duration
	HeartbeatSweepInterval time.Duration
	DiscoveryInterval      time.Duration
	DiscoveryTimeout       time.Duration
	GCCycles               int
	CommandTimeout         time.Duration
	BroadcastInterval      time.Duration
	BulkParallel           int

	// Hub
	HubQueueSize int

	// Policy
	PolicyFile string

	// ConfigFile is the YAML file holding adapters and policy settings.
	ConfigFile string
	File       File
}

// File is the YAML configuration document.
type File struct {
	Policy   PolicySettings  `yaml:"policy"`
	Etcd     EtcdSettings    `yaml:"etcd"`
	Adapters AdapterSettings `yaml:"adapters"`
}

// PolicySettings are the live-reloadable policy knobs.
type PolicySettings struct {
	RiskThreshold int               `yaml:"risk_threshold" json:"risk_threshold"`
	AuditLevel    domain.AuditLevel `yaml:"audit_level" json:"audit_level"`
}

// EtcdSettings locate the key/value store backing the VM inventory and the
// batch job queue.
type EtcdSettings struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AdapterSettings enable and configure each platform adapter.
type AdapterSettings struct {
	VM           VMSettings        `yaml:"vm"`
	Container    ContainerSettings `yaml:"container"`
	Batch        BatchSettings     `yaml:"batch"`
	SelfReported Toggle            `yaml:"self_reported"`
}

// Toggle enables an adapter. Absent means the adapter's default.
type Toggle struct {
	Enabled *bool `yaml:"enabled"`
}

// On reports whether the adapter is enabled, given its default.
func (t Toggle) On(def bool) bool {
	if t.Enabled == nil {
		return def
	}
	return *t.Enabled
}

type VMSettings struct {
	Toggle         `yaml:",inline"`
	SSHUser        string             `yaml:"ssh_user"`
	SSHKeyFile     string             `yaml:"ssh_key_file"`
	KnownHostsFile string             `yaml:"known_hosts_file"`
	ExecTimeout    time.Duration      `yaml:"exec_timeout"`
	Pricing        map[string]float64 `yaml:"pricing"`
}

type ContainerSettings struct {
	Toggle      `yaml:",inline"`
	ExecTimeout time.Duration      `yaml:"exec_timeout"`
	Pricing     map[string]float64 `yaml:"pricing"`
}

type BatchSettings struct {
	Toggle      `yaml:",inline"`
	ExecTimeout time.Duration      `yaml:"exec_timeout"`
	Pricing     map[string]float64 `yaml:"pricing"`
}

// Load loads configuration. A .env file in the working directory is read
// first when present; real environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		CommandRateLimit:       getEnvFloat("COMMAND_RATE_LIMIT", 10),
		CommandBurst:           getEnvInt("COMMAND_BURST", 20),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "console"),
		AuditDatabaseURL:       getEnv("AUDIT_DATABASE_URL", "file:agentfleet-audit.db?cache=shared&mode=rwc"),
		AuditCapacity:          getEnvInt("AUDIT_CAPACITY", 1000),
		AuditRetention:         getEnvDuration("AUDIT_RETENTION", 30*24*time.Hour),
		StalenessWindow:        getEnvDuration("STALENESS_WINDOW", 5*time.Minute),
		StaleSweepInterval:     getEnvDuration("STALE_SWEEP_INTERVAL", 30*time.Second),
		HeartbeatSweepInterval: getEnvDuration("HEARTBEAT_SWEEP_INTERVAL", 2*time.Minute),
		DiscoveryInterval:      getEnvDuration("DISCOVERY_INTERVAL", 30*time.Second),
		DiscoveryTimeout:       getEnvDuration("DISCOVERY_TIMEOUT", 10*time.Second),
		GCCycles:               getEnvInt("GC_CYCLES", 10),
		CommandTimeout:         getEnvDuration("COMMAND_TIMEOUT", 60*time.Second),
		BroadcastInterval:      getEnvDuration("BROADCAST_INTERVAL", 30*time.Second),
		BulkParallel:           getEnvInt("BULK_PARALLEL", 8),
		HubQueueSize:           getEnvInt("HUB_QUEUE_SIZE", 256),
		PolicyFile:             getEnv("POLICY_FILE", ""),
		ConfigFile:             getEnv("CONFIG_FILE", ""),
		File: File{
			Policy: PolicySettings{
				RiskThreshold: getEnvInt("RISK_THRESHOLD", 3),
				AuditLevel:    domain.AuditLevel(getEnv("AUDIT_LEVEL", string(domain.AuditLevelStandard))),
			},
			Etcd: EtcdSettings{DialTimeout: 5 * time.Second},
		},
	}

	if cfg.ConfigFile != "" {
		file, err := ReadFile(cfg.ConfigFile, cfg.File)
		if err != nil {
			return nil, err
		}
		cfg.File = file
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile reads the YAML file at path over base. Keys missing from the
// file keep their value from base.
func ReadFile(path string, base File) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read config file: %w", err)
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return File{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := out.Policy.Validate(); err != nil {
		return File{}, err
	}
	return out, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("STALENESS_WINDOW must be positive")
	}
	if c.HubQueueSize <= 0 {
		return fmt.Errorf("HUB_QUEUE_SIZE must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("COMMAND_TIMEOUT must be positive")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return c.File.Policy.Validate()
}

// Validate checks the policy settings.
func (p PolicySettings) Validate() error {
	if p.RiskThreshold < 1 || p.RiskThreshold > 5 {
		return fmt.Errorf("risk threshold must be between 1 and 5, got %d", p.RiskThreshold)
	}
	if p.AuditLevel != domain.AuditLevelFull && p.AuditLevel != domain.AuditLevelStandard {
		return fmt.Errorf("audit level must be full or standard, got %q", p.AuditLevel)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
