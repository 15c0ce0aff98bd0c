package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Pool      PoolConfig      `toml:"pool"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Orgs      OrgsConfig      `toml:"orgs"`
	Events    EventsConfig    `toml:"events"`
	Web       WebConfig       `toml:"web"`
	Bench     BenchConfig     `toml:"bench"`
}

// PoolConfig holds worker pool settings
type PoolConfig struct {
	Workers            int `toml:"workers"`
	DispatchIntervalMS int `toml:"dispatch_interval_ms"`
}

// SchedulerConfig holds scheduling slots and default priorities
type SchedulerConfig struct {
	QASlots        int `toml:"qa_slots"`
	CodingSlots    int `toml:"coding_slots"`
	QAPriority     int `toml:"qa_priority"`
	CodingPriority int `toml:"coding_priority"`
}

// OrgsConfig holds scratch org pool settings
type OrgsConfig struct {
	DevHubUsername        string         `toml:"devhub_username"`
	AcquireTimeoutSeconds int            `toml:"acquire_timeout_seconds"`
	Prewarmed             []PrewarmedOrg `toml:"prewarmed"`
}

// PrewarmedOrg identifies one already-provisioned scratch org
type PrewarmedOrg struct {
	Username string `toml:"username"`
	OrgID    string `toml:"org_id"`
}

// EventsConfig holds event bus and store settings
type EventsConfig struct {
	HistorySize  int    `toml:"history_size"`
	DatabasePath string `toml:"database_path"`
}

// WebConfig holds observation API settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// BenchConfig holds benchmark definition settings
type BenchConfig struct {
	Dir string `toml:"dir"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Pool: PoolConfig{
			Workers:            4,
			DispatchIntervalMS: 50,
		},
		Scheduler: SchedulerConfig{
			QASlots:        6,
			CodingSlots:    2,
			QAPriority:     0,
			CodingPriority: 10,
		},
		Orgs: OrgsConfig{
			AcquireTimeoutSeconds: 300,
		},
		Events: EventsConfig{
			HistorySize:  1000,
			DatabasePath: filepath.Join(home, ".sf-agentbench", "events.db"),
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Bench: BenchConfig{
			Dir: "benchmarks",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Events.DatabasePath = ExpandPath(cfg.Events.DatabasePath)
	cfg.Bench.Dir = ExpandPath(cfg.Bench.Dir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sf-agentbench", "config.toml")
}
