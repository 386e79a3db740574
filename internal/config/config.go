package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram TelegramConfig              `yaml:"telegram"`
	NATS     NATSConfig                  `yaml:"nats"`
	Store    StoreConfig                 `yaml:"store"`
	Web      WebConfig                   `yaml:"web"`
	Vault    VaultConfig                 `yaml:"vault"`
	Janitor  JanitorConfig               `yaml:"janitor"`
	Pools    PoolsConfig                 `yaml:"pools"`
	Runner   RunnerConfig                `yaml:"runner"`
	Swarm    SwarmConfig                 `yaml:"swarm"`
	Recovery RecoveryConfig              `yaml:"recovery"`
	Selector SelectorConfig              `yaml:"selector"`
	Solvers  map[string]SolverDefinition `yaml:"solvers"`
}

// SolverDefinition declares one solver the gateway can dispatch to.
// Kind is "exec" (local binary) or "container" (Docker image).
type SolverDefinition struct {
	Description  string   `yaml:"description"`
	Kind         string   `yaml:"kind"`
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	Image        string   `yaml:"image"`
	Capabilities []string `yaml:"capabilities"`
	Pool         string   `yaml:"pool"`
	Tuning       string   `yaml:"tuning"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowFrom  []int64 `yaml:"allow_from"`
	NotifyChat int64   `yaml:"notify_chat"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type JanitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type PoolsConfig struct {
	BasePath string `yaml:"base_path"`
}

// RunnerConfig holds defaults for solver execution backends.
type RunnerConfig struct {
	Image         string `yaml:"image"`
	BinDir        string `yaml:"bin_dir"`
	MaxRunning    int    `yaml:"max_running"`
	MemoryLimitMB int64  `yaml:"memory_limit_mb"`
	NATSUrl       string `yaml:"nats_url"`
}

type SwarmConfig struct {
	MaxConcurrency      int           `yaml:"max_concurrency"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	HistoryCap          int           `yaml:"history_cap"`
	CollaborativeRounds int           `yaml:"collaborative_rounds"`
}

type RecoveryConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

type SelectorConfig struct {
	DefaultOrder []string `yaml:"default_order"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/sminos.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Janitor: JanitorConfig{
			PollInterval: 30 * time.Second,
		},
		Pools: PoolsConfig{
			BasePath: "pools",
		},
		Runner: RunnerConfig{
			Image:         "sminos-solver:latest",
			BinDir:        "bin",
			MaxRunning:    10,
			MemoryLimitMB: 2048,
			NATSUrl:       "nats://host.docker.internal:4222",
		},
		Swarm: SwarmConfig{
			MaxConcurrency:      10,
			DefaultTimeout:      30 * time.Minute,
			HistoryCap:          1000,
			CollaborativeRounds: 2,
		},
		Recovery: RecoveryConfig{
			MaxRetries:       3,
			BaseDelay:        time.Second,
			MaxDelay:         30 * time.Second,
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
			SuccessThreshold: 3,
		},
	}
}

// Path returns the config file location, honoring SMINOS_CONFIG. The file
// does not have to exist; Load falls back to defaults plus env overrides.
func Path() string {
	if p := os.Getenv("SMINOS_CONFIG"); p != "" {
		return p
	}
	return "config/sminos.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SMINOS_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SMINOS_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SMINOS_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SMINOS_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SMINOS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SMINOS_POOLS_BASE"); v != "" {
		cfg.Pools.BasePath = v
	}
	if v := os.Getenv("SMINOS_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
