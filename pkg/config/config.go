// Package config loads and validates the engine configuration. The loaded
// Config is immutable; consumers hold a snapshot and pick up changes only
// through the Manager's explicit reload path.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string `yaml:"log_level"`
	LogConsole bool   `yaml:"log_console"`

	API       APIConfig       `yaml:"api"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Baseline  BaselineConfig  `yaml:"baseline"`
	Ensemble  EnsembleConfig  `yaml:"ensemble"`
	Deception DeceptionConfig `yaml:"deception"`
	Decoy     DecoyConfig     `yaml:"decoy"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Sinks     SinksConfig     `yaml:"sinks"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type IngestConfig struct {
	Workers       int           `yaml:"workers"`
	QueueDepth    int           `yaml:"queue_depth"`
	MaxEventBytes int           `yaml:"max_event_bytes"`
	WindowEvents  int           `yaml:"window_events"`
	WindowSpan    time.Duration `yaml:"window_span"`
	QUICAddr      string        `yaml:"quic_addr"`
}

type BaselineConfig struct {
	Shards          int           `yaml:"shards"`
	WarmingAfter    int           `yaml:"warming_after"`
	StableAfter     int           `yaml:"stable_after"`
	StableAfterSpan time.Duration `yaml:"stable_after_span"`
	WindowSize      int           `yaml:"window_size"`
	WindowSpan      time.Duration `yaml:"window_span"`
	ZThreshold      float64       `yaml:"z_threshold"`
	WarmingCap      float64       `yaml:"warming_cap"`
	ProfileTTL      time.Duration `yaml:"profile_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type EnsembleConfig struct {
	ModelTimeout time.Duration `yaml:"model_timeout"`
	WASMModule   string        `yaml:"wasm_module"`
	WASMFunction string        `yaml:"wasm_function"`
}

type DeceptionConfig struct {
	ActivationThreshold float64 `yaml:"activation_threshold"`
	Exploration         float64 `yaml:"exploration"`
	PolicyPath          string  `yaml:"policy_path"`
	CatalogPath         string  `yaml:"catalog_path"`
}

type DecoyConfig struct {
	Driver        string        `yaml:"driver"`
	BindHost      string        `yaml:"bind_host"`
	MaxInstances  int           `yaml:"max_instances"`
	TTL           time.Duration `yaml:"ttl"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SealKeyHex    string        `yaml:"seal_key"`
	DockerImage   string        `yaml:"docker_image"`
}

type FeedbackConfig struct {
	LearningRate      float64       `yaml:"learning_rate"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	HistoryLimit      int           `yaml:"history_limit"`
}

type SinksConfig struct {
	BufferSize int            `yaml:"buffer_size"`
	Ledger     LedgerSink     `yaml:"ledger"`
	Redis      RedisSink      `yaml:"redis"`
	Postgres   PostgresSink   `yaml:"postgres"`
	Assessment AssessmentKeep `yaml:"assessments"`
}

type LedgerSink struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type RedisSink struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	ListCap   int64  `yaml:"list_cap"`
}

type PostgresSink struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type AssessmentKeep struct {
	StoreLimit int `yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		API:      APIConfig{Enabled: true, Addr: ":8080"},
		Ingest: IngestConfig{
			Workers:       8,
			QueueDepth:    1024,
			MaxEventBytes: 64 * 1024,
			WindowEvents:  32,
			WindowSpan:    5 * time.Minute,
		},
		Baseline: BaselineConfig{
			Shards:          32,
			WarmingAfter:    10,
			StableAfter:     50,
			StableAfterSpan: time.Hour,
			WindowSize:      1000,
			WindowSpan:      5 * time.Minute,
			ZThreshold:      3.0,
			WarmingCap:      0.6,
			ProfileTTL:      7 * 24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Ensemble: EnsembleConfig{
			ModelTimeout: 250 * time.Millisecond,
			WASMFunction: "evaluate",
		},
		Deception: DeceptionConfig{
			ActivationThreshold: 0.75,
			Exploration:         0.10,
		},
		Decoy: DecoyConfig{
			Driver:        "emulator",
			BindHost:      "127.0.0.1",
			MaxInstances:  10,
			TTL:           time.Hour,
			IdleTimeout:   15 * time.Minute,
			SweepInterval: 30 * time.Second,
			DockerImage:   "nginx:alpine",
		},
		Feedback: FeedbackConfig{
			LearningRate:      0.20,
			ReconcileInterval: time.Minute,
			HistoryLimit:      100,
		},
		Sinks: SinksConfig{
			BufferSize: 4096,
			Ledger:     LedgerSink{Enabled: true, Path: "data/shadowwall-ledger.log"},
			Redis:      RedisSink{KeyPrefix: "shadowwall", ListCap: 10000},
			Postgres:   PostgresSink{Migrate: true},
			Assessment: AssessmentKeep{StoreLimit: 1024},
		},
	}
}

// Load reads a YAML config file, fills unset fields with defaults, applies
// SHADOWWALL_* env overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(content)) == "" {
			return nil, errors.New("config file is empty")
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = def.Ingest.Workers
	}
	if cfg.Ingest.QueueDepth <= 0 {
		cfg.Ingest.QueueDepth = def.Ingest.QueueDepth
	}
	if cfg.Ingest.MaxEventBytes <= 0 {
		cfg.Ingest.MaxEventBytes = def.Ingest.MaxEventBytes
	}
	if cfg.Ingest.WindowEvents <= 0 {
		cfg.Ingest.WindowEvents = def.Ingest.WindowEvents
	}
	if cfg.Ingest.WindowSpan <= 0 {
		cfg.Ingest.WindowSpan = def.Ingest.WindowSpan
	}
	if cfg.Baseline.Shards <= 0 {
		cfg.Baseline.Shards = def.Baseline.Shards
	}
	if cfg.Baseline.WarmingAfter <= 0 {
		cfg.Baseline.WarmingAfter = def.Baseline.WarmingAfter
	}
	if cfg.Baseline.StableAfter <= 0 {
		cfg.Baseline.StableAfter = def.Baseline.StableAfter
	}
	if cfg.Baseline.StableAfterSpan <= 0 {
		cfg.Baseline.StableAfterSpan = def.Baseline.StableAfterSpan
	}
	if cfg.Baseline.WindowSize <= 0 {
		cfg.Baseline.WindowSize = def.Baseline.WindowSize
	}
	if cfg.Baseline.WindowSpan <= 0 {
		cfg.Baseline.WindowSpan = def.Baseline.WindowSpan
	}
	if cfg.Baseline.ZThreshold <= 0 {
		cfg.Baseline.ZThreshold = def.Baseline.ZThreshold
	}
	if cfg.Baseline.WarmingCap <= 0 {
		cfg.Baseline.WarmingCap = def.Baseline.WarmingCap
	}
	if cfg.Baseline.ProfileTTL <= 0 {
		cfg.Baseline.ProfileTTL = def.Baseline.ProfileTTL
	}
	if cfg.Baseline.CleanupInterval <= 0 {
		cfg.Baseline.CleanupInterval = def.Baseline.CleanupInterval
	}
	if cfg.Ensemble.ModelTimeout <= 0 {
		cfg.Ensemble.ModelTimeout = def.Ensemble.ModelTimeout
	}
	if cfg.Ensemble.WASMFunction == "" {
		cfg.Ensemble.WASMFunction = def.Ensemble.WASMFunction
	}
	if cfg.Deception.ActivationThreshold <= 0 {
		cfg.Deception.ActivationThreshold = def.Deception.ActivationThreshold
	}
	if cfg.Decoy.Driver == "" {
		cfg.Decoy.Driver = def.Decoy.Driver
	}
	if cfg.Decoy.BindHost == "" {
		cfg.Decoy.BindHost = def.Decoy.BindHost
	}
	if cfg.Decoy.MaxInstances <= 0 {
		cfg.Decoy.MaxInstances = def.Decoy.MaxInstances
	}
	if cfg.Decoy.TTL <= 0 {
		cfg.Decoy.TTL = def.Decoy.TTL
	}
	if cfg.Decoy.IdleTimeout <= 0 {
		cfg.Decoy.IdleTimeout = def.Decoy.IdleTimeout
	}
	if cfg.Decoy.SweepInterval <= 0 {
		cfg.Decoy.SweepInterval = def.Decoy.SweepInterval
	}
	if cfg.Decoy.DockerImage == "" {
		cfg.Decoy.DockerImage = def.Decoy.DockerImage
	}
	if cfg.Feedback.LearningRate <= 0 {
		cfg.Feedback.LearningRate = def.Feedback.LearningRate
	}
	if cfg.Feedback.ReconcileInterval <= 0 {
		cfg.Feedback.ReconcileInterval = def.Feedback.ReconcileInterval
	}
	if cfg.Feedback.HistoryLimit <= 0 {
		cfg.Feedback.HistoryLimit = def.Feedback.HistoryLimit
	}
	if cfg.Sinks.BufferSize <= 0 {
		cfg.Sinks.BufferSize = def.Sinks.BufferSize
	}
	if cfg.Sinks.Ledger.Path == "" {
		cfg.Sinks.Ledger.Path = def.Sinks.Ledger.Path
	}
	if cfg.Sinks.Redis.KeyPrefix == "" {
		cfg.Sinks.Redis.KeyPrefix = def.Sinks.Redis.KeyPrefix
	}
	if cfg.Sinks.Redis.ListCap <= 0 {
		cfg.Sinks.Redis.ListCap = def.Sinks.Redis.ListCap
	}
	if cfg.Sinks.Assessment.StoreLimit <= 0 {
		cfg.Sinks.Assessment.StoreLimit = def.Sinks.Assessment.StoreLimit
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := getenv("SHADOWWALL_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := getenv("SHADOWWALL_QUIC_ADDR"); v != "" {
		cfg.Ingest.QUICAddr = v
	}
	if v := getenv("SHADOWWALL_REDIS_ADDR"); v != "" {
		cfg.Sinks.Redis.Enabled = true
		cfg.Sinks.Redis.Addr = v
	}
	if v := getenv("SHADOWWALL_PG_DSN"); v != "" {
		cfg.Sinks.Postgres.Enabled = true
		cfg.Sinks.Postgres.DSN = v
	}
	if v := getenv("SHADOWWALL_LEDGER_PATH"); v != "" {
		cfg.Sinks.Ledger.Path = v
	}
	if v := getenv("SHADOWWALL_SEAL_KEY"); v != "" {
		cfg.Decoy.SealKeyHex = v
	}
	if n := getenvInt("SHADOWWALL_MAX_DECOYS", 0); n > 0 {
		cfg.Decoy.MaxInstances = n
	}
	if n := getenvInt("SHADOWWALL_DECOY_TTL_SEC", 0); n > 0 {
		cfg.Decoy.TTL = time.Duration(n) * time.Second
	}
}

func getenv(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Deception.ActivationThreshold <= 0 || cfg.Deception.ActivationThreshold > 1 {
		return fmt.Errorf("deception.activation_threshold must be in (0,1]: %v", cfg.Deception.ActivationThreshold)
	}
	if cfg.Deception.Exploration < 0 || cfg.Deception.Exploration >= 1 {
		return fmt.Errorf("deception.exploration must be in [0,1): %v", cfg.Deception.Exploration)
	}
	if cfg.Feedback.LearningRate <= 0 || cfg.Feedback.LearningRate > 1 {
		return fmt.Errorf("feedback.learning_rate must be in (0,1]: %v", cfg.Feedback.LearningRate)
	}
	if cfg.Baseline.WarmingAfter >= cfg.Baseline.StableAfter {
		return fmt.Errorf("baseline.warming_after (%d) must be below baseline.stable_after (%d)",
			cfg.Baseline.WarmingAfter, cfg.Baseline.StableAfter)
	}
	if cfg.Baseline.WarmingCap <= 0 || cfg.Baseline.WarmingCap > 1 {
		return fmt.Errorf("baseline.warming_cap must be in (0,1]: %v", cfg.Baseline.WarmingCap)
	}
	switch cfg.Decoy.Driver {
	case "emulator", "docker":
	default:
		return fmt.Errorf("decoy.driver must be emulator or docker: %q", cfg.Decoy.Driver)
	}
	if cfg.Decoy.IdleTimeout > cfg.Decoy.TTL {
		return fmt.Errorf("decoy.idle_timeout (%s) must not exceed decoy.ttl (%s)", cfg.Decoy.IdleTimeout, cfg.Decoy.TTL)
	}
	if cfg.Sinks.Redis.Enabled && cfg.Sinks.Redis.Addr == "" {
		return errors.New("sinks.redis.addr required when sinks.redis.enabled is true")
	}
	if cfg.Sinks.Postgres.Enabled && cfg.Sinks.Postgres.DSN == "" {
		return errors.New("sinks.postgres.dsn required when sinks.postgres.enabled is true")
	}
	if cfg.Decoy.SealKeyHex != "" && len(cfg.Decoy.SealKeyHex) != 64 {
		return errors.New("decoy.seal_key must be 32 bytes hex-encoded")
	}
	return nil
}

// Manager hands out immutable config snapshots and swaps them on reload.
type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the config file and invokes onReload with every successfully
// applied change until stop is closed.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}
