// Package config loads and validates the fabric's YAML configuration file,
// and hot-reloads the subset of fields that are safe to change live.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StoreConfig configures the State Store Adapter's connection to Redis.
type StoreConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// OpTimeout bounds every individual store call; a call exceeding it
	// surfaces apperrors.ErrorTypeTransient per §4.B failure semantics.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// RegistryConfig configures the Agent Registry and its liveness reaper.
type RegistryConfig struct {
	LivenessTTL       time.Duration `yaml:"liveness_ttl" validate:"required"`
	HeartbeatPeriod   time.Duration `yaml:"heartbeat_period" validate:"required"`
	ClaimLeaseDefault time.Duration `yaml:"claim_lease_default"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
}

// CoordinatorConfig configures the Resource Coordinator's defaults.
type CoordinatorConfig struct {
	DefaultLockTTL time.Duration `yaml:"default_lock_ttl"`
	DefaultWait    time.Duration `yaml:"default_wait"`
}

// RetryPolicyConfig is the single, uniformly-applied backoff policy (§9).
type RetryPolicyConfig struct {
	Base        time.Duration `yaml:"base"`
	Factor      float64       `yaml:"factor"`
	Cap         time.Duration `yaml:"cap"`
	JitterRatio float64       `yaml:"jitter_ratio"`
}

// QueueConfig configures the Priority Queue Engine. AgeBoostHalfLife and
// AgeBoostCap are loaded and defaulted here but not passed to pkg/queue,
// whose age boost uses a fixed 600s window and a fixed cap of 120.
type QueueConfig struct {
	RetryPolicy      RetryPolicyConfig `yaml:"retry_policy"`
	AgeBoostHalfLife time.Duration     `yaml:"age_boost_half_life"`
	AgeBoostCap      float64           `yaml:"age_boost_cap"`
	PromoterInterval time.Duration     `yaml:"promoter_interval"`
	ReaperInterval   time.Duration     `yaml:"reaper_interval"`
}

// ConsensusConfig configures the Consensus & Backup Gate.
type ConsensusConfig struct {
	DefaultDeadline  time.Duration `yaml:"default_deadline"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	PolicyBundlePath string        `yaml:"policy_bundle_path"`
}

// SnapshotStoreConfig configures the durable snapshot manifest store.
type SnapshotStoreConfig struct {
	DSN string `yaml:"dsn"`
}

// APIConfig configures the optional control-surface HTTP server.
type APIConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level fabric configuration.
type Config struct {
	Store      StoreConfig         `yaml:"store" validate:"required"`
	Registry   RegistryConfig      `yaml:"registry" validate:"required"`
	Coordinator CoordinatorConfig  `yaml:"coordinator"`
	Queue      QueueConfig         `yaml:"queue"`
	Consensus  ConsensusConfig     `yaml:"consensus"`
	Snapshot   SnapshotStoreConfig `yaml:"snapshot"`
	API        APIConfig           `yaml:"api"`
	Logging    LoggingConfig       `yaml:"logging"`
}

func applyDefaults(c *Config) {
	if c.Store.PoolSize == 0 {
		c.Store.PoolSize = 20
	}
	if c.Store.DialTimeout == 0 {
		c.Store.DialTimeout = 5 * time.Second
	}
	if c.Store.ReadTimeout == 0 {
		c.Store.ReadTimeout = 3 * time.Second
	}
	if c.Store.WriteTimeout == 0 {
		c.Store.WriteTimeout = 3 * time.Second
	}
	if c.Store.OpTimeout == 0 {
		c.Store.OpTimeout = 2 * time.Second
	}
	if c.Registry.HeartbeatPeriod == 0 {
		c.Registry.HeartbeatPeriod = 10 * time.Second
	}
	if c.Registry.ClaimLeaseDefault == 0 {
		c.Registry.ClaimLeaseDefault = 30 * time.Second
	}
	if c.Registry.ReaperInterval == 0 {
		c.Registry.ReaperInterval = c.Registry.LivenessTTL / 3
		if c.Registry.ReaperInterval <= 0 {
			c.Registry.ReaperInterval = 5 * time.Second
		}
	}
	if c.Coordinator.DefaultLockTTL == 0 {
		c.Coordinator.DefaultLockTTL = 30 * time.Second
	}
	if c.Coordinator.DefaultWait == 0 {
		c.Coordinator.DefaultWait = 0
	}
	if c.Queue.RetryPolicy.Base == 0 {
		c.Queue.RetryPolicy.Base = 1 * time.Second
	}
	if c.Queue.RetryPolicy.Factor == 0 {
		c.Queue.RetryPolicy.Factor = 2
	}
	if c.Queue.RetryPolicy.Cap == 0 {
		c.Queue.RetryPolicy.Cap = 5 * time.Minute
	}
	if c.Queue.RetryPolicy.JitterRatio == 0 {
		c.Queue.RetryPolicy.JitterRatio = 0.2
	}
	if c.Queue.AgeBoostHalfLife == 0 {
		c.Queue.AgeBoostHalfLife = 600 * time.Second
	}
	if c.Queue.AgeBoostCap == 0 {
		c.Queue.AgeBoostCap = 3.0
	}
	if c.Queue.PromoterInterval == 0 {
		c.Queue.PromoterInterval = 1 * time.Second
	}
	if c.Queue.ReaperInterval == 0 {
		c.Queue.ReaperInterval = 2 * time.Second
	}
	if c.Consensus.DefaultDeadline == 0 {
		c.Consensus.DefaultDeadline = 2 * time.Minute
	}
	if c.Consensus.SweepInterval == 0 {
		c.Consensus.SweepInterval = 5 * time.Second
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8088"
	}
	if c.API.MetricsAddr == "" {
		c.API.MetricsAddr = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

var validate = validator.New()

func (c *Config) validateStruct() error {
	return validate.Struct(c)
}

// Load reads, parses, defaults, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validateStruct(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// HotReloadable is the subset of configuration safe to swap in without
// restarting the process: tuning knobs, not connection endpoints.
type HotReloadable struct {
	RetryPolicy RetryPolicyConfig
	LivenessTTL time.Duration
}

// Watcher reloads HotReloadable fields from a config file whenever it
// changes on disk, per §9's "fsnotify watches the file and hot-reloads"
// note. Connection settings (store address, API bind address, ...) are
// intentionally not part of HotReloadable: changing them live would require
// tearing down live connections, which is out of scope for a config watcher.
type Watcher struct {
	path    string
	mu      sync.RWMutex
	current HotReloadable
	watcher *fsnotify.Watcher
	onErr   func(error)
}

// NewWatcher starts watching path and seeds the initial value from cfg.
func NewWatcher(path string, cfg *Config, onErr func(error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}
	w := &Watcher{
		path:    path,
		watcher: fsw,
		onErr:   onErr,
		current: HotReloadable{
			RetryPolicy: cfg.Queue.RetryPolicy,
			LivenessTTL: cfg.Registry.LivenessTTL,
		},
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if w.onErr != nil {
					w.onErr(fmt.Errorf("hot reload: %w", err))
				}
				continue
			}
			w.mu.Lock()
			w.current = HotReloadable{
				RetryPolicy: cfg.Queue.RetryPolicy,
				LivenessTTL: cfg.Registry.LivenessTTL,
			}
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onErr != nil {
				w.onErr(err)
			}
		}
	}
}

// Current returns the most recently reloaded hot-reloadable values.
func (w *Watcher) Current() HotReloadable {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
