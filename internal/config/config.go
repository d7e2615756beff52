// Package config loads process configuration from the environment, with an
// optional YAML file for local overrides of the tunable thresholds. This
// mirrors the teacher's layered Manager.Load/mergeConfigs approach, but the
// layers here are "environment" then "YAML file" rather than "user json"
// then "project json", and only the threshold fields are hot-reloadable —
// connection strings require a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Thresholds are the tunable knobs for the session state machine and
// write-behind buffer. These are the fields eligible for YAML hot reload.
type Thresholds struct {
	NoiseThreshold       float64       `yaml:"noise_threshold"`
	WeightStartThreshold float64       `yaml:"weight_start_threshold"`
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
}

// Config is the full set of process configuration, per spec.md §6.
type Config struct {
	// Store
	StoreDSN string

	// Broker
	BrokerHost        string
	BrokerPort        int
	BrokerTopicPrefix string

	// Auth collaborator
	JWTSecret string
	JWTAlgo   string
	JWTTTL    time.Duration

	// SMTP collaborator
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string

	// Tunables, hot-reloadable from YAML.
	Thresholds Thresholds

	// Scoring / training
	TrainingHour       int // wall-clock hour, 0-23
	ScoringInterval    time.Duration
	ReaperInterval     time.Duration
	ScoringBatchLimit  int
	MinSessionsToTrain int
	TrainingWindowDays int

	// HTTP
	ListenAddr string

	// Path to an optional YAML override file. Empty disables the layer.
	OverridePath string
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

// Load builds a Config from the environment, applying spec.md §6 defaults,
// then layers any YAML override file named by CATTLEFEED_CONFIG_FILE (or
// overridePath if non-empty).
func Load(overridePath string) (*Config, error) {
	cfg := &Config{
		StoreDSN:          envString("STORE_DSN", "postgres://localhost:5432/cattlefeed?sslmode=disable"),
		BrokerHost:        envString("BROKER_HOST", "localhost"),
		BrokerPort:        envInt("BROKER_PORT", 1883),
		BrokerTopicPrefix: envString("BROKER_TOPIC_PREFIX", "feeders/+"),

		JWTSecret: envString("JWT_SECRET", ""),
		JWTAlgo:   envString("JWT_ALGO", "HS256"),
		JWTTTL:    envDurationSeconds("JWT_TTL_SECONDS", 3600),

		SMTPHost:     envString("SMTP_HOST", ""),
		SMTPPort:     envInt("SMTP_PORT", 587),
		SMTPUser:     envString("SMTP_USER", ""),
		SMTPPassword: envString("SMTP_PASSWORD", ""),

		Thresholds: Thresholds{
			NoiseThreshold:       envFloat("WEIGHT_NOISE_THRESHOLD", 0.05),
			WeightStartThreshold: envFloat("WEIGHT_START_THRESHOLD", 0.5),
			SessionTimeout:       envDurationSeconds("SESSION_TIMEOUT_SECONDS", 60),
			BufferSize:           envInt("BUFFER_SIZE", 100),
			FlushInterval:        envDurationSeconds("FLUSH_INTERVAL_SECONDS", 5),
		},

		TrainingHour:       envInt("TRAINING_HOUR", 2),
		ScoringInterval:    envDurationSeconds("SCORING_INTERVAL_SECONDS", 3600),
		ReaperInterval:     envDurationSeconds("REAPER_INTERVAL_SECONDS", 10),
		ScoringBatchLimit:  envInt("SCORING_BATCH_LIMIT", 1000),
		MinSessionsToTrain: envInt("MIN_SESSIONS_TO_TRAIN", 10),
		TrainingWindowDays: envInt("TRAINING_WINDOW_DAYS", 30),

		ListenAddr: envString("LISTEN_ADDR", ":8080"),

		OverridePath: overridePath,
	}
	if cfg.OverridePath == "" {
		cfg.OverridePath = os.Getenv("CATTLEFEED_CONFIG_FILE")
	}

	if cfg.OverridePath != "" {
		if err := applyOverride(cfg, cfg.OverridePath); err != nil {
			return nil, fmt.Errorf("apply config override: %w", err)
		}
	}

	return cfg, nil
}

func applyOverride(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var override struct {
		Thresholds Thresholds `yaml:"thresholds"`
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if override.Thresholds != (Thresholds{}) {
		cfg.Thresholds = override.Thresholds
	}
	return nil
}

// Watcher hot-reloads the Thresholds field of a Config from its
// OverridePath whenever the file changes, using fsnotify the way the
// teacher's project-config layer watches .wingthing/settings.json. Only
// Thresholds are swapped; connection strings are immutable after Load.
type Watcher struct {
	mu   sync.RWMutex
	cfg  *Config
	stop chan struct{}
}

func NewWatcher(cfg *Config) *Watcher {
	return &Watcher{cfg: cfg, stop: make(chan struct{})}
}

// Thresholds returns the current, possibly hot-reloaded, thresholds.
func (w *Watcher) Thresholds() Thresholds {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg.Thresholds
}

// Run watches OverridePath for writes and reloads Thresholds on change. It
// blocks until ctx-equivalent Stop is called; callers run it in a goroutine.
func (w *Watcher) Run(onError func(error)) error {
	if w.cfg.OverridePath == "" {
		<-w.stop
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.cfg.OverridePath); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.OverridePath, err)
	}

	for {
		select {
		case <-w.stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			err := applyOverride(w.cfg, w.cfg.OverridePath)
			updated := *w.cfg
			w.mu.Unlock()
			if err != nil && onError != nil {
				onError(err)
				continue
			}
			w.mu.Lock()
			w.cfg = &updated
			w.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}

func (w *Watcher) Stop() {
	close(w.stop)
}
