package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"collab/engine/internal/util"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Addr       string
	CORSOrigin string
	ActorID    string
	StorageDSN string
	// RedisURL carries the event bus and the presence mirror. Empty runs
	// with the in-process bus.
	RedisURL         string
	PresenceTimeout  time.Duration
	SweepInterval    time.Duration
	SnapshotInterval time.Duration
	SnapshotPolicy   string
	ConflictStrategy string
	GitMirrorDir     string
	MeiliURL         string
	MeiliMasterKey   string
	ConfigFile       string
	LogLevel         string
}

func Load() Config {
	return Config{
		Addr:             getenv("COLLAB_ADDR", ":8790"),
		CORSOrigin:       getenv("COLLAB_CORS_ORIGIN", "*"),
		ActorID:          getenv("COLLAB_ACTOR_ID", util.NewID("replica")),
		StorageDSN:       getenv("COLLAB_STORAGE_DSN", "memory://"),
		RedisURL:         getenv("REDIS_URL", "redis://localhost:6379/0"),
		PresenceTimeout:  time.Duration(getenvInt("COLLAB_PRESENCE_TIMEOUT_SECONDS", 30)) * time.Second,
		SweepInterval:    time.Duration(getenvInt("COLLAB_PRESENCE_SWEEP_SECONDS", 5)) * time.Second,
		SnapshotInterval: time.Duration(getenvInt("COLLAB_SNAPSHOT_INTERVAL_SECONDS", 60)) * time.Second,
		SnapshotPolicy:   getenv("COLLAB_SNAPSHOT_POLICY", "opsSinceSnapshot >= 200"),
		ConflictStrategy: getenv("COLLAB_CONFLICT_STRATEGY", "timestamp_order"),
		GitMirrorDir:     getenv("COLLAB_GIT_MIRROR_DIR", ""),
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		ConfigFile:       getenv("COLLAB_CONFIG_FILE", ""),
		LogLevel:         getenv("LOG_LEVEL", "info"),
	}
}

// Overlay holds the deployment knobs that may also come from the YAML
// config file. Unset fields leave the environment value in place.
type Overlay struct {
	PresenceTimeoutSeconds  *int    `yaml:"presence_timeout_seconds"`
	PresenceSweepSeconds    *int    `yaml:"presence_sweep_seconds"`
	SnapshotIntervalSeconds *int    `yaml:"snapshot_interval_seconds"`
	SnapshotPolicy          *string `yaml:"snapshot_policy"`
	ConflictStrategy        *string `yaml:"conflict_strategy"`
	LogLevel                *string `yaml:"log_level"`
}

// ReadOverlay parses the YAML config file at path.
func ReadOverlay(path string) (Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Overlay{}, fmt.Errorf("read config file: %w", err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Overlay{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return o, nil
}

// Apply returns c with every field set in o replaced. Non-positive
// durations are ignored.
func (c Config) Apply(o Overlay) Config {
	if o.PresenceTimeoutSeconds != nil && *o.PresenceTimeoutSeconds > 0 {
		c.PresenceTimeout = time.Duration(*o.PresenceTimeoutSeconds) * time.Second
	}
	if o.PresenceSweepSeconds != nil && *o.PresenceSweepSeconds > 0 {
		c.SweepInterval = time.Duration(*o.PresenceSweepSeconds) * time.Second
	}
	if o.SnapshotIntervalSeconds != nil && *o.SnapshotIntervalSeconds > 0 {
		c.SnapshotInterval = time.Duration(*o.SnapshotIntervalSeconds) * time.Second
	}
	if o.SnapshotPolicy != nil && strings.TrimSpace(*o.SnapshotPolicy) != "" {
		c.SnapshotPolicy = *o.SnapshotPolicy
	}
	if o.ConflictStrategy != nil && *o.ConflictStrategy != "" {
		c.ConflictStrategy = *o.ConflictStrategy
	}
	if o.LogLevel != nil && *o.LogLevel != "" {
		c.LogLevel = *o.LogLevel
	}
	return c
}

// LoadFile applies the config file named by c.ConfigFile, if any.
func (c Config) LoadFile() (Config, error) {
	if c.ConfigFile == "" {
		return c, nil
	}
	o, err := ReadOverlay(c.ConfigFile)
	if err != nil {
		return c, err
	}
	return c.Apply(o), nil
}

// Level maps LogLevel onto a slog level; unknown names mean info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
