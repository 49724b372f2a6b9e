package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chmdznr/offline-daylog/internal/reminder"
)

// Duration lets TOML carry values like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Store struct {
	Path string `toml:"path"`
}

type Sync struct {
	// Kind selects the submitter: "http" posts forms to Endpoint, "object"
	// writes them to the [object] bucket.
	Kind          string   `toml:"kind"`
	Endpoint      string   `toml:"endpoint"`
	Timeout       Duration `toml:"timeout"`
	ProbeURL      string   `toml:"probe_url"`
	ProbeInterval Duration `toml:"probe_interval"`
	SpoolDir      string   `toml:"spool_dir"`
	Optimistic    bool     `toml:"optimistic"`
}

type Object struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Secure    bool   `toml:"secure"`
}

type Cache struct {
	Path     string   `toml:"path"`
	Version  string   `toml:"version"`
	BaseURL  string   `toml:"base_url"`
	Listen   string   `toml:"listen"`
	Manifest []string `toml:"manifest"`
}

type Reminders struct {
	Times []string `toml:"times"`
}

type Log struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type Config struct {
	Store     Store     `toml:"store"`
	Sync      Sync      `toml:"sync"`
	Object    Object    `toml:"object"`
	Cache     Cache     `toml:"cache"`
	Reminders Reminders `toml:"reminders"`
	Log       Log       `toml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	dir := defaultDataDir()
	return Config{
		Store: Store{Path: filepath.Join(dir, "daylog.db")},
		Sync: Sync{
			Kind:          "http",
			Endpoint:      "http://localhost:5000/save-daily-log",
			Timeout:       Duration{30 * time.Second},
			ProbeURL:      "http://localhost:5000/",
			ProbeInterval: Duration{30 * time.Second},
			SpoolDir:      filepath.Join(dir, "spool"),
		},
		Object: Object{Prefix: "daily-logs", Secure: true},
		Cache: Cache{
			Path:    filepath.Join(dir, "cache.db"),
			Version: "fitness-companion-v1",
			BaseURL: "http://localhost:5000/",
			Listen:  "127.0.0.1:8090",
			Manifest: []string{
				"/",
				"/static/manifest.json",
				"/static/sw.js",
				"https://fonts.googleapis.com/css2?family=Inter:wght@300;400;500;600;700&display=swap",
			},
		},
		Reminders: Reminders{Times: []string{"09:00", "21:00"}},
		Log:       Log{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "dlsync")
	}
	return ".dlsync"
}

// Load reads path over the defaults, applies DLSYNC_* environment overrides
// and validates the result. A missing file is not an error when path is
// empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = getEnv("DLSYNC_CONFIG", "")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.Store.Path = getEnv("DLSYNC_STORE_PATH", cfg.Store.Path)
	cfg.Sync.Kind = getEnv("DLSYNC_SYNC_KIND", cfg.Sync.Kind)
	cfg.Sync.Endpoint = getEnv("DLSYNC_SYNC_ENDPOINT", cfg.Sync.Endpoint)
	cfg.Sync.ProbeURL = getEnv("DLSYNC_PROBE_URL", cfg.Sync.ProbeURL)
	cfg.Sync.SpoolDir = getEnv("DLSYNC_SPOOL_DIR", cfg.Sync.SpoolDir)
	cfg.Object.AccessKey = getEnv("DLSYNC_OBJECT_ACCESS_KEY", cfg.Object.AccessKey)
	cfg.Object.SecretKey = getEnv("DLSYNC_OBJECT_SECRET_KEY", cfg.Object.SecretKey)
	cfg.Cache.Path = getEnv("DLSYNC_CACHE_PATH", cfg.Cache.Path)
	cfg.Cache.Version = getEnv("DLSYNC_CACHE_VERSION", cfg.Cache.Version)
	cfg.Log.File = getEnv("DLSYNC_LOG_FILE", cfg.Log.File)
	if v := getEnv("DLSYNC_OPTIMISTIC", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("DLSYNC_OPTIMISTIC: %w", err)
		}
		cfg.Sync.Optimistic = b
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields every command relies on.
func (c Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	switch c.Sync.Kind {
	case "http":
		if c.Sync.Endpoint == "" {
			errs = append(errs, errors.New("sync.endpoint is required for kind http"))
		}
	case "object":
		if c.Object.Endpoint == "" || c.Object.Bucket == "" {
			errs = append(errs, errors.New("object.endpoint and object.bucket are required for kind object"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sync.kind %q", c.Sync.Kind))
	}
	if c.Cache.Version == "" {
		errs = append(errs, errors.New("cache.version is required"))
	}
	for _, t := range c.Reminders.Times {
		if _, err := reminder.ParseTime(t); err != nil {
			errs = append(errs, fmt.Errorf("reminders.times: %w", err))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
