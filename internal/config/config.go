package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	syncer "github.com/matheus3301/lcsync/internal/sync"
)

// Config represents the global ~/.lcsync/config.toml.
type Config struct {
	DefaultAccount string   `toml:"default_account"`
	APIBaseURL     string   `toml:"api_base_url"`
	RequestTimeout Duration `toml:"request_timeout"`
	LogLevel       string   `toml:"log_level"`

	Sync     Sync     `toml:"sync"`
	Presence Presence `toml:"presence"`
	Outbox   Outbox   `toml:"outbox"`
}

// Sync bounds reconciliation runs. Values are clamped by the sync package.
type Sync struct {
	PageSize   int `toml:"page_size"`
	MaxPages   int `toml:"max_pages"`
	DeltaLimit int `toml:"delta_limit"`
	MaxRounds  int `toml:"max_rounds"`
}

type Presence struct {
	ChunkSize         int `toml:"chunk_size"`
	RequestsPerSecond int `toml:"requests_per_second"`
}

type Outbox struct {
	PollInterval Duration `toml:"poll_interval"`
}

// Duration is a time.Duration written as "10s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIBaseURL:     "http://localhost:8080",
		RequestTimeout: Duration{10 * time.Second},
		LogLevel:       "info",
		Sync: Sync{
			PageSize:   syncer.DefaultPageSize,
			MaxPages:   syncer.DefaultMaxPages,
			DeltaLimit: syncer.DefaultDeltaLimit,
			MaxRounds:  syncer.DefaultMaxRounds,
		},
		Presence: Presence{ChunkSize: 100, RequestsPerSecond: 10},
		Outbox:   Outbox{PollInterval: Duration{500 * time.Millisecond}},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault decodes path over the defaults. A missing file is not an
// error.
func LoadOrDefault(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Limits converts the [sync] table into clamped reconciliation bounds.
func (c *Config) Limits() syncer.Limits {
	return syncer.Limits{
		PageSize:   c.Sync.PageSize,
		MaxPages:   c.Sync.MaxPages,
		DeltaLimit: c.Sync.DeltaLimit,
		MaxRounds:  c.Sync.MaxRounds,
	}.Normalize()
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
