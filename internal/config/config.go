// Package config loads server settings. Precedence, lowest first: built-in
// defaults, the YAML file, environment variables, then command-line flags
// applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr    string `yaml:"addr" env:"WERLD_ADDR"`
	DataDir string `yaml:"data_dir" env:"WERLD_DATA_DIR"`

	DisableDB      bool `yaml:"disable_db" env:"WERLD_DISABLE_DB"`
	DisableJournal bool `yaml:"disable_journal" env:"WERLD_DISABLE_JOURNAL"`
	// Restore rebuilds the registry from the journal at startup.
	Restore bool `yaml:"restore" env:"WERLD_RESTORE"`
	// SnapshotOnShutdown writes every live simulation's buffers on exit.
	SnapshotOnShutdown bool `yaml:"snapshot_on_shutdown" env:"WERLD_SNAPSHOT_ON_SHUTDOWN"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// MaxQueue bounds outbound frames per connection.
	MaxQueue        int           `yaml:"max_queue" env:"WERLD_MAX_QUEUE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"WERLD_SHUTDOWN_TIMEOUT"`

	// SocketServerPort is consulted only when no address was configured.
	SocketServerPort int `yaml:"-" env:"SOCKET_SERVER_PORT"`

	Mirror Mirror `yaml:"mirror" envPrefix:"WERLD_MIRROR_"`
}

// Mirror configures offsite copies of snapshots and closed journal files in
// an S3-compatible bucket. It is off while Endpoint is empty.
type Mirror struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket      string `yaml:"bucket" env:"BUCKET"`
	Region      string `yaml:"region" env:"REGION"`
	Prefix      string `yaml:"prefix" env:"PREFIX"`
	AccessKeyID string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	// Secrets come from the environment only.
	SecretAccessKey string `yaml:"-" env:"SECRET_ACCESS_KEY"`
}

func (m Mirror) Enabled() bool { return strings.TrimSpace(m.Endpoint) != "" }

func Defaults() Config {
	return Config{
		Addr:            ":8089",
		DataDir:         "./data",
		LogLevel:        "info",
		LogFormat:       "text",
		MaxQueue:        64,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads path (optional) and overlays the process environment.
func Load(path string) (Config, error) {
	return load(path, env.Options{})
}

// LoadWithEnv is Load with an explicit environment instead of os.Environ.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	return load(path, env.Options{Environment: environ})
}

func load(path string, opts env.Options) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}

	fileAddr := cfg.Addr
	cfg.Addr = ""
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	switch {
	case cfg.Addr != "":
	case fileAddr != Defaults().Addr:
		cfg.Addr = fileAddr
	case cfg.SocketServerPort > 0:
		cfg.Addr = ":" + strconv.Itoa(cfg.SocketServerPort)
	default:
		cfg.Addr = fileAddr
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if c.MaxQueue <= 0 {
		errs = append(errs, fmt.Errorf("max_queue must be > 0, got %d", c.MaxQueue))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be > 0, got %s", c.ShutdownTimeout))
	}
	if !c.DisableDB || !c.DisableJournal || c.SnapshotOnShutdown {
		if strings.TrimSpace(c.DataDir) == "" {
			errs = append(errs, errors.New("data_dir is empty but persistence is enabled"))
		}
	}
	if c.Mirror.Enabled() {
		if c.Mirror.Bucket == "" || c.Mirror.AccessKeyID == "" || c.Mirror.SecretAccessKey == "" {
			errs = append(errs, errors.New("mirror needs bucket, access key id and WERLD_MIRROR_SECRET_ACCESS_KEY"))
		}
		if strings.TrimSpace(c.DataDir) == "" {
			errs = append(errs, errors.New("mirror requires data_dir"))
		}
	}
	if c.Restore && c.DisableJournal {
		errs = append(errs, errors.New("restore requires the journal"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) JournalDir() string  { return filepath.Join(c.DataDir, "journal") }
func (c Config) IndexPath() string   { return filepath.Join(c.DataDir, "index.db") }
func (c Config) SnapshotDir() string { return filepath.Join(c.DataDir, "snapshots") }
