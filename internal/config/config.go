// Package config loads feedhub settings from HCL files and the environment.
package config

import (
	"fmt"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"
)

// EnvPrefix is prepended to every environment variable, e.g. FEEDHUB_ADDR.
const EnvPrefix = "FEEDHUB"

// DefaultFiles are read, in order, when no explicit path is given. Missing
// files are skipped.
var DefaultFiles = []string{"./feedhub.hcl", "./feedhub.local.hcl"}

type Config struct {
	Addr      string    `hcl:"addr" env:"ADDR" default:":8080"`
	LogLevel  string    `hcl:"log_level" env:"LOG_LEVEL" default:"info"`
	LogFormat string    `hcl:"log_format" env:"LOG_FORMAT" default:"text"`
	Database  Database  `hcl:"database" env:"DATABASE"`
	Scheduler Scheduler `hcl:"scheduler" env:"SCHEDULER"`
	Fetch     Fetch     `hcl:"fetch" env:"FETCH"`
}

type Database struct {
	Driver string `hcl:"driver" env:"DRIVER" default:"sqlite"`
	// DSN is a file path for sqlite and a postgres:// URL for postgres.
	DSN string `hcl:"dsn" env:"DSN" default:"feedhub.db"`
}

type Scheduler struct {
	IntervalMinutes int           `hcl:"interval_minutes" env:"INTERVAL_MINUTES" default:"15"`
	Warmup          time.Duration `hcl:"warmup" env:"WARMUP" default:"5s"`
	PassTimeout     time.Duration `hcl:"pass_timeout" env:"PASS_TIMEOUT" default:"10m"`
	// Concurrency of a bulk pass; 0 lets the database backend decide.
	Concurrency int `hcl:"concurrency" env:"CONCURRENCY" default:"0"`
}

// Interval is the polling cadence, never shorter than a minute.
func (s Scheduler) Interval() time.Duration {
	return time.Duration(max(s.IntervalMinutes, 1)) * time.Minute
}

type Fetch struct {
	FeedTimeout        time.Duration `hcl:"feed_timeout" env:"FEED_TIMEOUT" default:"10s"`
	ProbeTimeout       time.Duration `hcl:"probe_timeout" env:"PROBE_TIMEOUT" default:"5s"`
	PageTimeout        time.Duration `hcl:"page_timeout" env:"PAGE_TIMEOUT" default:"10s"`
	UserAgent          string        `hcl:"user_agent" env:"USER_AGENT"`
	InsecureSkipVerify bool          `hcl:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY" default:"true"`
	MaxBytes           int64         `hcl:"max_bytes" env:"MAX_BYTES" default:"10485760"`
	DomainDelay        time.Duration `hcl:"domain_delay" env:"DOMAIN_DELAY" default:"500ms"`
	MaxPerDomain       int           `hcl:"max_per_domain" env:"MAX_PER_DOMAIN" default:"2"`
}

// Load reads defaults, then path (or DefaultFiles when path is empty), then
// FEEDHUB_* environment variables. An explicit path must exist.
func Load(path string) (Config, error) {
	var cfg Config
	files, mustExist := DefaultFiles, false
	if path != "" {
		files, mustExist = []string{path}, true
	}

	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags:          true,
		EnvPrefix:          EnvPrefix,
		AllowUnknownEnvs:   true,
		Files:              files,
		FailOnFileNotFound: mustExist,
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
