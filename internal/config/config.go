// Package config loads the harvester configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DBSettings describes one Postgres endpoint and its pool bounds.
type DBSettings struct {
	Host           string `yaml:"host" split_words:"true"`
	Database       string `yaml:"database" split_words:"true"`
	User           string `yaml:"user" split_words:"true"`
	Password       string `yaml:"password" split_words:"true"`
	MinConnections int    `yaml:"min_connections" split_words:"true"`
	MaxConnections int    `yaml:"max_connections" split_words:"true"`
}

// DSN renders the settings as a pgx key/value connection string.
func (d DBSettings) DSN() string {
	return fmt.Sprintf("host=%s dbname=%s user=%s password=%s",
		d.Host, d.Database, d.User, d.Password)
}

// SchedulerSettings holds the dispatch knobs. The db_* keys point the
// scheduler at a separate database; the in-process timer loops do not
// use them, they are accepted so existing deployment configs keep
// loading.
type SchedulerSettings struct {
	DBHost     string `yaml:"db_host" split_words:"true"`
	DBDatabase string `yaml:"db_database" split_words:"true"`
	DBUser     string `yaml:"db_user" split_words:"true"`
	DBPassword string `yaml:"db_password" split_words:"true"`

	// QueueThreshold: tokens with queue depth at or below this get topped
	// up on fill.
	QueueThreshold int `yaml:"sched_queue_threshold" split_words:"true"`
	// ObjectsPerToken: target depth per token on fill.
	ObjectsPerToken int `yaml:"sched_object_per_token" split_words:"true"`
	// MarkTimestampDelta: claim window half-width in seconds.
	MarkTimestampDelta float64 `yaml:"sched_mark_timestamp_delta" split_words:"true"`
	// PoolSize: number of concurrent fetch workers.
	PoolSize int `yaml:"pool_size" split_words:"true"`
}

// GithubAPISettings configures the upstream API client.
type GithubAPISettings struct {
	PerPage int `yaml:"per_page" split_words:"true"`
}

// Config is the root configuration document.
type Config struct {
	DB        DBSettings        `yaml:"db_settings" envconfig:"DB"`
	Scheduler SchedulerSettings `yaml:"scheduler" envconfig:"SCHED"`
	GithubAPI GithubAPISettings `yaml:"github_api" envconfig:"GITHUB"`

	// DebugAddr exposes /metrics and /healthz when non-empty.
	DebugAddr string `yaml:"debug_addr" split_words:"true"`
}

// Default returns the built-in defaults, applied before the YAML file
// and environment overrides.
func Default() *Config {
	return &Config{
		DB: DBSettings{
			Host:           "localhost",
			Database:       "harvester",
			User:           "harvester",
			MinConnections: 2,
			MaxConnections: 10,
		},
		Scheduler: SchedulerSettings{
			QueueThreshold:     50,
			ObjectsPerToken:    150,
			MarkTimestampDelta: 0.1,
			PoolSize:           12,
		},
		GithubAPI: GithubAPISettings{PerPage: 100},
	}
}

// New loads configuration in three layers: defaults, the YAML file at
// path (skipped when absent), then HARVESTER_* environment variables.
func New(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to env only
	default:
		return nil, err
	}

	if err := envconfig.Process("HARVESTER", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if cfg.GithubAPI.PerPage <= 0 {
		return nil, fmt.Errorf("github_api.per_page must be positive")
	}
	if cfg.Scheduler.MarkTimestampDelta <= 0 {
		return nil, fmt.Errorf("scheduler.sched_mark_timestamp_delta must be positive")
	}
	return cfg, nil
}
