package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultBranch is the default git branch analyzed for each repo.
	DefaultBranch = "master"

	// DefaultListen is the default API server listen address.
	DefaultListen = ":8080"

	// DefaultDatabasePath is the default SQLite database path.
	DefaultDatabasePath = "./flakewatch.sqlite3"
)

// Analysis threshold defaults.
const (
	// DefaultFlakyBuildsMin is the minimum number of builds needed to
	// perform flakiness analysis at all.
	DefaultFlakyBuildsMin = 10

	// DefaultFlakyBuildsMax is the maximum number of recent builds
	// considered when classifying a test as flaky. The default is
	// effectively unbounded; the analysis window is normally limited
	// by time instead.
	DefaultFlakyBuildsMax = 999999999

	// DefaultFlakyFailuresMin is the minimum number of separate failure
	// onsets needed before a test is considered flaky.
	DefaultFlakyFailuresMin = 2

	// DefaultPermafailFailuresMin is the minimum streak length before a
	// failing test is considered a permafail.
	DefaultPermafailFailuresMin = 2

	// DefaultReportConsecutiveFailures is the minimum number of failures
	// in a row that need to occur before reporting on it.
	DefaultReportConsecutiveFailures = 3

	// DefaultAnalysisHours is the number of hours of runs to include in
	// the analysis (90 days).
	DefaultAnalysisHours = 24 * 90

	// DefaultOldJobHours is the age in hours past which a run is shown
	// as "old" in the report (3 days).
	DefaultOldJobHours = 24 * 3

	// DefaultDisabledJobHours is the age in hours past which a job with
	// no recent runs is considered disabled (14 days).
	DefaultDisabledJobHours = 24 * 14
)

// Config is the root configuration for flakewatch.
type Config struct {
	Global   GlobalConfig   `yaml:"global"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	Branch   string `yaml:"branch"`
}

// AnalysisConfig contains the thresholds driving flakiness and permafail
// detection.
type AnalysisConfig struct {
	FlakyBuildsMin            int `yaml:"flaky_builds_min"`
	FlakyBuildsMax            int `yaml:"flaky_builds_max"`
	FlakyFailuresMin          int `yaml:"flaky_failures_min"`
	PermafailFailuresMin      int `yaml:"permafail_failures_min"`
	ReportConsecutiveFailures int `yaml:"report_consecutive_failures"`
	AnalysisHours             int `yaml:"analysis_hours"`
	OldJobHours               int `yaml:"old_job_hours"`
	DisabledJobHours          int `yaml:"disabled_job_hours"`
}

// DatabaseConfig selects and configures the database driver.
type DatabaseConfig struct {
	Driver   string                 `yaml:"driver"`
	SQLite   SQLiteDatabaseConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresDatabaseConfig `yaml:"postgres,omitempty"`
}

// SQLiteDatabaseConfig configures the SQLite driver.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path"`
}

// PostgresDatabaseConfig configures the Postgres driver.
type PostgresDatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ServerConfig contains API server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`

	// IngestTokenHash is the bcrypt hash of the token required by the
	// ingest endpoints. Ingestion over HTTP is disabled when empty.
	IngestTokenHash string `yaml:"ingest_token_hash,omitempty"`
}

// RateLimitConfig configures per-IP API rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file
// loaded.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()

	return &cfg
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.Branch == "" {
		c.Global.Branch = DefaultBranch
	}

	a := &c.Analysis
	if a.FlakyBuildsMin == 0 {
		a.FlakyBuildsMin = DefaultFlakyBuildsMin
	}

	if a.FlakyBuildsMax == 0 {
		a.FlakyBuildsMax = DefaultFlakyBuildsMax
	}

	if a.FlakyFailuresMin == 0 {
		a.FlakyFailuresMin = DefaultFlakyFailuresMin
	}

	if a.PermafailFailuresMin == 0 {
		a.PermafailFailuresMin = DefaultPermafailFailuresMin
	}

	if a.ReportConsecutiveFailures == 0 {
		a.ReportConsecutiveFailures = DefaultReportConsecutiveFailures
	}

	if a.AnalysisHours == 0 {
		a.AnalysisHours = DefaultAnalysisHours
	}

	if a.OldJobHours == 0 {
		a.OldJobHours = DefaultOldJobHours
	}

	if a.DisabledJobHours == 0 {
		a.DisabledJobHours = DefaultDisabledJobHours
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultDatabasePath
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
}

// Validate checks the configuration for errors. The analysis threshold
// invariants are enforced here so that an inconsistent configuration is
// rejected at load time, before any analysis runs.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("sqlite database path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("postgres database name is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	a := &c.Analysis

	if a.FlakyFailuresMin < 1 {
		return fmt.Errorf("flaky_failures_min must be at least 1")
	}

	if a.PermafailFailuresMin < 1 {
		return fmt.Errorf("permafail_failures_min must be at least 1")
	}

	if a.FlakyBuildsMin < a.FlakyFailuresMin*2 {
		return fmt.Errorf(
			"flaky_builds_min (%d) must be at least twice flaky_failures_min (%d)",
			a.FlakyBuildsMin, a.FlakyFailuresMin,
		)
	}

	if a.FlakyBuildsMin < a.ReportConsecutiveFailures*2+a.FlakyFailuresMin {
		return fmt.Errorf(
			"flaky_builds_min (%d) must be at least report_consecutive_failures*2 + flaky_failures_min (%d)",
			a.FlakyBuildsMin, a.ReportConsecutiveFailures*2+a.FlakyFailuresMin,
		)
	}

	if a.AnalysisHours < 1 {
		return fmt.Errorf("analysis_hours must be at least 1")
	}

	return nil
}
