// Package cli provides shared configuration and utilities for the
// plpgcheck CLI.
package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/plpgcheck/plpgcheck/internal/engine"
)

const (
	maxWalkDepth = 25
)

// Check modes control when the analysis runs relative to routine
// lifetime; the CLI only ever checks on demand, but the mode is part of
// the configuration surface so profiles stay portable.
const (
	ModeDisabled   = "disabled"
	ModeByFunction = "by_function"
	ModeFreshStart = "fresh_start"
	ModeEveryStart = "every_start"
)

// Config represents the plpgcheck configuration from plpgcheck.yaml.
type Config struct {
	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Check behavior
	Check CheckConfig `mapstructure:"check"`

	// Lint command configuration
	Lint LintConfig `mapstructure:"lint"`

	// Output configuration
	Output OutputConfig `mapstructure:"output"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// CheckConfig holds the diagnostic category toggles.
type CheckConfig struct {
	Mode                  string `mapstructure:"mode"`
	FatalErrors           bool   `mapstructure:"fatal_errors"`
	OtherWarnings         bool   `mapstructure:"other_warnings"`
	ExtraWarnings         bool   `mapstructure:"extra_warnings"`
	PerformanceWarnings   bool   `mapstructure:"performance_warnings"`
	SecurityWarnings      bool   `mapstructure:"security_warnings"`
	CompatibilityWarnings bool   `mapstructure:"compatibility_warnings"`
	ConstantsTracing      bool   `mapstructure:"constants_tracing"`
}

// LintConfig holds source-linting settings.
type LintConfig struct {
	Paths []string `mapstructure:"paths"`
}

// OutputConfig holds report rendering settings.
type OutputConfig struct {
	Format string `mapstructure:"format"`
}

// EngineConfig converts the check section into engine toggles.
func (c *CheckConfig) EngineConfig() engine.Config {
	return engine.Config{
		OtherWarnings:         c.OtherWarnings,
		ExtraWarnings:         c.ExtraWarnings,
		PerformanceWarnings:   c.PerformanceWarnings,
		SecurityWarnings:      c.SecurityWarnings,
		CompatibilityWarnings: c.CompatibilityWarnings,
		FatalErrors:           c.FatalErrors,
		ConstantsTracing:      c.ConstantsTracing,
	}
}

// ValidMode reports whether the configured check mode is one of the
// recognized values.
func (c *CheckConfig) ValidMode() bool {
	switch c.Mode {
	case ModeDisabled, ModeByFunction, ModeFreshStart, ModeEveryStart:
		return true
	}
	return false
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none
// found), and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Set up environment variable binding
	v.SetEnvPrefix("PLPGCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Find and load config file
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 4. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}

	if !cfg.Check.ValidMode() {
		return nil, configPath, fmt.Errorf("invalid check.mode %q", cfg.Check.Mode)
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")

	// Check defaults mirror the engine defaults
	v.SetDefault("check.mode", ModeByFunction)
	v.SetDefault("check.fatal_errors", false)
	v.SetDefault("check.other_warnings", true)
	v.SetDefault("check.extra_warnings", false)
	v.SetDefault("check.performance_warnings", true)
	v.SetDefault("check.security_warnings", false)
	v.SetDefault("check.compatibility_warnings", false)
	v.SetDefault("check.constants_tracing", false)

	// Lint defaults
	v.SetDefault("lint.paths", []string{})

	// Output defaults
	v.SetDefault("output.format", "text")
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for plpgcheck.yaml or
// plpgcheck.yml, stopping at a .git directory or after maxWalkDepth
// levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	// Auto-discovery: walk up to .git or maxWalkDepth
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		// Try plpgcheck.yaml then plpgcheck.yml
		for _, name := range []string{"plpgcheck.yaml", "plpgcheck.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Check for repo boundary (.git file or directory)
		gitPath := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			break // Stop at repo root
		}

		// Move up
		parent := filepath.Dir(dir)
		if parent == dir {
			break // Reached filesystem root
		}
		dir = parent
	}

	return "", nil // No config found, use defaults
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly.
// Otherwise, builds a DSN from discrete fields.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	// Build DSN from discrete fields
	if db.Host == "" {
		return "", fmt.Errorf("database.host is required when database.url is not set")
	}
	if db.Name == "" {
		return "", fmt.Errorf("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return "", fmt.Errorf("database.user is required when database.url is not set")
	}

	// Build postgres:// URL
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   "/" + db.Name,
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}
