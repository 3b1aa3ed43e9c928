package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LayoutLatest = "latest"
	LayoutWalk   = "walk"

	FormatJSON = "json"
	FormatTOML = "toml"
)

type Config struct {
	DataPath          string `mapstructure:"DATA_PATH"`
	BinSize           int    `mapstructure:"BIN_SIZE"`
	Stratify          bool   `mapstructure:"STRATIFY"`
	SuppressEmptyBins bool   `mapstructure:"SUPPRESS_EMPTY_BINS"`
	Layout            string `mapstructure:"LAYOUT"`
	ExportDir         string `mapstructure:"EXPORT_DIR"`
	Workers           int    `mapstructure:"WORKERS"`
	OutputFormat      string `mapstructure:"OUTPUT_FORMAT"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
	Debug             bool   `mapstructure:"DEBUG"`
	Env               string `mapstructure:"ENV"`
	Port              string `mapstructure:"PORT"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath        string `mapstructure:"SQLITE_PATH"`
	AuthSigningKey    string `mapstructure:"AUTH_SIGNING_KEY"`
	Watch             bool   `mapstructure:"WATCH"`
}

// flagKeys maps command-line flag names to configuration keys. Flags that
// are set explicitly take precedence over the environment and .env.
var flagKeys = map[string]string{
	"path":           "DATA_PATH",
	"bin-size":       "BIN_SIZE",
	"stratify":       "STRATIFY",
	"suppress-empty": "SUPPRESS_EMPTY_BINS",
	"layout":         "LAYOUT",
	"export-dir":     "EXPORT_DIR",
	"workers":        "WORKERS",
	"format":         "OUTPUT_FORMAT",
	"debug":          "DEBUG",
	"port":           "PORT",
	"database-url":   "DATABASE_URL",
	"sqlite-path":    "SQLITE_PATH",
	"watch":          "WATCH",
}

// Load reads configuration from the environment, an optional .env file and,
// when flags is non-nil, any matching command-line flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("BIN_SIZE", 5)
	v.SetDefault("STRATIFY", false)
	v.SetDefault("SUPPRESS_EMPTY_BINS", false)
	v.SetDefault("LAYOUT", LayoutLatest)
	v.SetDefault("EXPORT_DIR", "SyncForScience")
	v.SetDefault("WORKERS", 4)
	v.SetDefault("OUTPUT_FORMAT", FormatJSON)
	v.SetDefault("LOG_LEVEL", "warn")
	v.SetDefault("ENV", "production")
	v.SetDefault("PORT", "8000")
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"DATA_PATH", "BIN_SIZE", "STRATIFY", "SUPPRESS_EMPTY_BINS", "LAYOUT",
		"EXPORT_DIR", "WORKERS", "OUTPUT_FORMAT", "LOG_LEVEL", "DEBUG", "ENV",
		"PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
		"AUTH_SIGNING_KEY", "WATCH",
	} {
		_ = v.BindEnv(key)
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Layout = strings.ToLower(strings.TrimSpace(cfg.Layout))
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level returns the zerolog level for the configured LOG_LEVEL. DEBUG wins
// over LOG_LEVEL; unknown levels fall back to warn.
func (c *Config) Level() zerolog.Level {
	if c.Debug {
		return zerolog.DebugLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.WarnLevel
	}
	return lvl
}

// Validate checks the values the aggregation needs before it starts. Every
// problem is reported as a *ConfigurationError.
func (c *Config) Validate() error {
	if c.DataPath == "" {
		return &ConfigurationError{Key: "DATA_PATH", Reason: "is required"}
	}
	info, err := os.Stat(c.DataPath)
	if err != nil {
		return &ConfigurationError{Key: "DATA_PATH", Reason: "cannot be read", Err: err}
	}
	if !info.IsDir() {
		return &ConfigurationError{Key: "DATA_PATH", Reason: fmt.Sprintf("%s is not a directory", c.DataPath)}
	}

	if c.BinSize <= 0 {
		return &ConfigurationError{Key: "BIN_SIZE", Reason: fmt.Sprintf("must be a positive integer, got %d", c.BinSize)}
	}
	if c.Workers <= 0 {
		return &ConfigurationError{Key: "WORKERS", Reason: fmt.Sprintf("must be a positive integer, got %d", c.Workers)}
	}

	switch c.Layout {
	case LayoutLatest, LayoutWalk:
	default:
		return &ConfigurationError{Key: "LAYOUT", Reason: fmt.Sprintf("must be %q or %q, got %q", LayoutLatest, LayoutWalk, c.Layout)}
	}

	switch c.OutputFormat {
	case FormatJSON, FormatTOML:
	default:
		return &ConfigurationError{Key: "OUTPUT_FORMAT", Reason: fmt.Sprintf("must be %q or %q, got %q", FormatJSON, FormatTOML, c.OutputFormat)}
	}

	if c.ExportDir == "" || strings.ContainsAny(c.ExportDir, `/\`) {
		return &ConfigurationError{Key: "EXPORT_DIR", Reason: "must be a single directory name"}
	}

	// Every run write would wake the watcher and trigger another run.
	if c.Watch && c.SQLitePath != "" && within(c.DataPath, c.SQLitePath) {
		return &ConfigurationError{Key: "SQLITE_PATH", Reason: fmt.Sprintf("must be outside DATA_PATH when WATCH is set, got %s", c.SQLitePath)}
	}

	return nil
}

// within reports whether path lies inside root once both are made absolute.
func within(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
