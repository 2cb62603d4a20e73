/*
Package config loads service settings from config.yaml and the environment.

PURPOSE:
  One place that turns a config file plus RULEHIST_* environment variables
  into the settings the server, the scheduler and the CLI need. Command-line
  flags are applied by the callers on top of what Load returns.

PRECEDENCE (lowest to highest):
  1. Defaults()
  2. config.yaml found in the given directory (optional)
  3. Environment: RULEHIST_<SECTION>_<KEY>, e.g. RULEHIST_ENGINE_FIELD_SCOPE
  4. Flags (cmd/server, cmd/rulehist)

EXAMPLE config.yaml:
  server:
    addr: ":8080"
    cors_origins: ["http://localhost:5173"]
  database:
    path: ./data/rules.db
  engine:
    field_scope: all_versions
    fetch_timeout: 5s
    tracked_fields: ["*"]   # [] tracks no fields, only version changes
  scheduler:
    interval: 1h
  log:
    level: debug
    format: json

SEE ALSO:
  - history/config.go: engine settings this package fills in
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/rule-history/history"
)

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "RULEHIST"

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Engine    history.Config
	Scheduler SchedulerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Addr        string
	CORSOrigins []string
}

type DatabaseConfig struct {
	Path string
}

// SchedulerConfig controls the periodic audit sweep. A zero Interval
// disables it.
type SchedulerConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		},
		Database: DatabaseConfig{Path: "./data/rules.db"},
		Engine:   history.DefaultConfig(),
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads config.yaml from dir (if present) and applies env overrides.
// A missing file is not an error; a malformed one is.
func Load(dir string) (Config, error) {
	d := Defaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("engine.tracked_fields", d.Engine.TrackedFields)
	v.SetDefault("engine.numeric_suffixes", d.Engine.NumericSuffixes)
	v.SetDefault("engine.field_scope", string(d.Engine.FieldScope))
	v.SetDefault("engine.fetch_timeout", d.Engine.FetchTimeout)
	v.SetDefault("engine.parallelism", d.Engine.Parallelism)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	scope, err := history.ParseFieldScope(v.GetString("engine.field_scope"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Addr:        v.GetString("server.addr"),
			CORSOrigins: stringList(v, "server.cors_origins"),
		},
		Database: DatabaseConfig{Path: v.GetString("database.path")},
		Engine: history.Config{
			TrackedFields:   stringList(v, "engine.tracked_fields"),
			NumericSuffixes: stringList(v, "engine.numeric_suffixes"),
			FieldScope:      scope,
			FetchTimeout:    v.GetDuration("engine.fetch_timeout"),
			Parallelism:     v.GetInt("engine.parallelism"),
		},
		Scheduler: SchedulerConfig{Interval: v.GetDuration("scheduler.interval")},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}
	if cfg.Engine.FetchTimeout <= 0 {
		return Config{}, fmt.Errorf("engine.fetch_timeout must be positive, got %s", cfg.Engine.FetchTimeout)
	}
	return cfg, nil
}

// stringList accepts YAML lists as well as comma-separated env values.
// The result is never nil: an explicit empty list stays empty instead of
// falling back to the engine defaults.
func stringList(v *viper.Viper, key string) []string {
	out := []string{}
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// =============================================================================
// LOGGING
// =============================================================================

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.level()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c LogConfig) level() slog.Level {
	switch c.Level {
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
