package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the CLI configuration. Values come from flags, TRACTION_*
// environment variables and an optional YAML file, in that precedence.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Catalog string `mapstructure:"catalog"`
	HTTP    struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"redis"`
	Metrics struct {
		Backend string `mapstructure:"backend"`
	} `mapstructure:"metrics"`
	Archive bool `mapstructure:"archive"`
}

// ValidLogFormats lists the accepted --log-format values.
var ValidLogFormats = []string{"text", "json"}

// ValidMetricsBackends lists the accepted metrics.backend values.
var ValidMetricsBackends = []string{"prometheus", "expvar"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("catalog", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 30*time.Second)
	v.SetDefault("metrics.backend", "prometheus")
	v.SetDefault("archive", false)
}

func loadConfig(v *viper.Viper) (*Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if !oneOf(ValidLogFormats, cfg.Log.Format) {
		return nil, fmt.Errorf("invalid log format %q: must be one of %v", cfg.Log.Format, ValidLogFormats)
	}
	if !oneOf(ValidMetricsBackends, cfg.Metrics.Backend) {
		return nil, fmt.Errorf("invalid metrics backend %q: must be one of %v", cfg.Metrics.Backend, ValidMetricsBackends)
	}
	return &cfg, nil
}

type app struct {
	v   *viper.Viper
	cfg *Config
}

func (a *app) logger(w io.Writer) *slog.Logger {
	return newLogger(w, a.cfg.Log.Level, a.cfg.Log.Format)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TRACTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCommand() *cobra.Command {
	a := &app{v: newViper()}

	cmd := &cobra.Command{
		Use:   "traction",
		Short: "Sequencing run construction engine",
		Long: `Normalizes, validates, reconciles and commits sequencing run submissions
against per-instrument rule sets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	flags.String("log-format", "text", "log format (text|json)")
	flags.String("catalog", "", "instrument catalogue: file path or blob://key (default embedded)")
	_ = a.v.BindPFlag("config", flags.Lookup("config"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = a.v.BindPFlag("catalog", flags.Lookup("catalog"))

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newSubmitCommand(a, false))
	cmd.AddCommand(newSubmitCommand(a, true))
	cmd.AddCommand(newInstrumentsCommand(a))
	return cmd
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := parseLevel(level)
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func oneOf(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
