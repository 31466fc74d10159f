// Package config loads OxideDB's process configuration (§6) from
// defaults, an optional config file, environment variables, and
// command-line flags, in that precedence order, low to high.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of knobs §6 names for the server process.
type Config struct {
	ListenAddr string `mapstructure:"listen-addr"`
	PostgresURL string `mapstructure:"postgres-url"`
	LogLevel    string `mapstructure:"log-level"`

	// AuthUsername/AuthPassword are not part of §6's flag list: §1 scopes
	// authentication handshakes out of the core. When both are set the
	// dispatcher answers saslStart/saslContinue against this single
	// configured identity; when either is empty it runs with SASL
	// disabled (c.d.Auth stays nil) rather than accepting any credential.
	AuthUsername string `mapstructure:"auth-username"`
	AuthPassword string `mapstructure:"auth-password"`

	Shadow Shadow `mapstructure:",squash"`
}

// Shadow holds the §4.H shadow-comparison knobs, all prefixed
// "shadow-" on the command line and in the environment.
type Shadow struct {
	Enabled    bool          `mapstructure:"shadow-enabled"`
	Addr       string        `mapstructure:"shadow-addr"`
	DBPrefix   string        `mapstructure:"shadow-db-prefix"`
	TimeoutMS  int           `mapstructure:"shadow-timeout-ms"`
	SampleRate float64       `mapstructure:"shadow-sample-rate"`
}

// Timeout renders TimeoutMS as a time.Duration for callers that want one.
func (s Shadow) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Load builds a Config from defaults, an optional file at configPath (if
// non-empty and present), the OXIDEDB_-prefixed environment, and flags,
// in that order. flags is expected to already have been parsed by the
// caller (cobra parses cmd.Flags() before RunE runs).
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen-addr", "127.0.0.1:27017")
	v.SetDefault("postgres-url", "postgres://localhost:5432/oxidedb?sslmode=disable")
	v.SetDefault("log-level", "info")
	v.SetDefault("shadow-enabled", false)
	v.SetDefault("shadow-addr", "")
	v.SetDefault("shadow-db-prefix", "shadow_")
	v.SetDefault("shadow-timeout-ms", 200)
	v.SetDefault("shadow-sample-rate", 1.0)
	v.SetDefault("auth-username", "")
	v.SetDefault("auth-password", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("OXIDEDB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	cfg.ListenAddr = v.GetString("listen-addr")
	cfg.PostgresURL = v.GetString("postgres-url")
	cfg.LogLevel = v.GetString("log-level")
	cfg.AuthUsername = v.GetString("auth-username")
	cfg.AuthPassword = v.GetString("auth-password")
	cfg.Shadow = Shadow{
		Enabled:    v.GetBool("shadow-enabled"),
		Addr:       v.GetString("shadow-addr"),
		DBPrefix:   v.GetString("shadow-db-prefix"),
		TimeoutMS:  v.GetInt("shadow-timeout-ms"),
		SampleRate: v.GetFloat64("shadow-sample-rate"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a configuration the server cannot start with. Callers
// map a validation failure onto §6's exit code 2.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen-addr must not be empty")
	}
	if c.PostgresURL == "" {
		return fmt.Errorf("postgres-url must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	if c.Shadow.Enabled && c.Shadow.Addr == "" {
		return fmt.Errorf("shadow-addr is required when shadow-enabled is true")
	}
	if c.Shadow.SampleRate < 0 || c.Shadow.SampleRate > 1 {
		return fmt.Errorf("shadow-sample-rate must be between 0 and 1, got %v", c.Shadow.SampleRate)
	}
	return nil
}

// RegisterFlags declares every §6 flag on fs with the defaults Load also
// uses, so `--help` output is accurate even before a Config is built.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("listen-addr", "127.0.0.1:27017", "address to accept MongoDB wire protocol connections on")
	fs.String("postgres-url", "postgres://localhost:5432/oxidedb?sslmode=disable", "PostgreSQL connection URL for the backend")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("auth-username", "", "username SASL/SCRAM authentication accepts (empty disables authentication)")
	fs.String("auth-password", "", "password SASL/SCRAM authentication accepts")
	fs.Bool("shadow-enabled", false, "mirror commands to a shadow reference server for comparison")
	fs.String("shadow-addr", "", "address of the shadow reference server")
	fs.String("shadow-db-prefix", "shadow_", "database name prefix applied to shadow-bound commands")
	fs.Int("shadow-timeout-ms", 200, "timeout in milliseconds for a shadow round trip")
	fs.Float64("shadow-sample-rate", 1.0, "fraction of commands, in [0,1], mirrored to the shadow server")
}
