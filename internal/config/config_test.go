package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:27017", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Shadow.Enabled)
	assert.Equal(t, "shadow_", cfg.Shadow.DBPrefix)
	assert.Equal(t, 1.0, cfg.Shadow.SampleRate)
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--listen-addr=0.0.0.0:27018", "--log-level=debug"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:27018", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("OXIDEDB_LOG_LEVEL", "warn")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("OXIDEDB_LOG_LEVEL", "warn")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level=error"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoadRejectsUnreadableConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/oxidedb.yaml", nil)
	assert.Error(t, err)
}

func TestShadowTimeout(t *testing.T) {
	s := Shadow{TimeoutMS: 250}
	assert.Equal(t, 250*time.Millisecond, s.Timeout())
}

func TestValidateRejectsEmptyListenAddr(t *testing.T) {
	cfg := &Config{ListenAddr: "", PostgresURL: "x", LogLevel: "info"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyPostgresURL(t *testing.T) {
	cfg := &Config{ListenAddr: "x", PostgresURL: "", LogLevel: "info"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{ListenAddr: "x", PostgresURL: "y", LogLevel: "verbose"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsShadowEnabledWithoutAddr(t *testing.T) {
	cfg := &Config{ListenAddr: "x", PostgresURL: "y", LogLevel: "info"}
	cfg.Shadow.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeSampleRate(t *testing.T) {
	cfg := &Config{ListenAddr: "x", PostgresURL: "y", LogLevel: "info"}
	cfg.Shadow.SampleRate = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{ListenAddr: "x", PostgresURL: "y", LogLevel: "info"}
	cfg.Shadow.SampleRate = 0.5
	assert.NoError(t, cfg.Validate())
}
