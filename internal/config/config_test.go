package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeRDI-Project/harvester-go/pkg/params"
)

func TestLoadAppliesDefaultsWhenPathIsEmpty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "cache/harvester", cfg.Harvester.CacheDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "server:\n  host: \"127.0.0.1\"\n  port: 9090\nharvester:\n  cache_dir: \"/tmp/cache\"\n  force_harvest: true\n  concurrent_harvest: true\nlogging:\n  level: \"debug\"\n  format: \"json\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/cache", cfg.Harvester.CacheDir)
	assert.True(t, cfg.Harvester.ForceHarvest)
	assert.True(t, cfg.Harvester.ConcurrentHarvest)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("GERDI_HARVESTER_BOOTSTRAP_PORT", "1234")
	t.Setenv("GERDI_HARVESTER_BOOTSTRAP_LOGLEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1234, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Port: 70000}, Logging: LoggingConfig{Level: "info", Format: "text"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Port: 8080}, Logging: LoggingConfig{Level: "info", Format: "xml"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Port: 8080}, Logging: LoggingConfig{Level: "noisy", Format: "text"}}
	require.Error(t, cfg.Validate())
}

func TestRegisterParamsSeedsRegistryWithBootstrapValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	registry := params.NewRegistry(nil)
	require.NoError(t, cfg.RegisterParams(registry))

	snapshot := registry.Snapshot()
	composites := make(map[string]string, len(snapshot))
	for _, entry := range snapshot {
		composites[entry.Composite] = entry.Display
	}

	assert.Equal(t, "0.0.0.0", composites["server.host"])
	assert.Equal(t, "8080", composites["server.port"])
	assert.Equal(t, "cache/harvester", composites["harvester.cachedir"])
}

func TestNewLoggerAppliesLevelAndFormat(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug", Format: "json"}}
	log := cfg.NewLogger()
	assert.Equal(t, "debug", log.GetLevel().String())
}
