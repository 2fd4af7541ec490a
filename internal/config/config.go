// Package config implements the Config & Bootstrap layer (C10): loading
// the driver-level YAML file, overlaying environment variables, and
// seeding the parameter registry (C1) with the server and harvester
// values so an operator can see them in the REST /config snapshot next to
// every other parameter. The logging values are not registered.
//
// Grounded on the teacher's internal/config.LoadConfig (file-then-env
// precedence, applyDefaults/applyEnvironmentOverrides, getEnvString/
// getEnvBool helpers) narrowed from the teacher's sprawling Config struct
// (app/server/metrics/files/dispatcher/sinks/...) to the three sections
// SPEC_FULL.md §6 names: server bind address, harvester cache/concurrency
// knobs, and logging.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/GeRDI-Project/harvester-go/pkg/harvesterrors"
	"github.com/GeRDI-Project/harvester-go/pkg/params"
)

// ServerConfig is the REST surface's bind address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// HarvesterConfig is the manager's bootstrap knobs.
type HarvesterConfig struct {
	CacheDir          string `yaml:"cache_dir"`
	ForceHarvest      bool   `yaml:"force_harvest"`
	ConcurrentHarvest bool   `yaml:"concurrent_harvest"`
}

// LoggingConfig selects logrus's level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the bootstrap shape SPEC_FULL.md §6 names: server host/port,
// harvester cache_dir/force_harvest/concurrent_harvest, logging
// level/format.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Harvester HarvesterConfig `yaml:"harvester"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Load reads path (a YAML file matching SPEC_FULL.md §6's shape), applies
// defaults for anything left zero, then overlays a handful of
// GERDI_HARVESTER_BOOTSTRAP_* environment variables — a pre-registry
// override path for values needed before C1 exists yet (the bind address
// and log level/format must be known before a registry can even be
// constructed with a logger). A missing file is not an error: the service
// starts on defaults alone, same as the teacher's configFile == "" branch.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %q: %w", path, err)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Harvester.CacheDir == "" {
		cfg.Harvester.CacheDir = "cache/harvester"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// applyEnvironmentOverrides lets a handful of bootstrap values be set
// before the parameter registry exists to register them under, using the
// same GERDI_HARVESTER_BOOTSTRAP_<KEY> shape as the registry's own
// GERDI_HARVESTER_<CATEGORY>_<KEY> convention so the two overlays read as
// one scheme to an operator.
func applyEnvironmentOverrides(cfg *Config) {
	cfg.Server.Host = getEnvString("GERDI_HARVESTER_BOOTSTRAP_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("GERDI_HARVESTER_BOOTSTRAP_PORT", cfg.Server.Port)
	cfg.Harvester.CacheDir = getEnvString("GERDI_HARVESTER_BOOTSTRAP_CACHEDIR", cfg.Harvester.CacheDir)
	cfg.Harvester.ForceHarvest = getEnvBool("GERDI_HARVESTER_BOOTSTRAP_FORCEHARVEST", cfg.Harvester.ForceHarvest)
	cfg.Harvester.ConcurrentHarvest = getEnvBool("GERDI_HARVESTER_BOOTSTRAP_CONCURRENTHARVEST", cfg.Harvester.ConcurrentHarvest)
	cfg.Logging.Level = getEnvString("GERDI_HARVESTER_BOOTSTRAP_LOGLEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvString("GERDI_HARVESTER_BOOTSTRAP_LOGFORMAT", cfg.Logging.Format)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

var validLogFormats = map[string]bool{"text": true, "json": true}

// Validate rejects a config that would fail at first use rather than at
// startup: an out-of-range port or an unrecognized log format.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &harvesterrors.ConfigError{Key: "server.port", Value: strconv.Itoa(c.Server.Port), Message: "must be between 1 and 65535"}
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return &harvesterrors.ConfigError{Key: "logging.level", Value: c.Logging.Level, Message: err.Error()}
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		return &harvesterrors.ConfigError{Key: "logging.format", Value: c.Logging.Format, Message: "must be \"text\" or \"json\""}
	}
	return nil
}

// NewLogger builds the logrus.Logger the rest of the service shares,
// configured per Logging.Level/Format.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if strings.ToLower(c.Logging.Format) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// RegisterParams seeds the parameter registry (C1) with this bootstrap
// config's values, under the "server"/"harvester" categories, so an
// operator sees them in the read-only REST /config snapshot like any
// pipeline-registered parameter. It must run before
// registry.OverlayFromEnvironment so GERDI_HARVESTER_<CATEGORY>_<KEY>
// still wins over the file/bootstrap-env value that seeded the default.
// Such an override changes the registered parameter only: the driver
// reads its bind address, cache directory and harvest flags from Config.
func (c *Config) RegisterParams(registry *params.Registry) error {
	host, err := params.NewString("server", "host", c.Server.Host)
	if err != nil {
		return err
	}
	params.Register(registry, host)

	port, err := params.NewRangedInt("server", "port", c.Server.Port)
	if err != nil {
		return err
	}
	params.Register(registry, port)

	cacheDir, err := params.NewString("harvester", "cachedir", c.Harvester.CacheDir)
	if err != nil {
		return err
	}
	params.Register(registry, cacheDir)

	forceHarvest, err := params.NewBool("harvester", "forceharvest", c.Harvester.ForceHarvest)
	if err != nil {
		return err
	}
	params.Register(registry, forceHarvest)

	concurrentHarvest, err := params.NewBool("harvester", "concurrentharvest", c.Harvester.ConcurrentHarvest)
	if err != nil {
		return err
	}
	params.Register(registry, concurrentHarvest)

	return nil
}
