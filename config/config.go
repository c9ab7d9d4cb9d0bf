/*
config.go - Server configuration

PURPOSE:
  Collects everything the server needs to start: listen port, database path,
  CORS origins, production policy limits and the calibration monitor.

SOURCES (later wins):
  1. Built-in defaults
  2. YAML file (optional, -config flag)
  3. .env file in the working directory (optional)
  4. PRODUCTION_* environment variables
  5. Command-line flags (applied by cmd/server)

ENVIRONMENT:
  PRODUCTION_PORT                    HTTP port
  PRODUCTION_DB                      SQLite path, ":memory:" for in-memory
  PRODUCTION_CORS_ORIGINS            Comma-separated origins
  PRODUCTION_MASS_BALANCE_TOLERANCE  Fraction, e.g. 0.05
  PRODUCTION_CALIBRATION_MAX_DAYS    Days before a calibration expires
  PRODUCTION_CLEANING_WINDOW         Duration, e.g. 24h
  PRODUCTION_MONITOR_ENABLED         true/false
  PRODUCTION_MONITOR_INTERVAL        Duration, e.g. 1h

EXAMPLE (production.yaml):
  server:
    port: 8080
  database:
    path: ./data/production.db
  policy:
    mass_balance_tolerance: 0.05
    calibration_max_days: 30
    cleaning_window: 24h
  monitor:
    interval: 30m

SEE ALSO:
  - cmd/server/main.go: Flag overrides and wiring
  - production/policies.go: Policy
*/
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PRODUCTION_"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Policy   PolicyConfig   `yaml:"policy"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PolicyConfig mirrors production.Policy. Zero values take the defaults,
// except mass_balance_tolerance where 0 is a valid strict setting.
type PolicyConfig struct {
	MassBalanceTolerance *float64      `yaml:"mass_balance_tolerance"`
	CalibrationMaxDays   int           `yaml:"calibration_max_days"`
	CleaningWindow       time.Duration `yaml:"cleaning_window"`
}

type MonitorConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxDays  int           `yaml:"max_days"` // 0 = policy calibration_max_days
}

// Load builds the configuration. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Config] Failed to load .env: %v", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	lookup := func(name string) (string, bool) {
		v, ok := os.LookupEnv(envPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	fail := func(name string, err error) {
		errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
	}

	if v, ok := lookup("PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail("PORT", err)
		}
		c.Server.Port = n
	}
	if v, ok := lookup("DB"); ok {
		c.Database.Path = v
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		c.Server.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, origin)
			}
		}
	}
	if v, ok := lookup("MASS_BALANCE_TOLERANCE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fail("MASS_BALANCE_TOLERANCE", err)
		}
		c.Policy.MassBalanceTolerance = &f
	}
	if v, ok := lookup("CALIBRATION_MAX_DAYS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail("CALIBRATION_MAX_DAYS", err)
		}
		c.Policy.CalibrationMaxDays = n
	}
	if v, ok := lookup("CLEANING_WINDOW"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			fail("CLEANING_WINDOW", err)
		}
		c.Policy.CleaningWindow = d
	}
	if v, ok := lookup("MONITOR_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fail("MONITOR_ENABLED", err)
		}
		c.Monitor.Enabled = &b
	}
	if v, ok := lookup("MONITOR_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			fail("MONITOR_INTERVAL", err)
		}
		c.Monitor.Interval = d
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Path == "" {
		c.Database.Path = "production.db"
	}
	if c.Policy.MassBalanceTolerance == nil {
		tolerance := production.DefaultMassBalanceTolerance.InexactFloat64()
		c.Policy.MassBalanceTolerance = &tolerance
	}
	if c.Policy.CalibrationMaxDays == 0 {
		c.Policy.CalibrationMaxDays = production.DefaultCalibrationMaxDays
	}
	if c.Policy.CleaningWindow == 0 {
		c.Policy.CleaningWindow = production.DefaultCleaningWindow
	}
	if c.Monitor.Enabled == nil {
		enabled := true
		c.Monitor.Enabled = &enabled
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = time.Hour
	}
}

// Validate checks ranges after defaults are applied.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 1-65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Policy.CalibrationMaxDays < 0 {
		return fmt.Errorf("policy.calibration_max_days must not be negative, got %d", c.Policy.CalibrationMaxDays)
	}
	if c.Policy.CleaningWindow < 0 {
		return fmt.Errorf("policy.cleaning_window must not be negative, got %s", c.Policy.CleaningWindow)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Monitor.MaxDays < 0 {
		return fmt.Errorf("monitor.max_days must not be negative, got %d", c.Monitor.MaxDays)
	}
	if err := c.ProductionPolicy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

// ProductionPolicy converts the policy section for production.NewFactory.
func (c *Config) ProductionPolicy() production.Policy {
	policy := production.Policy{
		CalibrationMaxDays: c.Policy.CalibrationMaxDays,
		CleaningWindow:     c.Policy.CleaningWindow,
	}
	if c.Policy.MassBalanceTolerance != nil {
		policy.MassBalanceTolerance = generic.DecimalPtr(decimal.NewFromFloat(*c.Policy.MassBalanceTolerance))
	}
	return policy.WithDefaults()
}

// MonitorEnabled reports the monitor switch, true when unset.
func (c *Config) MonitorEnabled() bool {
	return c.Monitor.Enabled == nil || *c.Monitor.Enabled
}
