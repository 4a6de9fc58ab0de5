// Package config loads loan engine settings from defaults, an optional config file and
// LOANENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Server struct {
		Port int
	}
	Database struct {
		Path string
	}
	Redis struct {
		// Addr is empty when score caching is disabled.
		Addr string
		TTL  time.Duration
	}
	Policy struct {
		NPAThresholdDays    int
		MaxEMIToIncomeRatio float64
	}
	Servicing struct {
		// Interval between sweeps that age installments and assess late penalties.
		Interval time.Duration
	}
	Log struct {
		Level       string
		Development bool
	}
}

const envPrefix = "LOANENGINE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "loanengine.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.ttl", "10m")
	v.SetDefault("policy.npa_threshold_days", 90)
	v.SetDefault("policy.max_emi_to_income_ratio", 0.5)
	v.SetDefault("servicing.interval", "24h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the configuration. The file is taken from LOANENGINE_CONFIG when set, otherwise
// loanengine.yaml in the working directory is used if present.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(envPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("loanengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Database.Path = v.GetString("database.path")
	cfg.Redis.Addr = v.GetString("redis.addr")
	cfg.Redis.TTL = v.GetDuration("redis.ttl")
	cfg.Policy.NPAThresholdDays = v.GetInt("policy.npa_threshold_days")
	cfg.Policy.MaxEMIToIncomeRatio = v.GetFloat64("policy.max_emi_to_income_ratio")
	cfg.Servicing.Interval = v.GetDuration("servicing.interval")
	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Development = v.GetBool("log.development")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Policy.NPAThresholdDays <= 0 {
		return fmt.Errorf("npa threshold must be positive, got %d", c.Policy.NPAThresholdDays)
	}
	if c.Policy.MaxEMIToIncomeRatio <= 0 || c.Policy.MaxEMIToIncomeRatio > 1 {
		return fmt.Errorf("max EMI to income ratio must be in (0, 1], got %v", c.Policy.MaxEMIToIncomeRatio)
	}
	if c.Servicing.Interval <= 0 {
		return fmt.Errorf("servicing interval must be positive, got %s", c.Servicing.Interval)
	}
	return nil
}
