package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"labelconsensus/internal/consensus"
	"labelconsensus/internal/service"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		URL  string `yaml:"url"`  // SQLite path or PostgreSQL URL
		Type string `yaml:"type"` // "sqlite" or "postgres"
	} `yaml:"database"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Consensus consensus.Config `yaml:"consensus"`

	Reliability struct {
		service.ReliabilityConfig `yaml:",inline"`
		ScheduleEnabled           bool `yaml:"schedule_enabled"`
		IntervalHours             int  `yaml:"interval_hours"`
	} `yaml:"reliability"`

	Export struct {
		Limit int `yaml:"limit"`
	} `yaml:"export"`
}

// LoadConfig loads configuration from YAML file
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	config.Consensus = consensus.DefaultConfig()
	config.Reliability.ReliabilityConfig = service.DefaultReliabilityConfig()

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	// Set defaults
	if config.Server.Port == "" {
		config.Server.Port = "8003"
	}

	if config.Database.Type == "" {
		config.Database.Type = "sqlite"
	}

	if config.Database.URL == "" {
		config.Database.URL = "./data/labels.db"
	}

	if config.Reliability.IntervalHours == 0 {
		config.Reliability.IntervalHours = 24
	}

	if config.Export.Limit == 0 {
		config.Export.Limit = 50000
	}

	// Environment overrides
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		config.Database.Type = v
	}
	config.Database.URL = os.ExpandEnv(config.Database.URL)
	config.Auth.JWTSecret = os.ExpandEnv(config.Auth.JWTSecret)

	return config, nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Reliability.WindowDays <= 0 || c.Reliability.MinSamples <= 0 || c.Reliability.MaxSamples <= 0 {
		return errors.New("reliability window_days, min_samples and max_samples must be positive")
	}
	if c.Reliability.ScheduleEnabled && c.Reliability.IntervalHours <= 0 {
		return errors.New("reliability.interval_hours must be positive when schedule_enabled is set")
	}
	if err := c.Consensus.Validate(); err != nil {
		return fmt.Errorf("invalid consensus config: %w", err)
	}
	return nil
}

// EnvInt reads a positive integer from the environment, falling back to def.
func EnvInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, v)
	}
	return n, nil
}

// DatabaseFromEnv returns DATABASE_TYPE and DATABASE_URL for the batch
// tools. The type defaults from the URL scheme.
func DatabaseFromEnv() (dbType, url string, err error) {
	url = os.Getenv("DATABASE_URL")
	if url == "" {
		return "", "", errors.New("DATABASE_URL is required")
	}
	dbType = os.Getenv("DATABASE_TYPE")
	if dbType == "" {
		dbType = "sqlite"
		if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
			dbType = "postgres"
		}
	}
	return dbType, url, nil
}
