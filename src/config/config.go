package config

import (
	"fmt"
	"os"

	"marathon-engine/src/models"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new MConfig instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	// 2. Unmarshal data into the models struct
	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.applyDefaults()

	// 3. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// applyDefaults fills optional tuning knobs that were left unset.
func (c *Config) applyDefaults() {
	if c.Broker.Stream == "" {
		c.Broker.Stream = "MARATHON_TELEMETRY"
	}
	if c.Broker.Subject == "" {
		c.Broker.Subject = "marathon.accounts.>"
	}
	if c.Broker.Consumer == "" {
		c.Broker.Consumer = "marathon-engine"
	}
	if c.Broker.MessageTTLSeconds <= 0 {
		c.Broker.MessageTTLSeconds = 300
	}
	if c.Broker.MaxMessages <= 0 {
		c.Broker.MaxMessages = 100000
	}
	if c.Broker.BackoffBaseSeconds <= 0 {
		c.Broker.BackoffBaseSeconds = 1
	}
	if c.Broker.BackoffCapSeconds <= 0 {
		c.Broker.BackoffCapSeconds = 30
	}
	if c.Cache.SnapshotTTLSeconds <= 0 {
		c.Cache.SnapshotTTLSeconds = 120
	}
	if c.Cache.EvictionIntervalSeconds <= 0 {
		c.Cache.EvictionIntervalSeconds = 60
	}
	if c.Cache.EquityCurvePoints <= 0 {
		c.Cache.EquityCurvePoints = 120
	}
	if c.Hub.BatchWindowMS <= 0 {
		c.Hub.BatchWindowMS = 200
	}
	if c.Hub.AnalysisCacheTTLSeconds <= 0 {
		c.Hub.AnalysisCacheTTLSeconds = 3
	}
	if c.Hub.ClientSendBuffer <= 0 {
		c.Hub.ClientSendBuffer = 256
	}
	if c.Rules.CheckIntervalSeconds <= 0 {
		c.Rules.CheckIntervalSeconds = 300
	}
	if c.Recorder.SampleIntervalSeconds <= 0 {
		c.Recorder.SampleIntervalSeconds = 60
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	// Validate App configuration (Flattened)
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Validate Server configuration (Flattened)
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}

	// Validate Storage configuration
	if c.Storage.DBConnectionString == "" {
		return fmt.Errorf("database connection string cannot be empty")
	}

	// Validate Broker configuration
	if c.Broker.URL == "" {
		return fmt.Errorf("broker url cannot be empty")
	}
	if c.Broker.BackoffCapSeconds < c.Broker.BackoffBaseSeconds {
		return fmt.Errorf("broker backoff cap (%ds) must not be below the base (%ds)",
			c.Broker.BackoffCapSeconds, c.Broker.BackoffBaseSeconds)
	}

	// Validate Cache configuration
	if c.Cache.SnapshotTTLSeconds < c.Cache.EvictionIntervalSeconds {
		return fmt.Errorf("snapshot ttl (%ds) must not be below the eviction interval (%ds)",
			c.Cache.SnapshotTTLSeconds, c.Cache.EvictionIntervalSeconds)
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	// 1. Marshal the struct to YAML
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 2. Write to file (0644 permissions)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
