package config

import "fmt"

// Validate checks configuration constraints. Driver sections are only
// checked for the selected driver; MQTT only when enabled.
func Validate(cfg *Config) error {
	if err := validateConsumer(&cfg.Consumer); err != nil {
		return err
	}
	switch cfg.Consumer.Driver {
	case DriverRedis:
		if err := validateRedis(&cfg.Redis); err != nil {
			return err
		}
	case DriverPostgres:
		if err := validatePostgres(&cfg.Postgres); err != nil {
			return err
		}
	}
	if cfg.MQTT.Enabled {
		return validateMQTT(&cfg.MQTT)
	}
	return nil
}

// validateConsumer validates the consume loop configuration
func validateConsumer(cfg *ConsumerConfig) error {
	if cfg.Queue == "" {
		return fmt.Errorf("consumer queue cannot be empty")
	}
	switch cfg.Driver {
	case DriverRedis, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown consumer driver %q", cfg.Driver)
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("consumer max attempts must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("consumer shutdown timeout must be positive")
	}
	if cfg.MaintenanceInterval <= 0 {
		return fmt.Errorf("consumer maintenance interval must be positive")
	}
	return nil
}

// validateRedis validates Redis configuration
func validateRedis(cfg *RedisConfig) error {
	if cfg.Address == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	if cfg.Consumer == "" {
		return fmt.Errorf("redis consumer name cannot be empty")
	}
	if cfg.BlockTimeout <= 0 {
		return fmt.Errorf("redis block timeout must be positive")
	}
	if cfg.ClaimIdle <= 0 {
		return fmt.Errorf("redis claim idle must be positive")
	}
	if cfg.DeadLetterSuffix == "" {
		return fmt.Errorf("redis dead-letter suffix cannot be empty")
	}
	return nil
}

// validatePostgres validates PostgreSQL configuration
func validatePostgres(cfg *PostgresConfig) error {
	if cfg.URL == "" {
		return fmt.Errorf("postgres url cannot be empty")
	}
	if cfg.MaxConns < 1 {
		return fmt.Errorf("postgres max conns must be positive")
	}
	if cfg.StaleAfter <= 0 {
		return fmt.Errorf("postgres stale-after must be positive")
	}
	if cfg.RetryBaseDelay < 0 {
		return fmt.Errorf("postgres retry base delay cannot be negative")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("postgres retry max delay must not be below the base delay")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("postgres poll interval must be positive")
	}
	return nil
}

// validateMQTT validates MQTT configuration
func validateMQTT(cfg *MQTTConfig) error {
	if cfg.Broker == "" {
		return fmt.Errorf("mqtt broker cannot be empty")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("mqtt client ID cannot be empty")
	}
	if cfg.PoolSize < 1 {
		return fmt.Errorf("mqtt pool size must be positive")
	}
	if cfg.EventTopic == "" {
		return fmt.Errorf("mqtt event topic cannot be empty")
	}
	if cfg.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}
