package config

import (
	"time"

	"github.com/ibs-source/queue-consumer/internal/retry"
)

// defaultConsumerConfig returns the default consume loop configuration
func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Queue:               "default",
		Driver:              DriverRedis,
		MaxAttempts:         retry.DefaultMaxAttempts,
		Isolated:            false,
		Harness:             "",
		ShutdownTimeout:     30 * time.Second,
		MaintenanceInterval: 1 * time.Minute,
	}
}

// defaultRedisConfig returns the default Redis configuration
func defaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:             "localhost:6379",
		Consumer:            "",
		BlockTimeout:        5 * time.Second,
		ClaimIdle:           30 * time.Second,
		ConsumerIdleTimeout: 5 * time.Minute,
		DeadLetterSuffix:    ":dead",
		DialTimeout:         10 * time.Second,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		PingTimeout:         5 * time.Second,
	}
}

// defaultPostgresConfig returns the default PostgreSQL configuration
func defaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		URL:            "postgres://localhost:5432/queue?sslmode=disable",
		MaxConns:       4,
		StaleAfter:     5 * time.Minute,
		RetryBaseDelay: 1 * time.Second,
		RetryMaxDelay:  5 * time.Minute,
		PollInterval:   1 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// defaultMQTTConfig returns the default MQTT configuration
func defaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Enabled:              false,
		Broker:               "tcp://localhost:1883",
		ClientID:             "queue-consumer",
		EventTopic:           "queue/consumer/events",
		ControlTopic:         "queue/consumer/control",
		QoS:                  0,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         30 * time.Second,
		PoolSize:             2,
		MaxReconnectInterval: 10 * time.Second,
		SubscribeTimeout:     10 * time.Second,
		DisconnectTimeout:    1000,
		TLSEnabled:           false,
		CACert:               "",
		ClientCert:           "",
		ClientKey:            "",
		InsecureSkip:         false,
		UseCertCNPrefix:      false,
	}
}

// defaultConfig returns a complete configuration with all default values
func defaultConfig() *Config {
	return &Config{
		Consumer: defaultConsumerConfig(),
		Redis:    defaultRedisConfig(),
		Postgres: defaultPostgresConfig(),
		MQTT:     defaultMQTTConfig(),
	}
}
