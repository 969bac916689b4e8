// Package config provides configuration loading and validation from environment variables and command line flags.
package config

import "time"

// Supported queue drivers
const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the complete configuration
type Config struct {
	Consumer ConsumerConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	MQTT     MQTTConfig
}

// ConsumerConfig holds the consume loop settings
type ConsumerConfig struct {
	Queue       string
	Driver      string
	MaxAttempts int
	// Isolated runs every handler in a child process
	Isolated bool
	// Harness overrides the child binary; empty re-executes the running binary
	Harness             string
	ShutdownTimeout     time.Duration
	MaintenanceInterval time.Duration
}

// RedisConfig holds Redis Streams driver configuration
type RedisConfig struct {
	Address             string
	Consumer            string // Empty means a generated consumer-<uuid> name
	BlockTimeout        time.Duration
	ClaimIdle           time.Duration
	ConsumerIdleTimeout time.Duration
	DeadLetterSuffix    string
	DialTimeout         time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	PingTimeout         time.Duration
}

// PostgresConfig holds PostgreSQL driver configuration
type PostgresConfig struct {
	URL            string
	MaxConns       int
	StaleAfter     time.Duration // Running jobs older than this are handed back to the queue
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration // Wait on an empty queue before reporting no message
	ConnectTimeout time.Duration
}

// MQTTConfig holds MQTT client configuration
type MQTTConfig struct {
	Enabled              bool
	Broker               string
	ClientID             string
	EventTopic           string
	ControlTopic         string // Empty disables remote control
	QoS                  byte
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
	PoolSize             int // Number of connections used for event publishing
	MaxReconnectInterval time.Duration
	SubscribeTimeout     time.Duration
	DisconnectTimeout    uint // Milliseconds for graceful disconnect
	// TLS Configuration
	TLSEnabled      bool
	CACert          string
	ClientCert      string
	ClientKey       string
	InsecureSkip    bool
	UseCertCNPrefix bool // If true, prefix topics with cert CN for ACL constraints
}
