package config

import (
	"os"
	"strconv"
	"time"
)

// loadConsumerFromEnv loads consume loop configuration from environment variables
func loadConsumerFromEnv(cfg *ConsumerConfig) {
	if v := getEnvString("CONSUMER_QUEUE"); v != "" {
		cfg.Queue = v
	}
	if v := getEnvString("CONSUMER_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := getEnvInt("CONSUMER_MAX_ATTEMPTS"); v != 0 {
		cfg.MaxAttempts = v
	}
	if v := getEnvBool("CONSUMER_ISOLATED"); v {
		cfg.Isolated = v
	}
	if v := getEnvString("CONSUMER_HARNESS"); v != "" {
		cfg.Harness = v
	}
	if v := getEnvDuration("CONSUMER_SHUTDOWN_TIMEOUT"); v != 0 {
		cfg.ShutdownTimeout = v
	}
	if v := getEnvDuration("CONSUMER_MAINTENANCE_INTERVAL"); v != 0 {
		cfg.MaintenanceInterval = v
	}
}

// loadRedisFromEnv loads Redis configuration from environment variables
func loadRedisFromEnv(cfg *RedisConfig) {
	loadRedisStrings(cfg)
	loadRedisTimeouts(cfg)
}

func loadRedisStrings(cfg *RedisConfig) {
	if v := getEnvString("REDIS_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := getEnvString("REDIS_CONSUMER"); v != "" {
		cfg.Consumer = v
	}
	if v := getEnvString("REDIS_DEAD_LETTER_SUFFIX"); v != "" {
		cfg.DeadLetterSuffix = v
	}
}

func loadRedisTimeouts(cfg *RedisConfig) {
	if v := getEnvDuration("REDIS_BLOCK_TIMEOUT"); v != 0 {
		cfg.BlockTimeout = v
	}
	if v := getEnvDuration("REDIS_CLAIM_IDLE"); v != 0 {
		cfg.ClaimIdle = v
	}
	if v := getEnvDuration("REDIS_CONSUMER_IDLE_TIMEOUT"); v != 0 {
		cfg.ConsumerIdleTimeout = v
	}
	if v := getEnvDuration("REDIS_DIAL_TIMEOUT"); v != 0 {
		cfg.DialTimeout = v
	}
	if v := getEnvDuration("REDIS_READ_TIMEOUT"); v != 0 {
		cfg.ReadTimeout = v
	}
	if v := getEnvDuration("REDIS_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
	if v := getEnvDuration("REDIS_PING_TIMEOUT"); v != 0 {
		cfg.PingTimeout = v
	}
}

// loadPostgresFromEnv loads PostgreSQL configuration from environment variables
func loadPostgresFromEnv(cfg *PostgresConfig) {
	if v := getEnvString("DATABASE_URL"); v != "" {
		cfg.URL = v
	}
	// POSTGRES_URL wins over the generic DATABASE_URL
	if v := getEnvString("POSTGRES_URL"); v != "" {
		cfg.URL = v
	}
	if v := getEnvInt("POSTGRES_MAX_CONNS"); v != 0 {
		cfg.MaxConns = v
	}
	if v := getEnvDuration("POSTGRES_STALE_AFTER"); v != 0 {
		cfg.StaleAfter = v
	}
	if v := getEnvDuration("POSTGRES_RETRY_BASE_DELAY"); v != 0 {
		cfg.RetryBaseDelay = v
	}
	if v := getEnvDuration("POSTGRES_RETRY_MAX_DELAY"); v != 0 {
		cfg.RetryMaxDelay = v
	}
	if v := getEnvDuration("POSTGRES_POLL_INTERVAL"); v != 0 {
		cfg.PollInterval = v
	}
	if v := getEnvDuration("POSTGRES_CONNECT_TIMEOUT"); v != 0 {
		cfg.ConnectTimeout = v
	}
}

// loadMQTTFromEnv loads MQTT configuration from environment variables
func loadMQTTFromEnv(cfg *MQTTConfig) {
	loadMQTTStrings(cfg)
	loadMQTTInts(cfg)
	loadMQTTTimeouts(cfg)
	loadMQTTTLS(cfg)
	loadMQTTBools(cfg)
}

func loadMQTTStrings(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := getEnvString("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := getEnvString("MQTT_EVENT_TOPIC"); v != "" {
		cfg.EventTopic = v
	}
	if v, ok := os.LookupEnv("MQTT_CONTROL_TOPIC"); ok {
		cfg.ControlTopic = v
	}
}

func loadMQTTInts(cfg *MQTTConfig) {
	if v := getEnvInt("MQTT_QOS"); v != 0 && v >= 0 && v <= 2 {
		cfg.QoS = byte(v) // #nosec G115 - validated range 0-2
	}
	if v := getEnvInt("MQTT_POOL_SIZE"); v != 0 {
		cfg.PoolSize = v
	}
	if v := getEnvInt("MQTT_DISCONNECT_TIMEOUT"); v > 0 {
		cfg.DisconnectTimeout = uint(v) // #nosec G115 - checked positive
	}
}

func loadMQTTTimeouts(cfg *MQTTConfig) {
	if v := getEnvDuration("MQTT_CONNECT_TIMEOUT"); v != 0 {
		cfg.ConnectTimeout = v
	}
	if v := getEnvDuration("MQTT_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
	if v := getEnvDuration("MQTT_MAX_RECONNECT_INTERVAL"); v != 0 {
		cfg.MaxReconnectInterval = v
	}
	if v := getEnvDuration("MQTT_SUBSCRIBE_TIMEOUT"); v != 0 {
		cfg.SubscribeTimeout = v
	}
}

func loadMQTTTLS(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_CA_CERT"); v != "" {
		cfg.CACert = v
	}
	if v := getEnvString("MQTT_CLIENT_CERT"); v != "" {
		cfg.ClientCert = v
	}
	if v := getEnvString("MQTT_CLIENT_KEY"); v != "" {
		cfg.ClientKey = v
	}
}

func loadMQTTBools(cfg *MQTTConfig) {
	if v := getEnvBool("MQTT_ENABLED"); v {
		cfg.Enabled = v
	}
	if v := getEnvBool("MQTT_TLS_ENABLED"); v {
		cfg.TLSEnabled = v
	}
	if v := getEnvBool("MQTT_TLS_INSECURE_SKIP"); v {
		cfg.InsecureSkip = v
	}
	if v := getEnvBool("MQTT_USE_CERT_CN_PREFIX"); v {
		cfg.UseCertCNPrefix = v
	}
}

// Helper functions for reading environment variables

func getEnvString(key string) string {
	return os.Getenv(key)
}

func getEnvInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return intValue
}

func getEnvDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return duration
}

func getEnvBool(key string) bool {
	value := os.Getenv(key)
	return value == "true"
}
