package config

import (
	"flag"
	"time"
)

// flagValues holds command line overrides (they have precedence over environment variables).
// Zero values mean "not set"; bool flags are only applied when given explicitly.
type flagValues struct {
	fs *flag.FlagSet

	// Consumer flags
	consumerQueue       *string
	consumerDriver      *string
	consumerMaxAttempts *int
	consumerIsolated    *bool
	consumerHarness     *string
	consumerShutdown    *time.Duration
	consumerMaintenance *time.Duration

	// Redis flags
	redisAddress      *string
	redisConsumer     *string
	redisDeadLetter   *string
	redisBlockTimeout *time.Duration
	redisClaimIdle    *time.Duration
	redisConsumerIdle *time.Duration
	redisDialTimeout  *time.Duration
	redisReadTimeout  *time.Duration
	redisWriteTimeout *time.Duration
	redisPingTimeout  *time.Duration

	// Postgres flags
	postgresURL            *string
	postgresMaxConns       *int
	postgresStaleAfter     *time.Duration
	postgresRetryBase      *time.Duration
	postgresRetryMax       *time.Duration
	postgresPollInterval   *time.Duration
	postgresConnectTimeout *time.Duration

	// MQTT flags
	mqttEnabled           *bool
	mqttBroker            *string
	mqttClientID          *string
	mqttEventTopic        *string
	mqttControlTopic      *string
	mqttQoS               *int
	mqttConnectTimeout    *time.Duration
	mqttWriteTimeout      *time.Duration
	mqttPoolSize          *int
	mqttMaxReconnect      *time.Duration
	mqttSubscribeTimeout  *time.Duration
	mqttDisconnectTimeout *int
	mqttTLSEnabled        *bool
	mqttCACert            *string
	mqttClientCert        *string
	mqttClientKey         *string
	mqttTLSInsecureSkip   *bool
	// Prefix topics with client cert CN (for ACL constraints)
	mqttUseCertCNPrefix *bool
}

// commandLine holds the flags registered on the process-wide flag set
var commandLine = registerFlags(flag.CommandLine)

// registerFlags defines every configuration flag on fs
func registerFlags(fs *flag.FlagSet) *flagValues {
	return &flagValues{
		fs: fs,

		consumerQueue:       fs.String("consumer-queue", "", "Queue to consume"),
		consumerDriver:      fs.String("consumer-driver", "", "Queue driver (redis, postgres or memory)"),
		consumerMaxAttempts: fs.Int("consumer-max-attempts", 0, "Failed deliveries before a message is failed permanently"),
		consumerIsolated:    fs.Bool("consumer-isolated", false, "Run every handler in a child process"),
		consumerHarness:     fs.String("consumer-harness", "", "Child process binary (default: this binary)"),
		consumerShutdown:    fs.Duration("consumer-shutdown-timeout", 0, "Graceful shutdown timeout"),
		consumerMaintenance: fs.Duration("consumer-maintenance-interval", 0, "Lease recovery and cleanup interval"),

		redisAddress:      fs.String("redis-address", "", "Redis address"),
		redisConsumer:     fs.String("redis-consumer", "", "Redis consumer name (empty for a generated name)"),
		redisDeadLetter:   fs.String("redis-dead-letter-suffix", "", "Suffix of the dead-letter stream"),
		redisBlockTimeout: fs.Duration("redis-block-timeout", 0, "Redis block timeout"),
		redisClaimIdle:    fs.Duration("redis-claim-idle", 0, "Redis claim idle time"),
		redisConsumerIdle: fs.Duration("redis-consumer-idle-timeout", 0, "Redis consumer idle timeout"),
		redisDialTimeout:  fs.Duration("redis-dial-timeout", 0, "Redis dial timeout"),
		redisReadTimeout:  fs.Duration("redis-read-timeout", 0, "Redis read timeout"),
		redisWriteTimeout: fs.Duration("redis-write-timeout", 0, "Redis write timeout"),
		redisPingTimeout:  fs.Duration("redis-ping-timeout", 0, "Redis ping timeout"),

		postgresURL:            fs.String("postgres-url", "", "PostgreSQL connection URL"),
		postgresMaxConns:       fs.Int("postgres-max-conns", 0, "PostgreSQL pool size"),
		postgresStaleAfter:     fs.Duration("postgres-stale-after", 0, "Age after which running jobs are recovered"),
		postgresRetryBase:      fs.Duration("postgres-retry-base-delay", 0, "First retry delay"),
		postgresRetryMax:       fs.Duration("postgres-retry-max-delay", 0, "Retry delay ceiling"),
		postgresPollInterval:   fs.Duration("postgres-poll-interval", 0, "Wait on an empty queue"),
		postgresConnectTimeout: fs.Duration("postgres-connect-timeout", 0, "PostgreSQL connect timeout"),

		mqttEnabled:           fs.Bool("mqtt-enabled", false, "Publish outcome events and accept control commands over MQTT"),
		mqttBroker:            fs.String("mqtt-broker", "", "MQTT broker URL"),
		mqttClientID:          fs.String("mqtt-client-id", "", "MQTT client ID"),
		mqttEventTopic:        fs.String("mqtt-event-topic", "", "MQTT outcome event topic"),
		mqttControlTopic:      fs.String("mqtt-control-topic", "", "MQTT control topic"),
		mqttQoS:               fs.Int("mqtt-qos", -1, "MQTT QoS (0, 1, or 2)"),
		mqttConnectTimeout:    fs.Duration("mqtt-connect-timeout", 0, "MQTT connect timeout"),
		mqttWriteTimeout:      fs.Duration("mqtt-write-timeout", 0, "MQTT write timeout"),
		mqttPoolSize:          fs.Int("mqtt-pool-size", 0, "MQTT connection pool size"),
		mqttMaxReconnect:      fs.Duration("mqtt-max-reconnect-interval", 0, "MQTT max reconnect interval"),
		mqttSubscribeTimeout:  fs.Duration("mqtt-subscribe-timeout", 0, "MQTT subscribe timeout"),
		mqttDisconnectTimeout: fs.Int("mqtt-disconnect-timeout", 0, "MQTT disconnect timeout (ms)"),
		mqttTLSEnabled:        fs.Bool("mqtt-tls-enabled", false, "Enable MQTT TLS"),
		mqttCACert:            fs.String("mqtt-ca-cert", "", "MQTT CA certificate path"),
		mqttClientCert:        fs.String("mqtt-client-cert", "", "MQTT client certificate path"),
		mqttClientKey:         fs.String("mqtt-client-key", "", "MQTT client key path"),
		mqttTLSInsecureSkip:   fs.Bool("mqtt-tls-insecure-skip", false, "Skip MQTT TLS verification"),
		mqttUseCertCNPrefix:   fs.Bool("mqtt-use-cert-cn-prefix", false, "Prefix topics with client cert CN"),
	}
}

// applyConsumerFlags applies command line flags to the consume loop configuration
func (f *flagValues) applyConsumerFlags(cfg *ConsumerConfig) {
	if *f.consumerQueue != "" {
		cfg.Queue = *f.consumerQueue
	}
	if *f.consumerDriver != "" {
		cfg.Driver = *f.consumerDriver
	}
	if *f.consumerMaxAttempts != 0 {
		cfg.MaxAttempts = *f.consumerMaxAttempts
	}
	if f.isSet("consumer-isolated") {
		cfg.Isolated = *f.consumerIsolated
	}
	if *f.consumerHarness != "" {
		cfg.Harness = *f.consumerHarness
	}
	if *f.consumerShutdown != 0 {
		cfg.ShutdownTimeout = *f.consumerShutdown
	}
	if *f.consumerMaintenance != 0 {
		cfg.MaintenanceInterval = *f.consumerMaintenance
	}
}

// applyRedisFlags applies command line flags to Redis configuration
func (f *flagValues) applyRedisFlags(cfg *RedisConfig) {
	f.applyRedisFlagStrings(cfg)
	f.applyRedisFlagTimeouts(cfg)
}

func (f *flagValues) applyRedisFlagStrings(cfg *RedisConfig) {
	if *f.redisAddress != "" {
		cfg.Address = *f.redisAddress
	}
	if *f.redisConsumer != "" {
		cfg.Consumer = *f.redisConsumer
	}
	if *f.redisDeadLetter != "" {
		cfg.DeadLetterSuffix = *f.redisDeadLetter
	}
}

func (f *flagValues) applyRedisFlagTimeouts(cfg *RedisConfig) {
	if *f.redisBlockTimeout != 0 {
		cfg.BlockTimeout = *f.redisBlockTimeout
	}
	if *f.redisClaimIdle != 0 {
		cfg.ClaimIdle = *f.redisClaimIdle
	}
	if *f.redisConsumerIdle != 0 {
		cfg.ConsumerIdleTimeout = *f.redisConsumerIdle
	}
	if *f.redisDialTimeout != 0 {
		cfg.DialTimeout = *f.redisDialTimeout
	}
	if *f.redisReadTimeout != 0 {
		cfg.ReadTimeout = *f.redisReadTimeout
	}
	if *f.redisWriteTimeout != 0 {
		cfg.WriteTimeout = *f.redisWriteTimeout
	}
	if *f.redisPingTimeout != 0 {
		cfg.PingTimeout = *f.redisPingTimeout
	}
}

// applyPostgresFlags applies command line flags to PostgreSQL configuration
func (f *flagValues) applyPostgresFlags(cfg *PostgresConfig) {
	if *f.postgresURL != "" {
		cfg.URL = *f.postgresURL
	}
	if *f.postgresMaxConns != 0 {
		cfg.MaxConns = *f.postgresMaxConns
	}
	if *f.postgresStaleAfter != 0 {
		cfg.StaleAfter = *f.postgresStaleAfter
	}
	if *f.postgresRetryBase != 0 {
		cfg.RetryBaseDelay = *f.postgresRetryBase
	}
	if *f.postgresRetryMax != 0 {
		cfg.RetryMaxDelay = *f.postgresRetryMax
	}
	if *f.postgresPollInterval != 0 {
		cfg.PollInterval = *f.postgresPollInterval
	}
	if *f.postgresConnectTimeout != 0 {
		cfg.ConnectTimeout = *f.postgresConnectTimeout
	}
}

// applyMQTTFlags applies command line flags to MQTT configuration
func (f *flagValues) applyMQTTFlags(cfg *MQTTConfig) {
	f.applyMQTTFlagStrings(cfg)
	f.applyMQTTFlagInts(cfg)
	f.applyMQTTFlagTimeouts(cfg)
	f.applyMQTTFlagTLS(cfg)
	f.applyMQTTFlagBools(cfg)
}

func (f *flagValues) applyMQTTFlagStrings(cfg *MQTTConfig) {
	if *f.mqttBroker != "" {
		cfg.Broker = *f.mqttBroker
	}
	if *f.mqttClientID != "" {
		cfg.ClientID = *f.mqttClientID
	}
	if *f.mqttEventTopic != "" {
		cfg.EventTopic = *f.mqttEventTopic
	}
	if f.isSet("mqtt-control-topic") {
		cfg.ControlTopic = *f.mqttControlTopic
	}
}

func (f *flagValues) applyMQTTFlagInts(cfg *MQTTConfig) {
	if *f.mqttQoS != -1 && *f.mqttQoS >= 0 && *f.mqttQoS <= 2 {
		cfg.QoS = byte(*f.mqttQoS) // #nosec G115 - validated range 0-2
	}
	if *f.mqttPoolSize != 0 {
		cfg.PoolSize = *f.mqttPoolSize
	}
	if *f.mqttDisconnectTimeout > 0 {
		cfg.DisconnectTimeout = uint(*f.mqttDisconnectTimeout) // #nosec G115 - checked positive
	}
}

func (f *flagValues) applyMQTTFlagTimeouts(cfg *MQTTConfig) {
	if *f.mqttConnectTimeout != 0 {
		cfg.ConnectTimeout = *f.mqttConnectTimeout
	}
	if *f.mqttWriteTimeout != 0 {
		cfg.WriteTimeout = *f.mqttWriteTimeout
	}
	if *f.mqttMaxReconnect != 0 {
		cfg.MaxReconnectInterval = *f.mqttMaxReconnect
	}
	if *f.mqttSubscribeTimeout != 0 {
		cfg.SubscribeTimeout = *f.mqttSubscribeTimeout
	}
}

func (f *flagValues) applyMQTTFlagTLS(cfg *MQTTConfig) {
	if *f.mqttCACert != "" {
		cfg.CACert = *f.mqttCACert
	}
	if *f.mqttClientCert != "" {
		cfg.ClientCert = *f.mqttClientCert
	}
	if *f.mqttClientKey != "" {
		cfg.ClientKey = *f.mqttClientKey
	}
}

func (f *flagValues) applyMQTTFlagBools(cfg *MQTTConfig) {
	// Handle bool flags - check if explicitly set
	if f.isSet("mqtt-enabled") {
		cfg.Enabled = *f.mqttEnabled
	}
	if f.isSet("mqtt-tls-enabled") {
		cfg.TLSEnabled = *f.mqttTLSEnabled
	}
	if f.isSet("mqtt-tls-insecure-skip") {
		cfg.InsecureSkip = *f.mqttTLSInsecureSkip
	}
	if f.isSet("mqtt-use-cert-cn-prefix") {
		cfg.UseCertCNPrefix = *f.mqttUseCertCNPrefix
	}
}

// isSet checks if a flag was explicitly set on the command line
func (f *flagValues) isSet(name string) bool {
	found := false
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}
