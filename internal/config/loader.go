package config

import (
	"flag"
	"fmt"
)

// Load loads configuration with precedence: defaults → environment variables → command line flags
// It performs validation and runtime transformations before returning the configuration.
func Load() (*Config, error) {
	// Parse command line flags if not already parsed
	if !flag.Parsed() {
		flag.Parse()
	}
	return load(commandLine)
}

// LoadArgs is Load with flags parsed from args instead of the process command line
func LoadArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("queue-consumer", flag.ContinueOnError)
	fv := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	return load(fv)
}

func load(fv *flagValues) (*Config, error) {
	// Step 1: Start with defaults
	cfg := defaultConfig()

	// Step 2: Apply environment variables
	loadConsumerFromEnv(&cfg.Consumer)
	loadRedisFromEnv(&cfg.Redis)
	loadPostgresFromEnv(&cfg.Postgres)
	loadMQTTFromEnv(&cfg.MQTT)

	// Step 3: Apply command line flags (highest precedence)
	fv.applyConsumerFlags(&cfg.Consumer)
	fv.applyRedisFlags(&cfg.Redis)
	fv.applyPostgresFlags(&cfg.Postgres)
	fv.applyMQTTFlags(&cfg.MQTT)

	// Step 4: Apply runtime validations and transformations
	if err := applyRuntimeValidation(cfg); err != nil {
		return nil, err
	}

	// Step 5: Validate the final configuration
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
