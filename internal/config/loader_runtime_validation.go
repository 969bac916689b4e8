package config

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// applyRuntimeValidation applies runtime validations and transformations
func applyRuntimeValidation(cfg *Config) error {
	applyConsumerName(cfg)
	return applyTopicPrefix(cfg)
}

// applyConsumerName gives every process a unique Redis consumer name unless one is configured
func applyConsumerName(cfg *Config) {
	if cfg.Redis.Consumer == "" {
		cfg.Redis.Consumer = "consumer-" + uuid.NewString()
	}
}

// applyTopicPrefix prefixes MQTT topics with certificate CN if configured
func applyTopicPrefix(cfg *Config) error {
	if cfg.MQTT.UseCertCNPrefix && cfg.MQTT.ClientCert != "" {
		cn, err := extractCNFromCertFile(cfg.MQTT.ClientCert)
		if err != nil {
			return fmt.Errorf("failed to extract CN from certificate: %w", err)
		}
		cfg.MQTT.EventTopic = cn + "/" + cfg.MQTT.EventTopic
		if cfg.MQTT.ControlTopic != "" {
			cfg.MQTT.ControlTopic = cn + "/" + cfg.MQTT.ControlTopic
		}
	}
	return nil
}

// extractCNFromCertFile extracts the CN from a PEM certificate file
func extractCNFromCertFile(certPath string) (string, error) {
	certPEM, err := os.ReadFile(certPath) // #nosec G304 - certPath is from config, not user input
	if err != nil {
		return "", fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	if cert.Subject.CommonName == "" {
		return "", fmt.Errorf("certificate has no CN")
	}

	return cert.Subject.CommonName, nil
}
