// Package mqtt publishes consumer outcome events and receives remote control
// commands over MQTT.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ibs-source/queue-consumer/internal/config"
	"github.com/ibs-source/queue-consumer/internal/log"
)

// ErrPublishTimeout is returned when the broker does not confirm a publish within the write timeout
var ErrPublishTimeout = errors.New("mqtt publish timeout")

// Client is a single MQTT connection
type Client struct {
	client            mqtt.Client
	qos               byte
	writeTimeout      time.Duration
	subscribeTimeout  time.Duration
	disconnectTimeout uint
	mu                sync.RWMutex
	handlers          map[string]func([]byte)
	log               *log.Logger
}

// NewClient connects to the broker and waits up to the connect timeout
func NewClient(cfg *config.MQTTConfig, logger *log.Logger) (*Client, error) {
	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return newClient(client, cfg, logger), nil
}

func newClient(client mqtt.Client, cfg *config.MQTTConfig, logger *log.Logger) *Client {
	return &Client{
		client:            client,
		qos:               cfg.QoS,
		writeTimeout:      cfg.WriteTimeout,
		subscribeTimeout:  cfg.SubscribeTimeout,
		disconnectTimeout: cfg.DisconnectTimeout,
		handlers:          make(map[string]func([]byte)),
		log:               logger,
	}
}

// clientOptions maps cfg onto paho options. Events are small and infrequent,
// so the default message channel depth is kept.
func clientOptions(cfg *config.MQTTConfig, logger *log.Logger) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetWriteTimeout(cfg.WriteTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.MaxReconnectInterval).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetResumeSubs(true).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT connected to %s as %s", cfg.Broker, cfg.ClientID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection to %s lost: %v", cfg.Broker, err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting to %s", cfg.Broker)
	})

	if !cfg.TLSEnabled {
		return opts, nil
	}
	tlsConfig, err := newTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	return opts.SetTLSConfig(tlsConfig), nil
}

// newTLSConfig builds the broker TLS settings. A client certificate is only
// loaded when both the certificate and the key are configured.
func newTLSConfig(cfg *config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkip, // #nosec G402 - configurable for testing environments
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.CACert != "" {
		roots, err := loadRootCAs(cfg.CACert)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = roots
	}

	if cfg.ClientCert == "" || cfg.ClientKey == "" {
		return tlsConfig, nil
	}
	pair, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key pair %s: %w", cfg.ClientCert, err)
	}
	tlsConfig.Certificates = []tls.Certificate{pair}
	return tlsConfig, nil
}

func loadRootCAs(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no PEM certificates found in %s", path)
	}
	return roots, nil
}

// Publish sends payload to topic and waits for the broker up to the write timeout
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.qos, false, payload)

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPublishTimeout
	}
}

// Subscribe registers handler for payloads received on topic
func (c *Client) Subscribe(topic string, handler func([]byte)) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		c.dispatch(topic, msg.Payload())
	})

	if !token.WaitTimeout(c.subscribeTimeout) {
		return fmt.Errorf("mqtt subscription to %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	c.log.Info("Subscribed to MQTT topic %s", topic)
	return nil
}

// dispatch hands payload to the handler registered for topic
func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.RLock()
	handler := c.handlers[topic]
	c.mu.RUnlock()

	if handler == nil {
		return
	}
	handler(payload)
}

// Close disconnects from the MQTT broker
func (c *Client) Close() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(c.disconnectTimeout)
	}
	return nil
}
