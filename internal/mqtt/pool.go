package mqtt

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ibs-source/queue-consumer/internal/config"
	"github.com/ibs-source/queue-consumer/internal/log"
)

// Pool spreads publishes over several connections
type Pool struct {
	clients []*Client
	next    atomic.Uint64
	log     *log.Logger
}

// NewPool opens poolSize connections. Client IDs get a hostname, PID and index
// suffix so several consumer processes can share one configuration.
func NewPool(cfg *config.MQTTConfig, poolSize int, logger *log.Logger) (*Pool, error) {
	if poolSize < 1 {
		poolSize = 1
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	baseClientID := fmt.Sprintf("%s-%s-%d", cfg.ClientID, hostname, os.Getpid())

	clients := make([]*Client, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		clientCfg := *cfg
		clientCfg.ClientID = fmt.Sprintf("%s-%d", baseClientID, i)

		client, err := NewClient(&clientCfg, logger)
		if err != nil {
			for _, c := range clients {
				_ = c.Close()
			}
			return nil, fmt.Errorf("failed to create client %d: %w", i, err)
		}
		clients = append(clients, client)
	}

	return newPool(clients, logger), nil
}

func newPool(clients []*Client, logger *log.Logger) *Pool {
	return &Pool{clients: clients, log: logger}
}

// Size returns the number of connections
func (p *Pool) Size() int { return len(p.clients) }

// Publish publishes on the next connection, round-robin
func (p *Pool) Publish(ctx context.Context, topic string, payload []byte) error {
	idx := p.next.Add(1) % uint64(len(p.clients)) // #nosec G115
	return p.clients[idx].Publish(ctx, topic, payload)
}

// Subscribe subscribes on the first connection only so each payload is handled once
func (p *Pool) Subscribe(topic string, handler func([]byte)) error {
	return p.clients[0].Subscribe(topic, handler)
}

// Close closes all connections in the pool
func (p *Pool) Close() error {
	var lastErr error
	for i, client := range p.clients {
		if err := client.Close(); err != nil {
			lastErr = fmt.Errorf("failed to close client %d: %w", i, err)
		}
	}
	return lastErr
}
