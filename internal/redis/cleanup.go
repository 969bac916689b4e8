// Package redis implements the queue driver on Redis Streams with consumer groups.
package redis

import (
	"context"
	"fmt"
	"time"
)

// CleanupDeadConsumers removes inactive consumers from the consumer groups of
// every stream this client has read from. Consumers still owning pending
// entries are kept until Dequeue has reclaimed them, since XGROUP DELCONSUMER
// would make those entries unclaimable.
func (c *Client) CleanupDeadConsumers(ctx context.Context, idleTimeout time.Duration) (int, error) {
	now := time.Now()
	totalRemovedCount := 0

	for stream, group := range c.streams() {
		removedCount, err := c.cleanupDeadConsumersForStream(ctx, stream, group, idleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return totalRemovedCount, ctx.Err()
			}
			c.log.Warn("failed to cleanup dead consumers for stream %s: %v", stream, err)
			continue
		}
		totalRemovedCount += removedCount
	}

	if totalRemovedCount > 0 {
		c.log.Info("Cleaned up %d dead consumers at %s", totalRemovedCount, now.Format(time.RFC3339))
	}

	return totalRemovedCount, nil
}

func (c *Client) cleanupDeadConsumersForStream(
	ctx context.Context, stream, group string, idleTimeout time.Duration,
) (int, error) {
	consumers, err := c.rdb.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get consumers info: %w", err)
	}

	var removedCount int

	for _, consumer := range consumers {
		if !isDeadConsumer(consumer.Name, consumer.Idle, consumer.Pending, c.consumer, idleTimeout) {
			c.log.Debug("Consumer %s on stream %s is active (idle for %s)", consumer.Name, stream, consumer.Idle)
			continue
		}

		c.log.Info("Removing dead consumer %s from stream %s (idle for %s)", consumer.Name, stream, consumer.Idle)

		if err := c.rdb.XGroupDelConsumer(ctx, stream, group, consumer.Name).Err(); err != nil {
			c.log.Error("Failed to delete consumer %s from stream %s: %v", consumer.Name, stream, err)
			continue
		}
		removedCount++
	}

	return removedCount, nil
}

// isDeadConsumer reports whether consumer name may be removed; self is never removed
func isDeadConsumer(name string, idle time.Duration, pending int64, self string, idleTimeout time.Duration) bool {
	return name != self && pending == 0 && idle > idleTimeout
}
