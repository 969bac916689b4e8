package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ibs-source/queue-consumer/internal/config"
	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/internal/queueerr"
	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
	"github.com/sirupsen/logrus"
)

// ErrForeignEnvelope is returned for envelopes produced by another driver
var ErrForeignEnvelope = errors.New("envelope not produced by redis driver")

// Client is a queue driver on top of Redis Streams.
// Queue q is stream q read through consumer group group-q; failed entries
// move to stream q+DeadLetterSuffix.
type Client struct {
	rdb          *redis.Client
	consumer     string
	blockTimeout time.Duration
	claimIdle    time.Duration
	deadSuffix   string
	log          *log.Logger

	mu        sync.Mutex
	groups    map[string]string    // stream -> group, for streams with an ensured group
	lastClaim map[string]time.Time // stream -> last time the pending list came back empty
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig, logger *log.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// Explicitly disable maintenance notifications
		// This prevents the client from sending extra commands to Redis
		// which can add unnecessary load.
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis at %s as consumer %s", cfg.Address, cfg.Consumer)
	return newClient(rdb, cfg, logger), nil
}

func newClient(rdb *redis.Client, cfg *config.RedisConfig, logger *log.Logger) *Client {
	return &Client{
		rdb:          rdb,
		consumer:     cfg.Consumer,
		blockTimeout: cfg.BlockTimeout,
		claimIdle:    cfg.ClaimIdle,
		deadSuffix:   cfg.DeadLetterSuffix,
		log:          logger,
		groups:       make(map[string]string),
		lastClaim:    make(map[string]time.Time),
	}
}

// groupName returns the consumer group used for stream
func groupName(stream string) string {
	return "group-" + stream
}

// DeadLetterStream returns the stream that receives failed entries of queue
func (c *Client) DeadLetterStream(queue string) string {
	return queue + c.deadSuffix
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// ensureGroup creates the consumer group of stream once per process
func (c *Client) ensureGroup(ctx context.Context, stream string) (string, error) {
	c.mu.Lock()
	group, ok := c.groups[stream]
	c.mu.Unlock()
	if ok {
		return group, nil
	}

	group = groupName(stream)
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	switch {
	case isBusyGroup(err):
		c.log.Info("Consumer group '%s' already exists for stream '%s', joining existing group", group, stream)
	case err != nil:
		return "", fmt.Errorf("failed to create consumer group for stream %s: %w", stream, err)
	default:
		c.log.Info("Created consumer group '%s' for stream '%s'", group, stream)
	}

	c.mu.Lock()
	c.groups[stream] = group
	c.mu.Unlock()
	return group, nil
}

// streams returns the streams with an ensured group
func (c *Client) streams() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.groups))
	for s, g := range c.groups {
		out[s] = g
	}
	return out
}

// claimDue reports whether the pending list of stream should be checked for expired leases
func (c *Client) claimDue(stream string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastClaim[stream]) >= c.claimIdle
}

func (c *Client) markClaimed(stream string, now time.Time) {
	c.mu.Lock()
	c.lastClaim[stream] = now
	c.mu.Unlock()
}

// Dequeue implements the consumer Driver. It first reclaims one entry whose
// lease expired on another consumer, then reads one new entry, blocking up to
// the configured block timeout.
func (c *Client) Dequeue(ctx context.Context, queue string) (message.Envelope, error) {
	group, err := c.ensureGroup(ctx, queue)
	if err != nil {
		return nil, queueerr.NewDriverError("xgroup create", err)
	}

	if now := time.Now(); c.claimDue(queue, now) {
		env, err := c.claimOne(ctx, queue, group)
		if err != nil {
			return nil, queueerr.NewDriverError("xclaim", err)
		}
		if env != nil {
			return env, nil
		}
		c.markClaimed(queue, now)
	}

	result, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: c.consumer,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    c.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No messages available
			return nil, nil
		}
		return nil, queueerr.NewDriverError("xreadgroup", err)
	}

	for _, stream := range result {
		for _, xmsg := range stream.Messages {
			if env := c.accept(ctx, queue, group, xmsg); env != nil {
				return env, nil
			}
		}
	}
	return nil, nil
}

// claimOne takes over the oldest pending entry idle for longer than claimIdle
func (c *Client) claimOne(ctx context.Context, stream, group string) (message.Envelope, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   c.claimIdle,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending failed: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: c.consumer,
		MinIdle:  c.claimIdle,
		Messages: []string{pending[0].ID},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim failed: %w", err)
	}

	for _, xmsg := range claimed {
		c.log.InfoWithFields(logrus.Fields{
			"stream":   stream,
			"id":       xmsg.ID,
			"previous": pending[0].Consumer,
			"idle":     pending[0].Idle,
		}, "Reclaimed entry %s from consumer %s", xmsg.ID, pending[0].Consumer)
		if env := c.accept(ctx, stream, group, xmsg); env != nil {
			return env, nil
		}
	}
	return nil, nil
}

// accept parses xmsg; malformed entries are dead-lettered and yield nil
func (c *Client) accept(ctx context.Context, stream, group string, xmsg redis.XMessage) message.Envelope {
	env, err := parseEntry(stream, xmsg)
	if err == nil {
		return env
	}

	c.log.WarnWithFields(logrus.Fields{"stream": stream, "id": xmsg.ID}, "Dead-lettering malformed entry %s: %v", xmsg.ID, err)
	values := make(map[string]interface{}, len(xmsg.Values)+3)
	for k, v := range xmsg.Values {
		values[k] = v
	}
	values[fieldError] = err.Error()
	values[fieldSourceID] = xmsg.ID
	values[fieldFailedAt] = time.Now().UnixMilli()

	if err := c.move(ctx, stream, group, xmsg.ID, c.DeadLetterStream(stream), values); err != nil {
		c.log.Error("Failed to dead-letter malformed entry %s in stream %s: %v", xmsg.ID, stream, err)
	}
	return nil
}

// Ack implements the consumer Driver: XACK and XDEL in one transaction
func (c *Client) Ack(ctx context.Context, queue string, env message.Envelope) error {
	e, err := asEnvelope(env)
	if err != nil {
		return queueerr.NewDriverError("ack", err)
	}
	group, err := c.ensureGroup(ctx, queue)
	if err != nil {
		return queueerr.NewDriverError("ack", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, queue, group, e.ID)
		pipe.XDel(ctx, queue, e.ID)
		return nil
	})
	if err != nil {
		return queueerr.NewDriverError("ack", fmt.Errorf("xack+xdel failed for entry %s in stream %s: %w", e.ID, queue, err))
	}
	return nil
}

// Retry implements the consumer Driver: the entry is re-added with one more
// attempt recorded and the original is acknowledged and deleted, atomically.
func (c *Client) Retry(ctx context.Context, queue string, env message.Envelope) error {
	e, err := asEnvelope(env)
	if err != nil {
		return queueerr.NewDriverError("retry", err)
	}
	group, err := c.ensureGroup(ctx, queue)
	if err != nil {
		return queueerr.NewDriverError("retry", err)
	}

	values := entryValues(e.Unwrap(), e.Attempts()+1, e.EnqueuedAt)
	if err := c.move(ctx, queue, group, e.ID, queue, values); err != nil {
		return queueerr.NewDriverError("retry", err)
	}
	return nil
}

// Fail implements the consumer Driver: the entry moves to the dead-letter stream
func (c *Client) Fail(ctx context.Context, queue string, env message.Envelope) error {
	e, err := asEnvelope(env)
	if err != nil {
		return queueerr.NewDriverError("fail", err)
	}
	group, err := c.ensureGroup(ctx, queue)
	if err != nil {
		return queueerr.NewDriverError("fail", err)
	}

	values := entryValues(e.Unwrap(), e.Attempts()+1, e.EnqueuedAt)
	values[fieldFailedAt] = time.Now().UnixMilli()
	values[fieldSourceID] = e.ID
	if err := c.move(ctx, queue, group, e.ID, c.DeadLetterStream(queue), values); err != nil {
		return queueerr.NewDriverError("fail", err)
	}
	return nil
}

// move adds values to target and removes id from stream in one MULTI/EXEC
func (c *Client) move(ctx context.Context, stream, group, id, target string, values map[string]interface{}) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: values})
		pipe.XAck(ctx, stream, group, id)
		pipe.XDel(ctx, stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("move entry %s from %s to %s failed: %w", id, stream, target, err)
	}
	return nil
}

// Enqueue appends msg to queue and returns the entry ID
func (c *Client) Enqueue(ctx context.Context, queue string, msg message.Message) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: entryValues(msg, 0, time.Now()),
	}).Result()
	if err != nil {
		return "", queueerr.NewDriverError("xadd", err)
	}
	return id, nil
}

// Len returns the number of entries in stream, delivered or not
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, queueerr.NewDriverError("xlen", err)
	}
	return n, nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func asEnvelope(env message.Envelope) (*Envelope, error) {
	e, ok := env.(*Envelope)
	if !ok || e == nil {
		return nil, ErrForeignEnvelope
	}
	return e, nil
}
