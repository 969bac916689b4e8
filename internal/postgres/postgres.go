// Package postgres implements the queue driver on a PostgreSQL table.
// Jobs are claimed with FOR UPDATE SKIP LOCKED so any number of consumers can
// share a queue; a claimed job stays 'running' until it is resolved or its
// lease expires and RecoverStale hands it back.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ibs-source/queue-consumer/internal/config"
	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/internal/queueerr"
	"github.com/ibs-source/queue-consumer/internal/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

// Job statuses
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDead    = "dead"
)

const (
	claimSQL = `
UPDATE queue_jobs
SET status = 'running', locked_by = $2, locked_at = now()
WHERE id = (
    SELECT id FROM queue_jobs
    WHERE queue = $1 AND status = 'pending' AND run_after <= now()
    ORDER BY run_after, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, name, payload, attempts, created_at`

	ackSQL = `
DELETE FROM queue_jobs
WHERE id = $1 AND status = 'running' AND locked_by = $2`

	retrySQL = `
UPDATE queue_jobs
SET status = 'pending', attempts = attempts + 1,
    run_after = now() + $3::bigint * interval '1 millisecond',
    locked_by = NULL, locked_at = NULL
WHERE id = $1 AND status = 'running' AND locked_by = $2`

	failSQL = `
UPDATE queue_jobs
SET status = 'dead', attempts = attempts + 1, failed_at = now(),
    locked_by = NULL, locked_at = NULL
WHERE id = $1 AND status = 'running' AND locked_by = $2`

	recoverSQL = `
UPDATE queue_jobs
SET status = 'pending', locked_by = NULL, locked_at = NULL
WHERE status = 'running' AND locked_at < now() - $1::bigint * interval '1 millisecond'`

	enqueueSQL = `
INSERT INTO queue_jobs (queue, name, payload)
VALUES ($1, $2, $3)
RETURNING id`

	countSQL = `
SELECT count(*) FROM queue_jobs
WHERE queue = $1 AND status = $2`
)

// ErrForeignEnvelope is returned for envelopes produced by another driver
var ErrForeignEnvelope = errors.New("envelope not produced by postgres driver")

// querier is the subset of *pgxpool.Pool used by the driver
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Envelope is a claimed row of queue_jobs
type Envelope struct {
	ID        int64
	Queue     string
	CreatedAt time.Time
	msg       message.Message
	attempts  int
}

// Unwrap implements message.Envelope
func (e *Envelope) Unwrap() message.Message { return e.msg }

// Attempts implements message.Envelope
func (e *Envelope) Attempts() int { return e.attempts }

// Client is a queue driver on top of a PostgreSQL table
type Client struct {
	pool         *pgxpool.Pool
	db           querier
	workerID     string
	baseDelay    time.Duration
	maxDelay     time.Duration
	pollInterval time.Duration
	log          *log.Logger
}

// NewClient connects to PostgreSQL. A random worker ID marks the jobs this
// process holds in the locked_by column.
func NewClient(ctx context.Context, cfg *config.PostgresConfig, logger *log.Logger) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	c := newClient(pool, cfg, "worker-"+uuid.NewString(), logger)
	c.pool = pool
	logger.Info("Connected to PostgreSQL at %s as %s", poolCfg.ConnConfig.Host, c.workerID)
	return c, nil
}

func newClient(db querier, cfg *config.PostgresConfig, workerID string, logger *log.Logger) *Client {
	return &Client{
		db:           db,
		workerID:     workerID,
		baseDelay:    cfg.RetryBaseDelay,
		maxDelay:     cfg.RetryMaxDelay,
		pollInterval: cfg.PollInterval,
		log:          logger,
	}
}

// WorkerID returns the value written to locked_by for jobs claimed by this client
func (c *Client) WorkerID() string { return c.workerID }

// EnsureSchema creates the queue_jobs table and its indexes when missing
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Dequeue implements the consumer Driver. It claims the oldest runnable job of
// queue; when there is none it waits one poll interval and reports no message.
func (c *Client) Dequeue(ctx context.Context, queue string) (message.Envelope, error) {
	env := &Envelope{Queue: queue}
	var payload []byte
	err := c.db.QueryRow(ctx, claimSQL, queue, c.workerID).
		Scan(&env.ID, &env.msg.Name, &payload, &env.attempts, &env.CreatedAt)
	if err == nil {
		env.msg.Payload = payload
		return env, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, queueerr.NewDriverError("claim", err)
	}

	if c.pollInterval <= 0 {
		return nil, nil
	}
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// Ack implements the consumer Driver: the row is deleted
func (c *Client) Ack(ctx context.Context, queue string, env message.Envelope) error {
	e, err := asEnvelope(env)
	if err != nil {
		return queueerr.NewDriverError("ack", err)
	}
	tag, err := c.db.Exec(ctx, ackSQL, e.ID, c.workerID)
	if err != nil {
		return queueerr.NewDriverError("ack", fmt.Errorf("delete job %d: %w", e.ID, err))
	}
	c.checkLease(tag, queue, e, "ack")
	return nil
}

// Retry implements the consumer Driver: the job goes back to pending with one
// more attempt and becomes runnable after an exponential backoff.
func (c *Client) Retry(ctx context.Context, queue string, env message.Envelope) error {
	e, err := asEnvelope(env)
	if err != nil {
		return queueerr.NewDriverError("retry", err)
	}
	delay := c.retryDelay(e.attempts)
	tag, err := c.db.Exec(ctx, retrySQL, e.ID, c.workerID, delay.Milliseconds())
	if err != nil {
		return queueerr.NewDriverError("retry", fmt.Errorf("reschedule job %d: %w", e.ID, err))
	}
	c.checkLease(tag, queue, e, "retry")
	return nil
}

// Fail implements the consumer Driver: the job is marked dead
func (c *Client) Fail(ctx context.Context, queue string, env message.Envelope) error {
	e, err := asEnvelope(env)
	if err != nil {
		return queueerr.NewDriverError("fail", err)
	}
	tag, err := c.db.Exec(ctx, failSQL, e.ID, c.workerID)
	if err != nil {
		return queueerr.NewDriverError("fail", fmt.Errorf("mark job %d dead: %w", e.ID, err))
	}
	c.checkLease(tag, queue, e, "fail")
	return nil
}

// retryDelay is the backoff before the next run of a job already attempted attempts times
func (c *Client) retryDelay(attempts int) time.Duration {
	return retry.Backoff(c.baseDelay, c.maxDelay, attempts)
}

// checkLease warns when a resolution touched no row: the lease expired and the
// job was handed to another consumer, which now owns it.
func (c *Client) checkLease(tag pgconn.CommandTag, queue string, e *Envelope, op string) {
	if tag.RowsAffected() > 0 {
		return
	}
	c.log.WarnWithFields(logrus.Fields{
		"queue": queue,
		"job":   e.ID,
		"op":    op,
	}, "Lease on job %d lost before %s", e.ID, op)
}

// RecoverStale hands running jobs locked for longer than olderThan back to the
// queue and returns how many were recovered.
func (c *Client) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := c.db.Exec(ctx, recoverSQL, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		c.log.Info("Recovered %d stale jobs", n)
	}
	return n, nil
}

// Enqueue inserts msg into queue and returns the job ID
func (c *Client) Enqueue(ctx context.Context, queue string, msg message.Message) (int64, error) {
	var id int64
	if err := c.db.QueryRow(ctx, enqueueSQL, queue, msg.Name, msg.Payload).Scan(&id); err != nil {
		return 0, queueerr.NewDriverError("insert", err)
	}
	return id, nil
}

// Count returns the number of jobs of queue in status
func (c *Client) Count(ctx context.Context, queue, status string) (int64, error) {
	var n int64
	if err := c.db.QueryRow(ctx, countSQL, queue, status).Scan(&n); err != nil {
		return 0, queueerr.NewDriverError("count", err)
	}
	return n, nil
}

// Close closes the connection pool
func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

func asEnvelope(env message.Envelope) (*Envelope, error) {
	e, ok := env.(*Envelope)
	if !ok || e == nil {
		return nil, ErrForeignEnvelope
	}
	return e, nil
}
