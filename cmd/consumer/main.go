// Package main starts the queue consumer binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ibs-source/queue-consumer/internal/config"
	"github.com/ibs-source/queue-consumer/internal/consumer"
	"github.com/ibs-source/queue-consumer/internal/executor"
	"github.com/ibs-source/queue-consumer/internal/handlers"
	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/maintenance"
	"github.com/ibs-source/queue-consumer/internal/memory"
	"github.com/ibs-source/queue-consumer/internal/mqtt"
	"github.com/ibs-source/queue-consumer/internal/postgres"
	"github.com/ibs-source/queue-consumer/internal/redis"
	"github.com/ibs-source/queue-consumer/internal/retry"
	"golang.org/x/sync/errgroup"
)

// services holds everything run needs to close on exit
type services struct {
	consumer *consumer.Consumer
	runner   *maintenance.Runner
	closers  []func() error
	// onStart runs once the consumer loop is active so stop requests are not lost
	onStart []func(ctx context.Context) error
}

func (s *services) started(ctx context.Context) error {
	for _, fn := range s.onStart {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *services) close(logger *log.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Error("Error closing service: %v", err)
		}
	}
}

func run() int {
	logger := log.New()
	logger.Info("Starting queue consumer")

	cfg, err := loadAndLogConfig(logger)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := initializeServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize services: %v", err)
		return 1
	}
	defer svc.close(logger)

	return runMainLoop(ctx, cancel, svc, cfg, logger)
}

func loadAndLogConfig(logger *log.Logger) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded successfully")
	logger.Info("Queue: %s, Driver: %s, MaxAttempts: %d, Isolated: %t",
		cfg.Consumer.Queue, cfg.Consumer.Driver, cfg.Consumer.MaxAttempts, cfg.Consumer.Isolated)
	switch cfg.Consumer.Driver {
	case config.DriverRedis:
		logger.Info("Redis: %s, Consumer: %s (group: group-%s)", cfg.Redis.Address, cfg.Redis.Consumer, cfg.Consumer.Queue)
	case config.DriverPostgres:
		logger.Info("PostgreSQL: max conns %d, stale after %s", cfg.Postgres.MaxConns, cfg.Postgres.StaleAfter)
	}
	if cfg.MQTT.Enabled {
		logger.Info("MQTT: %s, Events: %s, Control: %s", cfg.MQTT.Broker, cfg.MQTT.EventTopic, cfg.MQTT.ControlTopic)
	}
	return cfg, nil
}

func initializeServices(ctx context.Context, cfg *config.Config, logger *log.Logger) (*services, error) {
	svc := &services{}
	ok := false
	defer func() {
		if !ok {
			svc.close(logger)
		}
	}()

	driver, tasks, closer, err := newDriver(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, closer)

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return nil, err
	}

	policy, err := retry.NewLimited(cfg.Consumer.MaxAttempts)
	if err != nil {
		return nil, err
	}

	opts := []consumer.Option{
		consumer.WithRetryPolicy(policy),
		consumer.WithLogger(logger),
		consumer.WithStartHook(svc.started),
	}

	var pool *mqtt.Pool
	if cfg.MQTT.Enabled {
		pool, err = mqtt.NewPool(&cfg.MQTT, cfg.MQTT.PoolSize, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create MQTT pool: %w", err)
		}
		svc.closers = append(svc.closers, pool.Close)
		logger.Info("Connected to MQTT broker with %d connections", pool.Size())
		opts = append(opts, consumer.WithObserver(mqtt.NewNotifier(pool, cfg.MQTT.EventTopic, logger)))
	}

	svc.consumer, err = consumer.New(driver, exec, opts...)
	if err != nil {
		return nil, err
	}

	if pool != nil && cfg.MQTT.ControlTopic != "" {
		svc.onStart = append(svc.onStart, func(context.Context) error {
			if err := mqtt.SubscribeControl(pool, cfg.MQTT.ControlTopic, svc.consumer.Stop, logger); err != nil {
				return fmt.Errorf("failed to subscribe to control topic: %w", err)
			}
			return nil
		})
	}

	svc.runner = maintenance.New(logger, tasks...)
	ok = true
	return svc, nil
}

// newDriver connects the configured queue backend and returns its housekeeping tasks
func newDriver(
	ctx context.Context, cfg *config.Config, logger *log.Logger,
) (consumer.Driver, []maintenance.Task, func() error, error) {
	interval := cfg.Consumer.MaintenanceInterval

	switch cfg.Consumer.Driver {
	case config.DriverRedis:
		client, err := redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup := maintenance.Task{
			Name:     "dead-consumer-cleanup",
			Interval: interval,
			Run: func(ctx context.Context) (int, error) {
				return client.CleanupDeadConsumers(ctx, cfg.Redis.ConsumerIdleTimeout)
			},
		}
		return client, []maintenance.Task{cleanup}, client.Close, nil

	case config.DriverPostgres:
		client, err := postgres.NewClient(ctx, &cfg.Postgres, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := client.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, nil, nil, err
		}
		recoverStale := maintenance.Task{
			Name:     "stale-job-recovery",
			Interval: interval,
			Run: func(ctx context.Context) (int, error) {
				return client.RecoverStale(ctx, cfg.Postgres.StaleAfter)
			},
		}
		closer := func() error {
			client.Close()
			return nil
		}
		return client, []maintenance.Task{recoverStale}, closer, nil

	case config.DriverMemory:
		logger.Warn("Using the in-memory driver: queue %s starts empty and is lost on exit", cfg.Consumer.Queue)
		driver := memory.New(memory.WithPollInterval(time.Second))
		return driver, nil, driver.Close, nil
	}

	return nil, nil, nil, fmt.Errorf("unknown consumer driver %q", cfg.Consumer.Driver)
}

// newExecutor builds the in-process or process-isolated executor over the built-in handlers
func newExecutor(cfg *config.Config, logger *log.Logger) (executor.Executor, error) {
	resolver := handlers.Resolver(logger)
	if !cfg.Consumer.Isolated {
		return executor.NewDirect(resolver), nil
	}

	opts := []executor.IsolatedOption{executor.WithLogger(logger)}
	if cfg.Consumer.Harness != "" {
		opts = append(opts, executor.WithCommand(cfg.Consumer.Harness))
	}
	iso, err := executor.NewIsolated(resolver, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("Handlers run in isolated child processes")
	return iso, nil
}

func runMainLoop(
	ctx context.Context, cancel context.CancelFunc, svc *services, cfg *config.Config, logger *log.Logger,
) int {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Signals received before the loop is active wait in sigChan
	svc.onStart = append(svc.onStart, func(context.Context) error {
		go handleSignals(ctx, sigChan, svc.consumer, cancel, cfg.Consumer.ShutdownTimeout, logger)
		return nil
	})

	var code int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Maintenance ends with the consumer
		defer cancel()
		var err error
		code, err = svc.consumer.Run(gctx, cfg.Consumer.Queue)
		return err
	})
	g.Go(func() error {
		return svc.runner.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Critical("Consumer error: %v", err)
		return 1
	}

	logger.Info("Consumer stopped with exit code %d", code)
	return code
}

// handleSignals stops the consumer after its current message on the first
// signal and cancels everything on the second or once timeout has elapsed.
func handleSignals(
	ctx context.Context, sigChan <-chan os.Signal, c *consumer.Consumer,
	cancel context.CancelFunc, timeout time.Duration, logger *log.Logger,
) {
	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, finishing current message", sig)
		c.Stop()
	case <-ctx.Done():
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig := <-sigChan:
		logger.Warn("Received signal %v again, aborting", sig)
	case <-timer.C:
		logger.Error("Shutdown timeout exceeded, aborting")
	case <-ctx.Done():
		return
	}
	cancel()
}

// runIsolatedChild turns this process into the handler harness when the
// isolated executor started it. It does not return in that case.
func runIsolatedChild() {
	if executor.IsChild() {
		executor.RunChild(handlers.Resolver(log.NewWithOutput(os.Stderr)), nil)
	}
}

func main() {
	runIsolatedChild()
	// Keep main minimal to ensure defers in run() execute correctly.
	os.Exit(run())
}
