// Package maintenance runs periodic housekeeping next to the consumer loop,
// such as handing expired leases back to the queue.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Task is one housekeeping job. Run returns how many items it handled.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Runner runs every task on its own ticker
type Runner struct {
	tasks []Task
	log   *log.Logger
}

// New creates a runner; tasks with a non-positive interval are skipped
func New(logger *log.Logger, tasks ...Task) *Runner {
	r := &Runner{log: logger}
	for _, t := range tasks {
		if t.Interval <= 0 || t.Run == nil {
			logger.Warn("Skipping maintenance task %s: no interval", t.Name)
			continue
		}
		r.tasks = append(r.tasks, t)
	}
	return r
}

// Len returns the number of scheduled tasks
func (r *Runner) Len() int { return len(r.tasks) }

// Run blocks until ctx is done. Task errors are logged and the task runs
// again on its next tick.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range r.tasks {
		t := t
		g.Go(func() error {
			r.loop(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	r.log.Debug("Maintenance task %s every %s", t.Name, t.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, t)
		}
	}
}

// tick runs t once and logs its result
func (r *Runner) tick(ctx context.Context, t Task) {
	n, err := t.Run(ctx)
	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// shutting down
	case err != nil:
		r.log.ErrorWithFields(logrus.Fields{"task": t.Name}, "Maintenance task %s failed: %v", t.Name, err)
	case n > 0:
		r.log.InfoWithFields(logrus.Fields{"task": t.Name, "count": n}, "Maintenance task %s handled %d items", t.Name, n)
	}
}
