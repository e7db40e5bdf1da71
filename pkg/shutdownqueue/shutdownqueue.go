// Package shutdownqueue collects named cleanup tasks and drains them in
// LIFO order when a binary exits:
//
//	q := shutdownqueue.New()
//	defer q.Shutdown(ctx)
//	q.Add("postgres pool", func(context.Context) error { return db.Close() })
//
// Tasks run once. A panicking task is recovered and reported as an error.
// Shutdown is idempotent and joins task errors with errors.Join.
package shutdownqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task releases one resource. It should honor ctx.
type Task func(ctx context.Context) error

type namedTask struct {
	name string
	run  Task
}

type Queue struct {
	mu     sync.Mutex
	tasks  []namedTask
	closed bool
	logger *slog.Logger
}

func New() *Queue {
	return &Queue{tasks: make([]namedTask, 0, 8)}
}

// WithLogger sets the logger used to report each task. Default: slog.Default.
func (q *Queue) WithLogger(l *slog.Logger) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.logger = l

	return q
}

// Add registers t under name. Nil tasks and tasks added after Shutdown
// started are ignored.
func (q *Queue) Add(name string, t Task) {
	if t == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.tasks = append(q.tasks, namedTask{name: name, run: t})
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}

// Shutdown runs pending tasks newest first. If ctx ends mid-drain the
// remaining tasks are skipped and the context error is part of the result.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	tasks := q.tasks
	q.tasks = nil
	logger := q.logger
	q.mu.Unlock()

	if logger == nil {
		logger = slog.Default()
	}

	var errs []error

	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]

		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("shutdown canceled before %q: %w", t.name, ctx.Err()))

			return errors.Join(errs...)
		}

		start := time.Now()

		err := runTask(ctx, t)
		if err != nil {
			logger.ErrorContext(ctx, "shutdown task failed", "task", t.name, "error", err)
			errs = append(errs, err)

			continue
		}

		logger.InfoContext(ctx, "shutdown task done", "task", t.name, "duration_ms", time.Since(start).Milliseconds())
	}

	return errors.Join(errs...)
}

func runTask(ctx context.Context, t namedTask) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("%s: panic: %v", t.name, r)
		}
	}()

	err = t.run(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}

	return nil
}
