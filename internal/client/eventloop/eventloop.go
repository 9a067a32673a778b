// Package eventloop runs client state changes one at a time on a single goroutine.
// Callbacks from the network, capture devices or timers are posted to the loop instead of
// touching state directly.
package eventloop

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

type Loop struct {
	logger *slog.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func New(logger *slog.Logger) *Loop {
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Post appends task to the queue. It never blocks and may be called from any goroutine,
// including from a task running on the loop.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do posts task and waits until it has run.
func (l *Loop) Do(ctx context.Context, task func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		task()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted tasks in order until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.run(task)

			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, false
	}

	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) run(task func()) {
	defer func() {
		if rvr := recover(); rvr != nil {
			l.logger.Error("task panicked", "panic", rvr, "stack", string(debug.Stack()))
		}
	}()

	task()
}

// Defer runs work on its own goroutine and posts then, with work's result, back onto
// the loop.
func Defer[T any](l *Loop, ctx context.Context, work func(context.Context) (T, error), then func(T, error)) {
	go func() {
		v, err := work(ctx)
		l.Post(func() {
			then(v, err)
		})
	}()
}
