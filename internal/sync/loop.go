// Package sync applies backend room updates to the cache. Every cache
// mutation runs on a single event loop goroutine, so unread computation never
// races with itself.
package sync

import (
	"context"
	"errors"
	gosync "sync"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned when work is posted to a loop that has exited.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop runs posted closures one at a time, in post order.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	logger *zap.Logger

	startOnce gosync.Once
	stopOnce  gosync.Once
	cancel    context.CancelFunc
}

// NewLoop creates a loop with a task queue of the given size.
func NewLoop(queue int, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		tasks:  make(chan func(), queue),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start runs the loop in its own goroutine until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, l.cancel = context.WithCancel(ctx)
		go l.run(ctx)
	})
}

// Stop ends the loop. Tasks still queued are discarded.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	defer l.stopOnce.Do(func() { close(l.done) })
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Post queues fn. It blocks while the queue is full and reports false once the
// loop has stopped. Must not be called from a task running on the loop when the
// queue may be full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
