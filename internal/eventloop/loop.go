// Package eventloop runs closures one at a time on a dedicated goroutine.
// State owned by a loop is only touched from closures posted to it, so it
// needs no locking.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrClosed is returned when work is submitted to a closed loop.
var ErrClosed = errors.New("eventloop: closed")

// Loop is a single-consumer task queue. Post never blocks and the queue is
// unbounded.
type Loop struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	stopped chan struct{}
}

// New starts a loop.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger:  logger.With("component", "eventloop"),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn. It returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it. It must not be called from a
// closure running on the same loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// The loop drains before stopping, so done may have closed too.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// AfterFunc posts fn once d has elapsed. Stopping the returned timer
// before it fires cancels the post.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Every posts fn each period until the returned stop function is called or
// the loop closes.
func (l *Loop) Every(period time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(period)
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !l.Post(fn) {
					return
				}
			case <-quit:
				return
			case <-l.stopped:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(quit) }) }
}

// Close stops accepting work. Already queued closures still run. Close is
// idempotent and does not wait; use Done for that.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

func (l *Loop) run() {
	defer close(l.stopped)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
