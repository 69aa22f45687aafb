// Package task implements the serial task loop backing each logical thread
// of the networking stack: the dispatcher, every worker, and the user loop.
// Posting a task is the only way to touch state owned by another loop.
package task

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Call when the target loop is no longer running.
var ErrStopped = errors.New("task loop stopped")

// DefaultBacklog is the task channel depth of a loop.
const DefaultBacklog = 4096

// Loop executes posted tasks one at a time, in submission order, on a single
// goroutine.
type Loop struct {
	name     string
	tasks    chan func()
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewLoop creates a loop. Start must be called before tasks run.
func NewLoop(name string) *Loop {
	return &Loop{
		name:   name,
		tasks:  make(chan func(), DefaultBacklog),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Name returns the loop's name, for logging.
func (l *Loop) Name() string { return l.name }

// Start launches the loop goroutine. Idempotent.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stopCh:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post submits a fire-and-forget task. Returns false once the loop has been
// stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stopCh:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.stopCh:
		return false
	}
}

// Stop terminates the loop. Pending tasks are discarded. Safe to call more
// than once and from any goroutine, including the loop itself.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Join blocks until the loop goroutine has exited. Must not be called from
// the loop itself.
func (l *Loop) Join() {
	if !l.started.Load() {
		return
	}
	<-l.done
}

// Call submits a task and waits for its result. Must not be called from the
// target loop itself: that would deadlock, exactly like a synchronous
// cross-thread call into one's own thread.
func Call[T any](l *Loop, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	ok := l.Post(func() {
		v, err := fn()
		ch <- result{v, err}
	})
	if !ok {
		var zero T
		return zero, ErrStopped
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-l.done:
		var zero T
		return zero, ErrStopped
	}
}
