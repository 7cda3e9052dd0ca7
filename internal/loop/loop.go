package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrStopped is returned by Do once the loop has shut down.
var ErrStopped = errors.New("event loop stopped")

const defaultBufferSize = 1024

// Config controls the Loop.
//   - BufferSize: capacity of the task channel (default 1024). Post blocks
//     when it is full rather than dropping work.
//   - Clock: time source for timers (defaults to the real clock).
//   - Logger: optional structured logger for recovered panics.
type Config struct {
	BufferSize int
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// Loop is the production Scheduler: one goroutine draining a task channel.
type Loop struct {
	clock  clockwork.Clock
	tasks  chan func()
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
}

// New starts a Loop. Stop it with Close.
func New(cfg Config) *Loop {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		clock:  cfg.Clock,
		tasks:  make(chan func(), cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post implements Scheduler. Work posted after Close is discarded.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	select {
	case <-l.stopCh:
		return
	default:
	}
	select {
	case l.tasks <- fn:
	case <-l.stopCh:
	}
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Task {
	t := &timerTask{}
	t.timer = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.state.CompareAndSwap(taskPending, taskRan) {
				fn()
			}
		})
	})
	return t
}

// Do runs fn on the loop and waits for it to return. Use it to read
// loop-owned state from other goroutines.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case l.tasks <- func() {
		defer close(done)
		fn()
	}:
	case <-l.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("event loop post: %w", ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-l.doneCh:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("event loop wait: %w", ctx.Err())
	}
}

// Close stops accepting work, runs what is already queued, and waits for the
// loop goroutine to exit. It is safe to call multiple times.
func (l *Loop) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.closeOnce.Do(func() {
		close(l.stopCh)
	})
	select {
	case <-l.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event loop close wait: %w", ctx.Err())
	}
}

func (l *Loop) run() {
	defer close(l.doneCh)
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-l.stopCh:
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		default:
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

const (
	taskPending int32 = iota
	taskRan
	taskStopped
)

type timerTask struct {
	timer clockwork.Timer
	state atomic.Int32
}

func (t *timerTask) Stop() bool {
	if !t.state.CompareAndSwap(taskPending, taskStopped) {
		return false
	}
	t.timer.Stop()
	return true
}
