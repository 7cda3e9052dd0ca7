package progress

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/loop"
)

// Config controls flushing for the Coalescer.
//   - FlushDelay: window during which patches for an entity are merged (default 50ms).
//   - SinkTimeout: per-sink timeout while flushing (default 5s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
//   - Observer: optional hook told about every flush.
type Config struct {
	FlushDelay  time.Duration
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
	Observer    FlushObserver
}

// FlushObserver is notified after each flush pass.
type FlushObserver interface {
	ObserveFlush(entities int, elapsed time.Duration)
}

const (
	// DefaultFlushDelay is the merge window used when Config.FlushDelay is unset.
	DefaultFlushDelay  = 50 * time.Millisecond
	defaultSinkTimeout = 5 * time.Second
)

// Coalescer buffers per-entity patches and applies them to sinks once per
// flush window. One shared flush task exists at a time. A Coalescer is not
// safe for concurrent use: every method must run on the Scheduler's loop.
type Coalescer struct {
	cfg     Config
	sched   loop.Scheduler
	sinks   []Sink
	logger  *zap.Logger
	pending map[string]Patch
	order   []string
	task    loop.Task
}

// NewCoalescer builds a Coalescer that arms its flush task on sched.
func NewCoalescer(cfg Config, sched loop.Scheduler, sinks ...Sink) *Coalescer {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coalescer{
		cfg:     cfg,
		sched:   sched,
		sinks:   append([]Sink(nil), sinks...),
		logger:  logger,
		pending: make(map[string]Patch),
	}
}

// Merge folds patch into the pending entry for entityID and arms the flush
// task if it is idle. Empty patches are ignored.
func (c *Coalescer) Merge(entityID string, patch Patch) {
	if patch.IsEmpty() {
		return
	}
	prev, ok := c.pending[entityID]
	if !ok {
		c.order = append(c.order, entityID)
	}
	c.pending[entityID] = prev.Merge(patch)
	if c.task == nil {
		c.task = c.sched.AfterFunc(c.cfg.FlushDelay, c.onTimer)
	}
}

// Pending returns the merged patch waiting for entityID.
func (c *Coalescer) Pending(entityID string) (Patch, bool) {
	p, ok := c.pending[entityID]
	return p, ok
}

// PendingLen reports how many entities have a patch waiting.
func (c *Coalescer) PendingLen() int {
	return len(c.pending)
}

// Armed reports whether a flush task is scheduled.
func (c *Coalescer) Armed() bool {
	return c.task != nil
}

// Flush cancels the armed task and applies everything pending now.
func (c *Coalescer) Flush() {
	if c.task != nil {
		c.task.Stop()
	}
	c.onTimer()
}

// Stop cancels the armed flush task without applying what is pending.
func (c *Coalescer) Stop() {
	if c.task != nil {
		c.task.Stop()
		c.task = nil
	}
}

// Close flushes what is pending and closes the sinks.
func (c *Coalescer) Close(ctx context.Context) error {
	c.Flush()
	for _, sink := range c.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			c.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
	return nil
}

func (c *Coalescer) onTimer() {
	c.task = nil
	if len(c.pending) == 0 {
		return
	}
	batch, order := c.pending, c.order
	c.pending = make(map[string]Patch, len(batch))
	c.order = nil

	start := c.sched.Now()
	for _, entityID := range order {
		c.apply(entityID, batch[entityID])
	}
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveFlush(len(order), c.sched.Now().Sub(start))
	}
}

func (c *Coalescer) apply(entityID string, patch Patch) {
	for _, sink := range c.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.cfg.BaseContext, c.cfg.SinkTimeout)
		if err := sink.ApplyPatch(ctx, entityID, patch); err != nil {
			c.logger.Warn("progress sink apply failed",
				zap.String("entity_id", entityID),
				zap.Strings("fields", patch.Fields()),
				zap.Error(err),
			)
		}
		cancel()
	}
}
