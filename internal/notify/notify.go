// Package notify delivers session outcomes to external subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/session"
)

// Publisher sends a payload to a topic and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

const defaultPublishTimeout = 10 * time.Second

// SessionNotifierConfig controls a SessionNotifier.
//   - Topic: destination name passed to the Publisher.
//   - Async: publish from a goroutine so the event loop never waits on the broker.
//   - Timeout: per-publish deadline (default 10s).
type SessionNotifierConfig struct {
	Topic   string
	Async   bool
	Timeout time.Duration
	Logger  *zap.Logger
}

// SessionNotifier publishes every session.Outcome as a JSON message.
type SessionNotifier struct {
	pub    Publisher
	cfg    SessionNotifierConfig
	logger *zap.Logger
}

var _ session.Notifier = (*SessionNotifier)(nil)

// NewSessionNotifier wires pub to the session.Notifier interface.
func NewSessionNotifier(pub Publisher, cfg SessionNotifierConfig) *SessionNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionNotifier{pub: pub, cfg: cfg, logger: logger.Named("notify")}
}

// Notify implements session.Notifier.
func (n *SessionNotifier) Notify(ctx context.Context, outcome session.Outcome) error {
	if n == nil || n.pub == nil {
		return nil
	}
	if !n.cfg.Async {
		return n.publish(ctx, outcome)
	}
	go func() {
		if err := n.publish(context.WithoutCancel(ctx), outcome); err != nil {
			n.logger.Warn("publish session outcome failed",
				zap.String("key", outcome.Key),
				zap.String("reason", string(outcome.Reason)),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (n *SessionNotifier) publish(ctx context.Context, outcome session.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	id, err := n.pub.Publish(ctx, n.cfg.Topic, outcome)
	if err != nil {
		return fmt.Errorf("publish outcome for %s: %w", outcome.Key, err)
	}
	n.logger.Debug("published session outcome", zap.String("key", outcome.Key), zap.String("message_id", id))
	return nil
}

// Multi fans an outcome out to several notifiers and joins their errors.
type Multi []session.Notifier

// Notify implements session.Notifier.
func (m Multi) Notify(ctx context.Context, outcome session.Outcome) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
