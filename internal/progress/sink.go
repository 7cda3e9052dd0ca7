package progress

import (
	"context"
	"errors"
)

// Sink receives one merged patch per entity per flush window. Implementations
// must tolerate repeated identical patches and honor ctx deadlines.
type Sink interface {
	ApplyPatch(ctx context.Context, entityID string, patch Patch) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, entityID string, patch Patch) error

// ApplyPatch calls f.
func (f SinkFunc) ApplyPatch(ctx context.Context, entityID string, patch Patch) error {
	return f(ctx, entityID, patch)
}

// Close implements Sink; it performs no action.
func (SinkFunc) Close(context.Context) error {
	return nil
}

// Fanout forwards every patch to each sink in order, joining their errors.
type Fanout []Sink

// ApplyPatch implements Sink.
func (f Fanout) ApplyPatch(ctx context.Context, entityID string, patch Patch) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.ApplyPatch(ctx, entityID, patch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (f Fanout) Close(ctx context.Context) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
