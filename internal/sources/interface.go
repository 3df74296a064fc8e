// Package sources defines the polling side of a pipe: one Poller strategy
// per source kind, selected from the source ARN at activation.
package sources

import (
	"context"
	"errors"
	"time"

	"event-pipes/internal/model"
)

// ErrEmptyPoll is returned by Poll when the source had no records. The
// worker backs off briefly instead of busy-polling.
var ErrEmptyPoll = errors.New("no records available")

// Ack commits a polled batch back to the source once dispatch outcomes are
// known. succeeded holds the batch indexes whose payloads were delivered
// (or intentionally dropped by the filter).
//
// Queue sources acknowledge each succeeded item individually; unacknowledged
// items become visible again for redelivery. Stream sources advance their
// per-shard cursor only when every index succeeded, otherwise the cursor
// holds and the same batch is re-read.
type Ack interface {
	Commit(ctx context.Context, succeeded []int) error
}

// Poller pulls batches of events from one source. Implementations are owned
// by a single pipe worker and are not safe for concurrent Poll calls.
type Poller interface {
	// Poll returns up to BatchSize events gathered within the batching
	// window, with the Ack used to commit them. Returns ErrEmptyPoll when
	// the source is empty.
	Poll(ctx context.Context) ([]*model.Event, Ack, error)
	Close() error
}

// Defaults applied when source parameters leave them unset.
const (
	DefaultBatchSize      = 10
	DefaultBatchingWindow = time.Second
)

// BatchSize returns the effective batch size for the parameters.
func BatchSize(params model.SourceParameters) int {
	if params.BatchSize > 0 {
		return params.BatchSize
	}
	return DefaultBatchSize
}

// BatchingWindow returns the effective maximum batching window.
func BatchingWindow(params model.SourceParameters) time.Duration {
	if params.MaximumBatchingWindow > 0 {
		return params.MaximumBatchingWindow
	}
	return DefaultBatchingWindow
}

// AckFunc adapts a function to the Ack interface.
type AckFunc func(ctx context.Context, succeeded []int) error

// Commit calls the wrapped function.
func (f AckFunc) Commit(ctx context.Context, succeeded []int) error {
	return f(ctx, succeeded)
}

// NoopAck is used for batches that carry nothing to commit.
var NoopAck Ack = AckFunc(func(context.Context, []int) error { return nil })
