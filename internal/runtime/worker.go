// Package runtime runs one goroutine per RUNNING pipe: poll the source,
// filter, render, throttle, dispatch, then acknowledge what was delivered.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/filter"
	"event-pipes/internal/model"
	"event-pipes/internal/sources"
	"event-pipes/internal/targets"
	"event-pipes/internal/throttle"
	"event-pipes/internal/transform"
)

// Defaults for the poll loop.
const (
	DefaultPollInterval    = 1 * time.Second
	DefaultMaxErrorBackoff = 300 * time.Second
	DefaultRetryBudget     = 10
	DefaultDrainTimeout    = 30 * time.Second
)

// Config tunes one worker's loop timing and failure tolerance.
type Config struct {
	PollInterval    time.Duration
	MaxErrorBackoff time.Duration
	// RetryBudget is the number of consecutive failed cycles tolerated
	// before the worker gives up and reports itself stopped.
	RetryBudget  int
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxErrorBackoff <= 0 {
		c.MaxErrorBackoff = DefaultMaxErrorBackoff
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

// Worker drives one pipe. It owns the poller and dispatcher handed to it
// and closes both when the loop exits.
type Worker struct {
	pipe        *model.Pipe
	poller      sources.Poller
	dispatcher  targets.Dispatcher
	evaluator   *filter.Evaluator
	transformer *transform.Transformer
	limiter     throttle.Limiter
	logger      logging.Logger
	config      Config

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	exitErr  error
}

// NewWorker assembles a worker from an activated pipe and its strategies.
// The filter criteria are compiled here; invalid patterns fail activation.
func NewWorker(pipe *model.Pipe, poller sources.Poller, dispatcher targets.Dispatcher,
	limiter throttle.Limiter, logger logging.Logger, config Config) (*Worker, error) {

	config.applyDefaults()

	var evaluator *filter.Evaluator
	if fc := pipe.SourceParameters.FilterCriteria; fc != nil && len(fc.Filters) > 0 {
		var err error
		evaluator, err = filter.NewEvaluator(fc)
		if err != nil {
			return nil, err
		}
	}

	transformer := transform.NewTransformer(pipe.TargetParameters.InputTemplate, transform.PipeContext{
		PipeARN:   pipe.ARN,
		PipeName:  pipe.Name,
		SourceARN: pipe.SourceARN,
		TargetARN: pipe.TargetARN,
	})

	return &Worker{
		pipe:        pipe,
		poller:      poller,
		dispatcher:  dispatcher,
		evaluator:   evaluator,
		transformer: transformer,
		limiter:     limiter,
		logger:      logger.WithFields(logging.String("pipe", pipe.Name)),
		config:      config,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Run polls until stopped or the retry budget is exhausted. Successful and
// empty cycles wait the poll interval; failed cycles back off exponentially
// up to MaxErrorBackoff. A non-nil return means the worker gave up.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.poller.Close()
	defer w.dispatcher.Close()

	w.logger.Info("worker started",
		logging.String("source", w.pipe.SourceARN),
		logging.String("target", w.pipe.TargetARN))

	consecutiveFailures := 0
	for {
		select {
		case <-w.stopCh:
			w.logger.Info("worker stopped")
			return nil
		case <-ctx.Done():
			w.logger.Info("worker context cancelled")
			return nil
		default:
		}

		err := w.cycle(ctx)
		switch {
		case err == nil || err == sources.ErrEmptyPoll:
			consecutiveFailures = 0
			w.sleep(ctx, w.config.PollInterval)
		case ctx.Err() != nil:
			continue
		default:
			consecutiveFailures++
			w.logger.Error("pipe cycle failed", err,
				logging.Int("consecutiveFailures", consecutiveFailures))
			if consecutiveFailures >= w.config.RetryBudget {
				w.exitErr = errors.InternalError(
					fmt.Sprintf("giving up after %d consecutive failures", consecutiveFailures), err)
				return w.exitErr
			}
			w.sleep(ctx, w.backoff(consecutiveFailures))
		}
	}
}

// Stop asks the loop to exit and waits for the in-flight batch to drain,
// bounded by the drain timeout. Safe to call more than once.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.done:
		return nil
	case <-time.After(w.config.DrainTimeout):
		return errors.InternalError("worker did not drain within "+w.config.DrainTimeout.String(), nil)
	}
}

// ExitErr reports why the loop gave up, nil for a clean stop.
func (w *Worker) ExitErr() error {
	select {
	case <-w.done:
		return w.exitErr
	default:
		return nil
	}
}

// cycle performs one poll-process-commit round.
func (w *Worker) cycle(ctx context.Context) error {
	events, ack, err := w.poller.Poll(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return sources.ErrEmptyPoll
	}

	succeeded, err := w.process(ctx, events)
	if commitErr := ack.Commit(ctx, succeeded); commitErr != nil {
		w.logger.Error("failed to commit batch", commitErr)
		if err == nil {
			err = commitErr
		}
	}
	return err
}

// process filters, renders and dispatches a batch, returning the batch
/// indexes safe to acknowledge. Filtered-out events count as succeeded:
// dropping them is the configured outcome, not a failure.
func (w *Worker) process(ctx context.Context, events []*model.Event) ([]int, error) {
	var succeeded []int
	var kept []*model.Event
	var keptIdx []int

	for i, event := range events {
		if w.evaluator != nil && !w.evaluator.Matches(event) {
			w.logger.Debug("event filtered out", logging.String("eventId", event.ID))
			succeeded = append(succeeded, i)
			continue
		}
		kept = append(kept, event)
		keptIdx = append(keptIdx, i)
	}
	if len(kept) == 0 {
		return succeeded, nil
	}

	payloads := w.transformer.RenderBatch(kept)

	if err := w.waitForThrottle(ctx); err != nil {
		return succeeded, err
	}

	outcomes := w.dispatcher.Dispatch(ctx, payloads)
	failed := 0
	for _, o := range outcomes {
		if o.Err == nil {
			succeeded = append(succeeded, keptIdx[o.Index])
			continue
		}
		failed++
		w.logger.Error("payload dispatch failed", o.Err,
			logging.String("eventId", kept[o.Index].ID))
	}

	// a fully failed dispatch counts against the retry budget; partial
	// delivery is progress
	if failed > 0 && failed == len(outcomes) {
		return succeeded, errors.TargetInvocationError(
			fmt.Sprintf("all %d payloads failed", failed), true, outcomes[0].Err)
	}
	return succeeded, nil
}

// waitForThrottle blocks until the shared limiter admits the batch. Denied
// windows delay dispatch, they never drop it.
func (w *Worker) waitForThrottle(ctx context.Context) error {
	for {
		allowed, retryAfter, err := w.limiter.Allow(ctx, w.pipe.TargetARN)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		w.logger.Debug("dispatch throttled", logging.Duration("retryAfter", retryAfter))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return errors.InternalError("worker stopping", nil)
		case <-time.After(retryAfter):
		}
	}
}

// backoff doubles per consecutive failure, capped at MaxErrorBackoff.
func (w *Worker) backoff(failures int) time.Duration {
	d := w.config.PollInterval
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= w.config.MaxErrorBackoff {
			return w.config.MaxErrorBackoff
		}
	}
	if d > w.config.MaxErrorBackoff {
		d = w.config.MaxErrorBackoff
	}
	return d
}

// sleep waits d, returning early on stop or cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-w.stopCh:
	case <-ctx.Done():
	case <-time.After(d):
	}
}
