// Package orchestrator owns the pipe lifecycle: it is the only place
// workers are started and stopped, and the only writer of pipe state.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/filter"
	"event-pipes/internal/model"
	"event-pipes/internal/runtime"
	"event-pipes/internal/sources"
	"event-pipes/internal/store"
	"event-pipes/internal/targets"
	"event-pipes/internal/throttle"
)

// SourceFactory builds the poller for a pipe's source kind. Satisfied by
// the sources factory; an interface so tests can swap in fakes.
type SourceFactory interface {
	Create(pipe *model.Pipe) (sources.Poller, error)
}

// TargetFactory builds the dispatcher for a pipe's target kind.
type TargetFactory interface {
	Create(pipe *model.Pipe) (targets.Dispatcher, error)
}

// Orchestrator exposes the pipe command surface and drives each pipe
// through its state machine. All state writes flow through here.
type Orchestrator struct {
	store         *store.Store
	sourceFactory SourceFactory
	targetFactory TargetFactory
	limiter       throttle.Limiter
	logger        logging.Logger
	workerConfig  runtime.Config
	region        string
	accountID     string

	mu      sync.Mutex
	workers map[string]*runtime.Worker
	cancels map[string]context.CancelFunc

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New creates an orchestrator. Call Shutdown to stop every worker.
func New(st *store.Store, sf SourceFactory, tf TargetFactory, limiter throttle.Limiter,
	region, accountID string, workerConfig runtime.Config, logger logging.Logger) *Orchestrator {

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:         st,
		sourceFactory: sf,
		targetFactory: tf,
		limiter:       limiter,
		logger:        logger,
		workerConfig:  workerConfig,
		region:        region,
		accountID:     accountID,
		workers:       make(map[string]*runtime.Worker),
		cancels:       make(map[string]context.CancelFunc),
		rootCtx:       ctx,
		rootCancel:    cancel,
	}
}

// Recover restarts workers for stored pipes whose desired state is RUNNING.
// Called once at process start.
func (o *Orchestrator) Recover(ctx context.Context) error {
	pipes, err := o.store.List(ctx, "", "")
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, pipe := range pipes {
		if pipe.DesiredState != model.RequestedRunning {
			o.setState(ctx, pipe, model.StateStopped, pipe.StateReason)
			continue
		}
		if err := o.startLocked(ctx, pipe); err != nil {
			o.logger.Error("failed to recover pipe", err, logging.String("pipe", pipe.Name))
			o.setState(ctx, pipe, model.StateStopped, err.Error())
		}
	}
	return nil
}

// CreatePipe validates and persists a pipe, then activates it when the
// desired state is RUNNING. Filter criteria are validated here so a bad
// pattern is rejected before anything is stored.
func (o *Orchestrator) CreatePipe(ctx context.Context, pipe *model.Pipe) (*model.Pipe, error) {
	if err := model.ValidatePipeName(pipe.Name); err != nil {
		return nil, errors.ValidationError(err.Error())
	}
	if pipe.SourceARN == "" || pipe.TargetARN == "" {
		return nil, errors.ValidationError("source and target ARNs are required")
	}
	if err := filter.ValidateCriteria(pipe.SourceParameters.FilterCriteria); err != nil {
		return nil, err
	}
	if pipe.DesiredState == "" {
		pipe.DesiredState = model.RequestedRunning
	}

	now := time.Now().UTC()
	pipe.ARN = model.PipeARN(pipe.Name, o.region, o.accountID)
	pipe.CurrentState = model.StateCreating
	pipe.CreationTime = now
	pipe.LastModifiedTime = now

	if err := o.store.Create(ctx, pipe); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if pipe.DesiredState == model.RequestedRunning {
		if err := o.startLocked(ctx, pipe); err != nil {
			o.setState(ctx, pipe, model.StateCreateFailed, err.Error())
			return pipe.Clone(), err
		}
	} else {
		o.setState(ctx, pipe, model.StateStopped, "")
	}
	return pipe.Clone(), nil
}

// DescribePipe returns the stored pipe.
func (o *Orchestrator) DescribePipe(ctx context.Context, name string) (*model.Pipe, error) {
	return o.store.Get(ctx, name)
}

// ListPipes returns stored pipes filtered by name prefix and state.
func (o *Orchestrator) ListPipes(ctx context.Context, namePrefix string, state model.PipeState) ([]*model.Pipe, error) {
	return o.store.List(ctx, namePrefix, state)
}

// UpdatePipe applies new parameters. A running pipe is stopped, updated and
// restarted so the new parameters take effect on the next cycle. The source
// ARN is immutable; the target may change.
func (o *Orchestrator) UpdatePipe(ctx context.Context, name string, update *model.PipeUpdate) (*model.Pipe, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pipe, err := o.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if update.SourceParameters != nil {
		if err := filter.ValidateCriteria(update.SourceParameters.FilterCriteria); err != nil {
			return nil, err
		}
	}

	wasRunning := o.workers[name] != nil
	if wasRunning {
		o.setState(ctx, pipe, model.StateUpdating, "")
		o.stopLocked(name)
	}

	if update.Description != nil {
		pipe.Description = *update.Description
	}
	if update.DesiredState != "" {
		pipe.DesiredState = update.DesiredState
	}
	if update.SourceParameters != nil {
		pipe.SourceParameters = *update.SourceParameters
	}
	if update.TargetARN != "" {
		pipe.TargetARN = update.TargetARN
	}
	if update.TargetParameters != nil {
		pipe.TargetParameters = *update.TargetParameters
	}
	if err := o.store.Update(ctx, pipe); err != nil {
		return nil, err
	}

	if pipe.DesiredState == model.RequestedRunning {
		if err := o.startLocked(ctx, pipe); err != nil {
			o.setState(ctx, pipe, model.StateStopped, err.Error())
			return nil, err
		}
	} else {
		o.setState(ctx, pipe, model.StateStopped, "")
	}
	return pipe.Clone(), nil
}

// DeletePipe stops the worker if one is running and removes the pipe.
func (o *Orchestrator) DeletePipe(ctx context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	pipe, err := o.store.Get(ctx, name)
	if err != nil {
		return err
	}
	o.setState(ctx, pipe, model.StateDeleting, "")
	o.stopLocked(name)
	return o.store.Delete(ctx, name)
}

// StartPipe moves a stopped pipe back to RUNNING.
func (o *Orchestrator) StartPipe(ctx context.Context, name string) (*model.Pipe, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pipe, err := o.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if o.workers[name] != nil {
		return nil, errors.ConflictError("pipe " + name + " is already running")
	}

	pipe.DesiredState = model.RequestedRunning
	if err := o.store.Update(ctx, pipe); err != nil {
		return nil, err
	}
	if err := o.startLocked(ctx, pipe); err != nil {
		o.setState(ctx, pipe, model.StateStopped, err.Error())
		return nil, err
	}
	return pipe.Clone(), nil
}

// StopPipe drains and stops a running pipe. Blocks until the in-flight
// batch finishes, bounded by the worker drain timeout.
func (o *Orchestrator) StopPipe(ctx context.Context, name string) (*model.Pipe, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pipe, err := o.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if o.workers[name] == nil {
		return nil, errors.ConflictError("pipe " + name + " is not running")
	}

	pipe.DesiredState = model.RequestedStopped
	if err := o.store.Update(ctx, pipe); err != nil {
		return nil, err
	}

	o.setState(ctx, pipe, model.StateStopping, "")
	o.stopLocked(name)
	o.setState(ctx, pipe, model.StateStopped, "")
	return pipe.Clone(), nil
}

// Shutdown stops every worker and blocks until they drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	names := make([]string, 0, len(o.workers))
	for name := range o.workers {
		names = append(names, name)
	}
	for _, name := range names {
		o.stopLocked(name)
	}
	o.mu.Unlock()
	o.rootCancel()
}

// startLocked activates a pipe: builds its strategies, moves it through
// STARTING to RUNNING and launches the worker goroutine. Caller holds o.mu.
func (o *Orchestrator) startLocked(ctx context.Context, pipe *model.Pipe) error {
	o.setState(ctx, pipe, model.StateStarting, "")

	snapshot := pipe.Clone()
	poller, err := o.sourceFactory.Create(snapshot)
	if err != nil {
		return err
	}
	dispatcher, err := o.targetFactory.Create(snapshot)
	if err != nil {
		poller.Close()
		return err
	}
	worker, err := runtime.NewWorker(snapshot, poller, dispatcher, o.limiter, o.logger, o.workerConfig)
	if err != nil {
		poller.Close()
		dispatcher.Close()
		return err
	}

	workerCtx, cancel := context.WithCancel(o.rootCtx)
	o.workers[pipe.Name] = worker
	o.cancels[pipe.Name] = cancel

	go func() {
		err := worker.Run(workerCtx)
		if err == nil {
			return
		}
		// worker gave up on its own; record the terminal stop
		o.mu.Lock()
		if o.workers[pipe.Name] == worker {
			delete(o.workers, pipe.Name)
			delete(o.cancels, pipe.Name)
		}
		o.mu.Unlock()
		o.logger.Error("pipe stopped after repeated failures", err, logging.String("pipe", pipe.Name))
		if serr := o.store.UpdateState(context.Background(), pipe.Name, model.StateStopped, err.Error()); serr != nil {
			o.logger.Error("failed to record pipe stop", serr, logging.String("pipe", pipe.Name))
		}
	}()

	o.setState(ctx, pipe, model.StateRunning, "")
	return nil
}

// stopLocked drains and forgets a worker if one exists. Caller holds o.mu.
func (o *Orchestrator) stopLocked(name string) {
	worker := o.workers[name]
	if worker == nil {
		return
	}
	delete(o.workers, name)
	cancel := o.cancels[name]
	delete(o.cancels, name)

	if err := worker.Stop(); err != nil {
		o.logger.Error("worker drain timed out", err, logging.String("pipe", name))
		cancel()
		return
	}
	cancel()
}

// setState records a lifecycle transition on both the in-memory pipe and
// the store. Store failures are logged, not propagated: the state machine
// must keep moving.
func (o *Orchestrator) setState(ctx context.Context, pipe *model.Pipe, state model.PipeState, reason string) {
	pipe.CurrentState = state
	pipe.StateReason = reason
	if err := o.store.UpdateState(ctx, pipe.Name, state, reason); err != nil && !errors.IsType(err, errors.ErrTypeNotFound) {
		o.logger.Error("failed to persist pipe state", err,
			logging.String("pipe", pipe.Name), logging.String("state", string(state)))
	}
}
