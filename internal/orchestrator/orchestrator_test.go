package orchestrator

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/runtime"
	"event-pipes/internal/sources"
	"event-pipes/internal/store"
	"event-pipes/internal/targets"
	"event-pipes/internal/throttle"
	"event-pipes/internal/transform"
)

type stubPoller struct {
	err error
}

func (p *stubPoller) Poll(ctx context.Context) ([]*model.Event, sources.Ack, error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return nil, nil, sources.ErrEmptyPoll
}

func (p *stubPoller) Close() error { return nil }

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(ctx context.Context, payloads []transform.Payload) []targets.Outcome {
	outcomes := make([]targets.Outcome, len(payloads))
	for i := range outcomes {
		outcomes[i].Index = i
	}
	return outcomes
}

func (stubDispatcher) Close() error { return nil }

type stubSourceFactory struct {
	mu        sync.Mutex
	creates   int
	createErr error
	pollErr   error
}

func (f *stubSourceFactory) Create(pipe *model.Pipe) (sources.Poller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &stubPoller{err: f.pollErr}, nil
}

func (f *stubSourceFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type stubTargetFactory struct{}

func (stubTargetFactory) Create(pipe *model.Pipe) (targets.Dispatcher, error) {
	return stubDispatcher{}, nil
}

func newTestOrchestrator(t *testing.T, sf *stubSourceFactory) *Orchestrator {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewStore(db)
	require.NoError(t, err)

	cfg := runtime.Config{
		PollInterval:    5 * time.Millisecond,
		MaxErrorBackoff: 10 * time.Millisecond,
		RetryBudget:     2,
		DrainTimeout:    time.Second,
	}
	o := New(st, sf, stubTargetFactory{}, throttle.NoopLimiter{},
		"us-east-1", "000000000000", cfg, logging.NewDefaultLogger())
	t.Cleanup(o.Shutdown)
	return o
}

func pipeSpec(name string) *model.Pipe {
	return &model.Pipe{
		Name:      name,
		SourceARN: "arn:aws:sqs:us-east-1:000000000000:in",
		TargetARN: "arn:aws:sns:us-east-1:000000000000:out",
	}
}

func TestCreatePipeStartsWorker(t *testing.T) {
	sf := &stubSourceFactory{}
	o := newTestOrchestrator(t, sf)
	ctx := context.Background()

	created, err := o.CreatePipe(ctx, pipeSpec("orders"))
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, created.CurrentState)
	assert.Equal(t, "arn:aws:pipes:us-east-1:000000000000:pipe/orders", created.ARN)

	got, err := o.DescribePipe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, got.CurrentState)
	assert.Equal(t, 1, sf.created())
}

func TestCreatePipeRejectsBadName(t *testing.T) {
	o := newTestOrchestrator(t, &stubSourceFactory{})

	spec := pipeSpec("bad name!")
	_, err := o.CreatePipe(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	_, err = o.DescribePipe(context.Background(), "bad name!")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestCreatePipeRejectsBadFilterBeforeStoring(t *testing.T) {
	o := newTestOrchestrator(t, &stubSourceFactory{})

	spec := pipeSpec("orders")
	spec.SourceParameters.FilterCriteria = &model.FilterCriteria{
		Filters: []model.FilterPattern{{Pattern: `{"x":[{"bogus-op":1}]}`}},
	}
	_, err := o.CreatePipe(context.Background(), spec)
	require.Error(t, err)

	_, err = o.DescribePipe(context.Background(), "orders")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestCreatePipeWithDesiredStopped(t *testing.T) {
	sf := &stubSourceFactory{}
	o := newTestOrchestrator(t, sf)

	spec := pipeSpec("orders")
	spec.DesiredState = model.RequestedStopped
	created, err := o.CreatePipe(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, created.CurrentState)
	assert.Zero(t, sf.created())
}

func TestCreateFailedWhenActivationFails(t *testing.T) {
	sf := &stubSourceFactory{createErr: errors.ConfigError("unsupported source service: s3")}
	o := newTestOrchestrator(t, sf)

	_, err := o.CreatePipe(context.Background(), pipeSpec("orders"))
	require.Error(t, err)

	got, err := o.DescribePipe(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, model.StateCreateFailed, got.CurrentState)
	assert.NotEmpty(t, got.StateReason)
}

func TestStopAndStartPipe(t *testing.T) {
	sf := &stubSourceFactory{}
	o := newTestOrchestrator(t, sf)
	ctx := context.Background()

	_, err := o.CreatePipe(ctx, pipeSpec("orders"))
	require.NoError(t, err)

	stopped, err := o.StopPipe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, stopped.CurrentState)
	assert.Equal(t, model.RequestedStopped, stopped.DesiredState)

	_, err = o.StopPipe(ctx, "orders")
	assert.True(t, errors.IsType(err, errors.ErrTypeConflict))

	started, err := o.StartPipe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, started.CurrentState)

	_, err = o.StartPipe(ctx, "orders")
	assert.True(t, errors.IsType(err, errors.ErrTypeConflict))
}

func TestUpdateWhileRunningRestartsWorker(t *testing.T) {
	sf := &stubSourceFactory{}
	o := newTestOrchestrator(t, sf)
	ctx := context.Background()

	_, err := o.CreatePipe(ctx, pipeSpec("orders"))
	require.NoError(t, err)
	require.Equal(t, 1, sf.created())

	desc := "rerouted"
	updated, err := o.UpdatePipe(ctx, "orders", &model.PipeUpdate{
		Description:      &desc,
		SourceParameters: &model.SourceParameters{BatchSize: 25},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, updated.CurrentState)
	assert.Equal(t, "rerouted", updated.Description)
	assert.Equal(t, 25, updated.SourceParameters.BatchSize)
	// the worker was rebuilt with the new parameters
	assert.Equal(t, 2, sf.created())
}

func TestDeletePipeStopsAndRemoves(t *testing.T) {
	o := newTestOrchestrator(t, &stubSourceFactory{})
	ctx := context.Background()

	_, err := o.CreatePipe(ctx, pipeSpec("orders"))
	require.NoError(t, err)

	require.NoError(t, o.DeletePipe(ctx, "orders"))
	_, err = o.DescribePipe(ctx, "orders")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestRepeatedFailuresStopPipeWithReason(t *testing.T) {
	sf := &stubSourceFactory{pollErr: errors.SourceUnavailableError("broker down", nil)}
	o := newTestOrchestrator(t, sf)
	ctx := context.Background()

	_, err := o.CreatePipe(ctx, pipeSpec("orders"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := o.DescribePipe(ctx, "orders")
		return err == nil && got.CurrentState == model.StateStopped
	}, 2*time.Second, 10*time.Millisecond)

	got, err := o.DescribePipe(ctx, "orders")
	require.NoError(t, err)
	assert.Contains(t, got.StateReason, "consecutive failures")
}

func TestRecoverRestartsRunningPipes(t *testing.T) {
	sf := &stubSourceFactory{}
	o := newTestOrchestrator(t, sf)
	ctx := context.Background()

	_, err := o.CreatePipe(ctx, pipeSpec("running-pipe"))
	require.NoError(t, err)
	stoppedSpec := pipeSpec("stopped-pipe")
	stoppedSpec.DesiredState = model.RequestedStopped
	_, err = o.CreatePipe(ctx, stoppedSpec)
	require.NoError(t, err)
	o.Shutdown()

	// a fresh orchestrator over the same store picks up where we left off
	o2 := New(o.store, sf, stubTargetFactory{}, throttle.NoopLimiter{},
		"us-east-1", "000000000000", o.workerConfig, logging.NewDefaultLogger())
	t.Cleanup(o2.Shutdown)
	require.NoError(t, o2.Recover(ctx))

	got, err := o2.DescribePipe(ctx, "running-pipe")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, got.CurrentState)

	got, err = o2.DescribePipe(ctx, "stopped-pipe")
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, got.CurrentState)
}
