package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/sources"
	"event-pipes/internal/targets"
	"event-pipes/internal/throttle"
	"event-pipes/internal/transform"
)

type fakeAck struct {
	mu        sync.Mutex
	committed [][]int
}

func (a *fakeAck) Commit(ctx context.Context, succeeded []int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committed = append(a.committed, append([]int(nil), succeeded...))
	return nil
}

func (a *fakeAck) lastCommit() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.committed) == 0 {
		return nil
	}
	return a.committed[len(a.committed)-1]
}

type pollResult struct {
	events []*model.Event
	err    error
}

type fakePoller struct {
	mu      sync.Mutex
	results []pollResult
	ack     *fakeAck
	closed  bool
}

func (p *fakePoller) Poll(ctx context.Context) ([]*model.Event, sources.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return nil, nil, sources.ErrEmptyPoll
	}
	r := p.results[0]
	p.results = p.results[1:]
	if r.err != nil {
		return nil, nil, r.err
	}
	return r.events, p.ack, nil
}

func (p *fakePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	batches  [][]transform.Payload
	fail     map[int]error // payload index -> error, applied to every batch
	empty    bool          // report no outcomes regardless of input
	delay    time.Duration
	started  chan struct{}
	onceOnly sync.Once
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, payloads []transform.Payload) []targets.Outcome {
	if d.started != nil {
		d.onceOnly.Do(func() { close(d.started) })
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	d.batches = append(d.batches, payloads)
	d.mu.Unlock()

	if d.empty {
		return nil
	}
	outcomes := make([]targets.Outcome, len(payloads))
	for i := range payloads {
		outcomes[i] = targets.Outcome{Index: i, Err: d.fail[i]}
	}
	return outcomes
}

func (d *fakeDispatcher) Close() error { return nil }

func (d *fakeDispatcher) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

func events(bodies ...string) []*model.Event {
	out := make([]*model.Event, len(bodies))
	for i, b := range bodies {
		out[i] = &model.Event{ID: b, Body: []byte(b), IngestionTime: time.Now().UTC()}
	}
	return out
}

func testWorkerPipe(filterPattern string) *model.Pipe {
	pipe := &model.Pipe{
		Name:      "orders",
		ARN:       model.PipeARN("orders", "us-east-1", "000000000000"),
		SourceARN: "arn:aws:sqs:us-east-1:000000000000:in",
		TargetARN: "arn:aws:sns:us-east-1:000000000000:out",
	}
	if filterPattern != "" {
		pipe.SourceParameters.FilterCriteria = &model.FilterCriteria{
			Filters: []model.FilterPattern{{Pattern: filterPattern}},
		}
	}
	return pipe
}

func fastConfig() Config {
	return Config{
		PollInterval:    5 * time.Millisecond,
		MaxErrorBackoff: 20 * time.Millisecond,
		RetryBudget:     3,
		DrainTimeout:    time.Second,
	}
}

func TestWorkerDeliversAndCommits(t *testing.T) {
	ack := &fakeAck{}
	poller := &fakePoller{ack: ack, results: []pollResult{
		{events: events(`{"a":1}`, `{"a":2}`)},
	}}
	dispatcher := &fakeDispatcher{}

	w, err := NewWorker(testWorkerPipe(""), poller, dispatcher, throttle.NoopLimiter{},
		logging.NewDefaultLogger(), fastConfig())
	require.NoError(t, err)

	go w.Run(context.Background())
	require.Eventually(t, func() bool { return dispatcher.batchCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	assert.Equal(t, []int{0, 1}, ack.lastCommit())
	assert.True(t, poller.closed)
}

func TestWorkerToleratesDispatcherReportingNoOutcomes(t *testing.T) {
	ack := &fakeAck{}
	poller := &fakePoller{ack: ack, results: []pollResult{
		{events: events(`{"a":1}`, `{"a":2}`)},
	}}
	dispatcher := &fakeDispatcher{empty: true}

	w, err := NewWorker(testWorkerPipe(""), poller, dispatcher, throttle.NoopLimiter{},
		logging.NewDefaultLogger(), fastConfig())
	require.NoError(t, err)

	go w.Run(context.Background())
	require.Eventually(t, func() bool { return dispatcher.batchCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	// nothing was acknowledged, so the batch stays eligible for redelivery
	assert.Empty(t, ack.lastCommit())
	assert.NoError(t, w.ExitErr())
}

func TestWorkerAcksFilteredOutEventsWithoutDispatch(t *testing.T) {
	ack := &fakeAck{}
	poller := &fakePoller{ack: ack, results: []pollResult{
		{events: events(`{"type":"order"}`, `{"type":"noise"}`)},
	}}
	dispatcher := &fakeDispatcher{}

	w, err := NewWorker(testWorkerPipe(`{"type":["order"]}`), poller, dispatcher,
		throttle.NoopLimiter{}, logging.NewDefaultLogger(), fastConfig())
	require.NoError(t, err)

	go w.Run(context.Background())
	require.Eventually(t, func() bool { return dispatcher.batchCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	// both acked: index 0 delivered, index 1 dropped by the filter
	assert.ElementsMatch(t, []int{0, 1}, ack.lastCommit())
	require.Len(t, dispatcher.batches[0], 1)
	assert.JSONEq(t, `{"type":"order"}`, string(dispatcher.batches[0][0].Body))
}

func TestWorkerDoesNotAckFailedPayloads(t *testing.T) {
	ack := &fakeAck{}
	poller := &fakePoller{ack: ack, results: []pollResult{
		{events: events(`{"a":1}`, `{"a":2}`, `{"a":3}`)},
	}}
	dispatcher := &fakeDispatcher{fail: map[int]error{
		1: errors.TargetInvocationError("rejected", false, nil),
	}}

	w, err := NewWorker(testWorkerPipe(""), poller, dispatcher, throttle.NoopLimiter{},
		logging.NewDefaultLogger(), fastConfig())
	require.NoError(t, err)

	go w.Run(context.Background())
	require.Eventually(t, func() bool { return len(ack.lastCommit()) > 0 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	assert.ElementsMatch(t, []int{0, 2}, ack.lastCommit())
}

func TestWorkerGivesUpAfterRetryBudget(t *testing.T) {
	pollErr := errors.SourceUnavailableError("broker down", nil)
	poller := &fakePoller{results: []pollResult{
		{err: pollErr}, {err: pollErr}, {err: pollErr}, {err: pollErr},
	}}
	dispatcher := &fakeDispatcher{}

	w, err := NewWorker(testWorkerPipe(""), poller, dispatcher, throttle.NoopLimiter{},
		logging.NewDefaultLogger(), fastConfig())
	require.NoError(t, err)

	runErr := w.Run(context.Background())
	require.Error(t, runErr)
	assert.Equal(t, runErr, w.ExitErr())
	assert.Zero(t, dispatcher.batchCount())
}

func TestWorkerRecoversWithinRetryBudget(t *testing.T) {
	ack := &fakeAck{}
	pollErr := errors.SourceUnavailableError("blip", nil)
	poller := &fakePoller{ack: ack, results: []pollResult{
		{err: pollErr}, {err: pollErr},
		{events: events(`{"a":1}`)},
	}}
	dispatcher := &fakeDispatcher{}

	w, err := NewWorker(testWorkerPipe(""), poller, dispatcher, throttle.NoopLimiter{},
		logging.NewDefaultLogger(), fastConfig())
	require.NoError(t, err)

	go w.Run(context.Background())
	require.Eventually(t, func() bool { return dispatcher.batchCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())
	assert.Nil(t, w.ExitErr())
}

func TestStopDrainsInFlightBatch(t *testing.T) {
	ack := &fakeAck{}
	poller := &fakePoller{ack: ack, results: []pollResult{
		{events: events(`{"a":1}`)},
	}}
	started := make(chan struct{})
	dispatcher := &fakeDispatcher{delay: 50 * time.Millisecond, started: started}

	w, err := NewWorker(testWorkerPipe(""), poller, dispatcher, throttle.NoopLimiter{},
		logging.NewDefaultLogger(), fastConfig())
	require.NoError(t, err)

	go w.Run(context.Background())
	<-started
	require.NoError(t, w.Stop())

	// the batch in flight when Stop was called still got delivered and acked
	assert.Equal(t, 1, dispatcher.batchCount())
	assert.Equal(t, []int{0}, ack.lastCommit())
}

func TestWorkerRejectsInvalidFilter(t *testing.T) {
	_, err := NewWorker(testWorkerPipe(`{"x":[{"numeric":["~",1]}]}`), &fakePoller{},
		&fakeDispatcher{}, throttle.NoopLimiter{}, logging.NewDefaultLogger(), fastConfig())
	assert.Error(t, err)
}

type countingLimiter struct {
	mu     sync.Mutex
	calls  int
	denied int
}

func (l *countingLimiter) Allow(ctx context.Context, targetARN string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls <= l.denied {
		return false, time.Millisecond, nil
	}
	return true, 0, nil
}

func (l *countingLimiter) Close() error { return nil }

func TestThrottleDelaysButNeverDrops(t *testing.T) {
	ack := &fakeAck{}
	poller := &fakePoller{ack: ack, results: []pollResult{
		{events: events(`{"a":1}`)},
	}}
	dispatcher := &fakeDispatcher{}
	limiter := &countingLimiter{denied: 2}

	w, err := NewWorker(testWorkerPipe(""), poller, dispatcher, limiter,
		logging.NewDefaultLogger(), fastConfig())
	require.NoError(t, err)

	go w.Run(context.Background())
	require.Eventually(t, func() bool { return dispatcher.batchCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	assert.GreaterOrEqual(t, limiter.calls, 3)
	assert.Equal(t, []int{0}, ack.lastCommit())
}
