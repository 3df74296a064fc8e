// Package targets defines the dispatch side of a pipe: one Dispatcher
// strategy per target kind, selected from the target ARN at activation.
package targets

import (
	"context"
	stderrors "errors"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/transform"
)

// Outcome is the per-payload dispatch result. A nil Err means delivered.
// Failed payloads do not get their source items acknowledged; whether
// replay will repeat them depends on the source kind.
type Outcome struct {
	Index int
	Err   error
}

// Dispatcher sends rendered payloads to one target. Implementations report
// one outcome per payload and never abort the whole batch on a per-payload
// failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, payloads []transform.Payload) []Outcome
	Close() error
}

// Retry policy for transient per-payload failures inside a dispatcher.
const (
	DefaultRetryMax     = 3
	DefaultRetryBackoff = 250 * time.Millisecond
)

// WithRetry runs fn, retrying transient failures up to attempts times with
// linear backoff. Permanent failures return immediately; a transient
// failure that exhausts the budget is returned as-is and treated as
// permanent for that payload.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errors.IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(attempt+1)):
		}
	}
	return err
}

// ClassifyAWSError wraps an AWS SDK call error as a target invocation
// error: 4xx responses are permanent for the payload, everything else
// (5xx, throttling, transport failures) is transient.
func ClassifyAWSError(op string, err error) error {
	var re *awshttp.ResponseError
	if stderrors.As(err, &re) {
		status := re.HTTPStatusCode()
		if status >= 400 && status < 500 && status != 429 {
			return errors.TargetInvocationError(op+" rejected", false, err)
		}
	}
	return errors.TargetInvocationError(op+" failed", true, err)
}

// Succeeded collects the indexes of the successful outcomes.
func Succeeded(outcomes []Outcome) []int {
	var ok []int
	for _, o := range outcomes {
		if o.Err == nil {
			ok = append(ok, o.Index)
		}
	}
	return ok
}
