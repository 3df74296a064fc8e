// Package sns implements a topic target dispatcher on Amazon SNS.
package sns

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/targets"
	"event-pipes/internal/transform"
)

// Client is the slice of the SNS API the dispatcher uses.
type Client interface {
	Publish(ctx context.Context, params *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error)
}

// Dispatcher publishes one message per payload to an SNS topic.
type Dispatcher struct {
	client    Client
	targetARN arn.ARN
	logger    logging.Logger
}

// NewDispatcher creates a topic dispatcher for the target ARN.
func NewDispatcher(client Client, targetARN arn.ARN, logger logging.Logger) *Dispatcher {
	return &Dispatcher{client: client, targetARN: targetARN, logger: logger}
}

// Dispatch publishes each payload and reports per-item outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, payloads []transform.Payload) []targets.Outcome {
	outcomes := make([]targets.Outcome, len(payloads))
	topicARN := d.targetARN.String()

	for i, payload := range payloads {
		err := targets.WithRetry(ctx, targets.DefaultRetryMax, targets.DefaultRetryBackoff, func() error {
			_, pubErr := d.client.Publish(ctx, &awssns.PublishInput{
				TopicArn: aws.String(topicARN),
				Message:  aws.String(string(payload.Body)),
			})
			if pubErr != nil {
				return targets.ClassifyAWSError("sns publish", pubErr)
			}
			return nil
		})
		if err != nil {
			d.logger.Warn("payload dispatch failed",
				logging.Int("index", i),
				logging.String("topic_arn", topicARN),
				logging.Any("error", err),
			)
		}
		outcomes[i] = targets.Outcome{Index: i, Err: err}
	}
	return outcomes
}

// Close releases nothing; the SNS client is shared.
func (d *Dispatcher) Close() error {
	return nil
}
