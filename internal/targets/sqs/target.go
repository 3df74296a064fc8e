// Package sqs implements the queue-kind target dispatcher on Amazon SQS.
package sqs

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/targets"
	"event-pipes/internal/transform"
)

// Client is the slice of the SQS API the dispatcher uses.
type Client interface {
	GetQueueUrl(ctx context.Context, params *awssqs.GetQueueUrlInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
}

// Dispatcher sends one message per payload to an SQS queue.
type Dispatcher struct {
	client    Client
	targetARN arn.ARN
	params    model.TargetParameters
	queueURL  string
	logger    logging.Logger
}

// NewDispatcher creates a queue dispatcher for the target ARN.
func NewDispatcher(client Client, targetARN arn.ARN, params model.TargetParameters, logger logging.Logger) *Dispatcher {
	return &Dispatcher{client: client, targetARN: targetARN, params: params, logger: logger}
}

func (d *Dispatcher) resolveQueueURL(ctx context.Context) (string, error) {
	if d.queueURL != "" {
		return d.queueURL, nil
	}
	out, err := d.client.GetQueueUrl(ctx, &awssqs.GetQueueUrlInput{
		QueueName:              aws.String(d.targetARN.ResourceName()),
		QueueOwnerAWSAccountId: aws.String(d.targetARN.AccountID),
	})
	if err != nil {
		return "", errors.TargetInvocationError("failed to resolve queue URL", true, err)
	}
	d.queueURL = aws.ToString(out.QueueUrl)
	return d.queueURL, nil
}

// Dispatch sends each payload as its own message and reports per-item
// outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, payloads []transform.Payload) []targets.Outcome {
	outcomes := make([]targets.Outcome, len(payloads))

	queueURL, err := d.resolveQueueURL(ctx)
	if err != nil {
		for i := range outcomes {
			outcomes[i] = targets.Outcome{Index: i, Err: err}
		}
		return outcomes
	}

	for i, payload := range payloads {
		input := &awssqs.SendMessageInput{
			QueueUrl:    aws.String(queueURL),
			MessageBody: aws.String(string(payload.Body)),
		}
		if d.params.MessageGroupID != "" {
			input.MessageGroupId = aws.String(d.params.MessageGroupID)
		}
		if d.params.MessageDeduplicationID != "" {
			input.MessageDeduplicationId = aws.String(d.params.MessageDeduplicationID)
		}

		err := targets.WithRetry(ctx, targets.DefaultRetryMax, targets.DefaultRetryBackoff, func() error {
			_, sendErr := d.client.SendMessage(ctx, input)
			if sendErr != nil {
				return targets.ClassifyAWSError("sqs send", sendErr)
			}
			return nil
		})
		if err != nil {
			d.logger.Warn("payload dispatch failed",
				logging.Int("index", i),
				logging.String("queue_url", queueURL),
				logging.Any("error", err),
			)
		}
		outcomes[i] = targets.Outcome{Index: i, Err: err}
	}
	return outcomes
}

// Close releases nothing; the SQS client is shared.
func (d *Dispatcher) Close() error {
	return nil
}
