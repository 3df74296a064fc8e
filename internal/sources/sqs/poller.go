// Package sqs implements the queue-kind source poller on Amazon SQS.
package sqs

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/sources"
)

// sqsReceiveMax is the hard per-call limit of the ReceiveMessage API.
const sqsReceiveMax = 10

// Client is the slice of the SQS API the poller uses.
type Client interface {
	GetQueueUrl(ctx context.Context, params *awssqs.GetQueueUrlInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// Poller pulls batches from one SQS queue. Items are acknowledged by
// deleting them individually; anything left unacknowledged becomes visible
// again after the queue's visibility timeout (at-least-once).
type Poller struct {
	client    Client
	sourceARN arn.ARN
	queueURL  string
	batchSize int
	window    time.Duration
	logger    logging.Logger
}

// NewPoller creates a queue poller for the given source ARN.
func NewPoller(client Client, sourceARN arn.ARN, params model.SourceParameters, logger logging.Logger) *Poller {
	return &Poller{
		client:    client,
		sourceARN: sourceARN,
		batchSize: sources.BatchSize(params),
		window:    sources.BatchingWindow(params),
		logger:    logger,
	}
}

func (p *Poller) resolveQueueURL(ctx context.Context) (string, error) {
	if p.queueURL != "" {
		return p.queueURL, nil
	}
	out, err := p.client.GetQueueUrl(ctx, &awssqs.GetQueueUrlInput{
		QueueName:              aws.String(p.sourceARN.ResourceName()),
		QueueOwnerAWSAccountId: aws.String(p.sourceARN.AccountID),
	})
	if err != nil {
		return "", errors.SourceUnavailableError("failed to resolve queue URL", err)
	}
	p.queueURL = aws.ToString(out.QueueUrl)
	return p.queueURL, nil
}

// Poll receives up to BatchSize messages within the batching window.
func (p *Poller) Poll(ctx context.Context) ([]*model.Event, sources.Ack, error) {
	queueURL, err := p.resolveQueueURL(ctx)
	if err != nil {
		return nil, nil, err
	}

	deadline := time.Now().Add(p.window)
	var events []*model.Event
	var receipts []string

	for len(events) < p.batchSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		waitSeconds := int32(remaining / time.Second)
		if waitSeconds > 20 {
			waitSeconds = 20
		}
		want := int32(p.batchSize - len(events))
		if want > sqsReceiveMax {
			want = sqsReceiveMax
		}

		out, err := p.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:              aws.String(queueURL),
			MaxNumberOfMessages:   want,
			WaitTimeSeconds:       waitSeconds,
			MessageAttributeNames: []string{string(types.QueueAttributeNameAll)},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, errors.SourceUnavailableError("receive failed", err)
		}
		if len(out.Messages) == 0 {
			if len(events) > 0 {
				break
			}
			return nil, nil, sources.ErrEmptyPoll
		}

		ingested := time.Now()
		for _, m := range out.Messages {
			events = append(events, &model.Event{
				ID:   aws.ToString(m.MessageId),
				Body: []byte(aws.ToString(m.Body)),
				Metadata: map[string]interface{}{
					"messageId":      aws.ToString(m.MessageId),
					"receiptHandle":  aws.ToString(m.ReceiptHandle),
					"eventSource":    "aws:sqs",
					"eventSourceARN": p.sourceARN.String(),
				},
				IngestionTime: ingested,
			})
			receipts = append(receipts, aws.ToString(m.ReceiptHandle))
		}
	}

	if len(events) == 0 {
		return nil, nil, sources.ErrEmptyPoll
	}
	return events, &ack{poller: p, queueURL: queueURL, receipts: receipts}, nil
}

// Close releases nothing; the SQS client is shared.
func (p *Poller) Close() error {
	return nil
}

type ack struct {
	poller   *Poller
	queueURL string
	receipts []string
}

// Commit deletes each successfully processed message. Failed items stay on
// the queue and are redelivered after the visibility timeout.
func (a *ack) Commit(ctx context.Context, succeeded []int) error {
	for _, i := range succeeded {
		if i < 0 || i >= len(a.receipts) {
			continue
		}
		_, err := a.poller.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
			QueueUrl:      aws.String(a.queueURL),
			ReceiptHandle: aws.String(a.receipts[i]),
		})
		if err != nil {
			a.poller.logger.Error("failed to delete message", err,
				logging.String("queue_url", a.queueURL),
			)
			return errors.SourceUnavailableError("delete failed", err)
		}
	}
	return nil
}
