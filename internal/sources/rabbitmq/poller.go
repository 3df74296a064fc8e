// Package rabbitmq implements a queue-kind source poller for Amazon MQ
// RabbitMQ brokers. Acknowledgement model matches the queue kind: each
// successfully processed delivery is acked individually, failed deliveries
// are nacked with requeue so the broker redelivers them (at-least-once).
package rabbitmq

import (
	"context"
	"time"

	"github.com/streadway/amqp"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/sources"
)

// Poller pulls from one RabbitMQ queue over a dedicated channel.
type Poller struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	sourceARN arn.ARN
	queue     string
	batchSize int
	window    time.Duration
	logger    logging.Logger
}

// NewPoller dials the broker and opens a channel for the queue named in the
// source parameters.
func NewPoller(sourceARN arn.ARN, params model.SourceParameters, logger logging.Logger) (*Poller, error) {
	if params.BrokerURL == "" {
		return nil, errors.ConfigError("rabbitmq source requires brokerUrl")
	}
	queue := params.QueueName
	if queue == "" {
		queue = sourceARN.ResourceName()
	}

	conn, err := amqp.Dial(params.BrokerURL)
	if err != nil {
		return nil, errors.SourceUnavailableError("failed to connect to broker", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.SourceUnavailableError("failed to open channel", err)
	}

	return &Poller{
		conn:      conn,
		channel:   channel,
		sourceARN: sourceARN,
		queue:     queue,
		batchSize: sources.BatchSize(params),
		window:    sources.BatchingWindow(params),
		logger:    logger,
	}, nil
}

// Poll fetches up to BatchSize deliveries within the batching window.
func (p *Poller) Poll(ctx context.Context) ([]*model.Event, sources.Ack, error) {
	deadline := time.Now().Add(p.window)
	var events []*model.Event
	var tags []uint64

	for len(events) < p.batchSize {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		delivery, ok, err := p.channel.Get(p.queue, false)
		if err != nil {
			return nil, nil, errors.SourceUnavailableError("basic.get failed", err)
		}
		if !ok {
			if len(events) > 0 || time.Now().After(deadline) {
				break
			}
			// Short sleep so an empty queue is not hammered within the window.
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		headers := make(map[string]interface{}, len(delivery.Headers))
		for k, v := range delivery.Headers {
			headers[k] = v
		}
		events = append(events, &model.Event{
			ID:   delivery.MessageId,
			Body: delivery.Body,
			Metadata: map[string]interface{}{
				"deliveryTag":    delivery.DeliveryTag,
				"routingKey":     delivery.RoutingKey,
				"headers":        headers,
				"eventSource":    "aws:mq",
				"eventSourceARN": p.sourceARN.String(),
			},
			IngestionTime: time.Now(),
		})
		tags = append(tags, delivery.DeliveryTag)
	}

	if len(events) == 0 {
		return nil, nil, sources.ErrEmptyPoll
	}
	return events, &ack{poller: p, tags: tags}, nil
}

// Close tears down the channel and connection.
func (p *Poller) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

type ack struct {
	poller *Poller
	tags   []uint64
}

// Commit acks succeeded deliveries and nacks the rest with requeue.
func (a *ack) Commit(ctx context.Context, succeeded []int) error {
	ok := make(map[int]bool, len(succeeded))
	for _, i := range succeeded {
		ok[i] = true
	}
	for i, tag := range a.tags {
		if ok[i] {
			if err := a.poller.channel.Ack(tag, false); err != nil {
				return errors.SourceUnavailableError("ack failed", err)
			}
			continue
		}
		if err := a.poller.channel.Nack(tag, false, true); err != nil {
			return errors.SourceUnavailableError("nack failed", err)
		}
	}
	return nil
}
