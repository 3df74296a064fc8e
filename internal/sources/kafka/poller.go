// Package kafka implements a stream-kind source poller for MSK / Kafka
// topic sources. Offset semantics follow the stream cursor model: offsets
// are committed only after a fully successful dispatch; on a partial
// failure the consumer seeks back to the start of the batch so the same
// records are re-read in order.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/sources"
)

// Poller consumes one Kafka topic with a dedicated consumer group.
type Poller struct {
	consumer  *kafka.Consumer
	sourceARN arn.ARN
	topic     string
	batchSize int
	window    time.Duration
	logger    logging.Logger
}

// NewPoller creates a consumer for the topic named in the source parameters
// (falling back to the ARN resource name) and subscribes it.
func NewPoller(sourceARN arn.ARN, params model.SourceParameters, logger logging.Logger) (*Poller, error) {
	topic := params.Topic
	if topic == "" {
		topic = sourceARN.ResourceName()
	}
	groupID := params.ConsumerGroupID
	if groupID == "" {
		groupID = "event-pipes-" + topic
	}

	offsetReset := "latest"
	if params.StartingPosition == "TRIM_HORIZON" {
		offsetReset = "earliest"
	}

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  params.BrokerEndpoints,
		"group.id":           groupID,
		"session.timeout.ms": 6000,
		"auto.offset.reset":  offsetReset,
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, errors.ConfigError("failed to create Kafka consumer: " + err.Error())
	}
	if err := consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		consumer.Close()
		return nil, errors.SourceUnavailableError("failed to subscribe to topic "+topic, err)
	}

	return &Poller{
		consumer:  consumer,
		sourceARN: sourceARN,
		topic:     topic,
		batchSize: sources.BatchSize(params),
		window:    sources.BatchingWindow(params),
		logger:    logger,
	}, nil
}

// Poll reads messages until the batch size is reached or the batching
// window elapses.
func (p *Poller) Poll(ctx context.Context) ([]*model.Event, sources.Ack, error) {
	deadline := time.Now().Add(p.window)
	var events []*model.Event
	var messages []*kafka.Message

	for len(events) < p.batchSize {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		msg, err := p.consumer.ReadMessage(remaining)
		if err != nil {
			if kafkaErr, ok := err.(kafka.Error); ok && kafkaErr.Code() == kafka.ErrTimedOut {
				break
			}
			return nil, nil, errors.SourceUnavailableError("kafka read failed", err)
		}

		headers := make(map[string]interface{}, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
		events = append(events, &model.Event{
			ID:   fmt.Sprintf("%s-%d-%d", p.topic, msg.TopicPartition.Partition, msg.TopicPartition.Offset),
			Body: msg.Value,
			Metadata: map[string]interface{}{
				"topic":          p.topic,
				"partition":      int(msg.TopicPartition.Partition),
				"offset":         int64(msg.TopicPartition.Offset),
				"headers":        headers,
				"eventSource":    "aws:kafka",
				"eventSourceARN": p.sourceARN.String(),
			},
			IngestionTime: time.Now(),
		})
		messages = append(messages, msg)
	}

	if len(events) == 0 {
		return nil, nil, sources.ErrEmptyPoll
	}
	return events, &ack{poller: p, messages: messages}, nil
}

// Close shuts the consumer down.
func (p *Poller) Close() error {
	return p.consumer.Close()
}

type ack struct {
	poller   *Poller
	messages []*kafka.Message
}

// Commit commits the batch offsets when every record succeeded; otherwise
// it seeks each partition back to the batch's first offset so the records
// are consumed again in order.
func (a *ack) Commit(ctx context.Context, succeeded []int) error {
	if len(succeeded) == len(a.messages) {
		if _, err := a.poller.consumer.Commit(); err != nil {
			return errors.SourceUnavailableError("offset commit failed", err)
		}
		return nil
	}

	// Rewind to the first offset seen per partition.
	firstByPartition := make(map[int32]kafka.TopicPartition)
	for _, msg := range a.messages {
		tp := msg.TopicPartition
		if existing, ok := firstByPartition[tp.Partition]; !ok || tp.Offset < existing.Offset {
			firstByPartition[tp.Partition] = tp
		}
	}
	for _, tp := range firstByPartition {
		if err := a.poller.consumer.Seek(tp, 0); err != nil {
			return errors.SourceUnavailableError("seek failed after batch failure", err)
		}
	}
	a.poller.logger.Warn("rewound kafka batch after partial failure",
		logging.String("topic", a.poller.topic),
		logging.Int("succeeded", len(succeeded)),
		logging.Int("batch_size", len(a.messages)),
	)
	return nil
}
