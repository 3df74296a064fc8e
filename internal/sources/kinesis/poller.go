// Package kinesis implements the stream-kind source poller on Amazon Kinesis.
//
// Each shard carries its own cursor. A fully successful commit advances it
// past the batch's last record; any payload failure pins it at the batch's
// first record so the same records are re-read on the next poll (ordered,
// at-least-once, head-of-line blocking per shard). Pinning matters for a
// LATEST starting position: without a cursor a fresh LATEST iterator would
// sit past the failed batch and drop it.
package kinesis

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/sources"
)

// Client is the slice of the Kinesis API the poller uses.
type Client interface {
	ListShards(ctx context.Context, params *awskinesis.ListShardsInput, optFns ...func(*awskinesis.Options)) (*awskinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *awskinesis.GetShardIteratorInput, optFns ...func(*awskinesis.Options)) (*awskinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *awskinesis.GetRecordsInput, optFns ...func(*awskinesis.Options)) (*awskinesis.GetRecordsOutput, error)
}

// Poller reads one Kinesis stream, rotating across its shards.
type Poller struct {
	client     Client
	sourceARN  arn.ARN
	streamName string
	params     model.SourceParameters
	batchSize  int
	logger     logging.Logger

	shards    []string
	nextShard int
	cursors   map[string]cursor
}

// cursor is a shard's resume point. After a committed batch it points past
// the last record; after a failed batch it points at the batch's first
// record, inclusive, so the batch is re-read.
type cursor struct {
	sequence  string
	inclusive bool
}

// NewPoller creates a stream poller starting at the configured position.
func NewPoller(client Client, sourceARN arn.ARN, params model.SourceParameters, logger logging.Logger) *Poller {
	return &Poller{
		client:     client,
		sourceARN:  sourceARN,
		streamName: sourceARN.ResourceName(),
		params:     params,
		batchSize:  sources.BatchSize(params),
		logger:     logger,
		cursors:    make(map[string]cursor),
	}
}

func (p *Poller) loadShards(ctx context.Context) error {
	if len(p.shards) > 0 {
		return nil
	}
	out, err := p.client.ListShards(ctx, &awskinesis.ListShardsInput{
		StreamName: aws.String(p.streamName),
	})
	if err != nil {
		return errors.SourceUnavailableError("failed to list shards", err)
	}
	for _, s := range out.Shards {
		p.shards = append(p.shards, aws.ToString(s.ShardId))
	}
	if len(p.shards) == 0 {
		return errors.ConfigError("stream has no shards").WithContext("stream", p.streamName)
	}
	return nil
}

func (p *Poller) shardIterator(ctx context.Context, shardID string) (string, error) {
	input := &awskinesis.GetShardIteratorInput{
		StreamName: aws.String(p.streamName),
		ShardId:    aws.String(shardID),
	}

	if cur, ok := p.cursors[shardID]; ok {
		if cur.inclusive {
			input.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
		} else {
			input.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		}
		input.StartingSequenceNumber = aws.String(cur.sequence)
	} else {
		switch p.params.StartingPosition {
		case "", "LATEST":
			input.ShardIteratorType = types.ShardIteratorTypeLatest
		case "TRIM_HORIZON":
			input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
		case "AT_SEQUENCE_NUMBER":
			input.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
			input.StartingSequenceNumber = aws.String(p.params.StartingSequenceNumber)
		default:
			return "", errors.ConfigError("unsupported starting position: " + p.params.StartingPosition)
		}
	}

	out, err := p.client.GetShardIterator(ctx, input)
	if err != nil {
		return "", errors.SourceUnavailableError("failed to get shard iterator", err)
	}
	return aws.ToString(out.ShardIterator), nil
}

// Poll reads the next batch from one shard, rotating shards across calls so
// no shard starves another.
func (p *Poller) Poll(ctx context.Context) ([]*model.Event, sources.Ack, error) {
	if err := p.loadShards(ctx); err != nil {
		return nil, nil, err
	}

	for attempts := 0; attempts < len(p.shards); attempts++ {
		shardID := p.shards[p.nextShard]
		p.nextShard = (p.nextShard + 1) % len(p.shards)

		iterator, err := p.shardIterator(ctx, shardID)
		if err != nil {
			return nil, nil, err
		}
		if iterator == "" {
			continue // shard closed
		}

		out, err := p.client.GetRecords(ctx, &awskinesis.GetRecordsInput{
			ShardIterator: aws.String(iterator),
			Limit:         aws.Int32(int32(p.batchSize)),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, errors.SourceUnavailableError("get records failed", err)
		}
		if len(out.Records) == 0 {
			continue
		}

		ingested := time.Now()
		events := make([]*model.Event, 0, len(out.Records))
		for _, r := range out.Records {
			events = append(events, &model.Event{
				ID:   aws.ToString(r.SequenceNumber),
				Body: r.Data,
				Metadata: map[string]interface{}{
					"sequenceNumber": aws.ToString(r.SequenceNumber),
					"partitionKey":   aws.ToString(r.PartitionKey),
					"shardId":        shardID,
					"eventSource":    "aws:kinesis",
					"eventSourceARN": p.sourceARN.String(),
				},
				IngestionTime: ingested,
			})
		}
		first := aws.ToString(out.Records[0].SequenceNumber)
		last := aws.ToString(out.Records[len(out.Records)-1].SequenceNumber)
		return events, &ack{poller: p, shardID: shardID, firstSequence: first, lastSequence: last, batchLen: len(events)}, nil
	}

	return nil, nil, sources.ErrEmptyPoll
}

// Close releases nothing; the Kinesis client is shared.
func (p *Poller) Close() error {
	return nil
}

type ack struct {
	poller        *Poller
	shardID       string
	firstSequence string
	lastSequence  string
	batchLen      int
}

// Commit advances the shard cursor only when the whole batch succeeded.
// Otherwise it pins the cursor at the batch's first record so the next
// poll re-reads the same records, even when no cursor existed yet.
func (a *ack) Commit(ctx context.Context, succeeded []int) error {
	if len(succeeded) == a.batchLen {
		a.poller.cursors[a.shardID] = cursor{sequence: a.lastSequence}
		return nil
	}
	a.poller.cursors[a.shardID] = cursor{sequence: a.firstSequence, inclusive: true}
	a.poller.logger.Warn("holding shard cursor after partial batch failure",
		logging.String("shard_id", a.shardID),
		logging.Int("succeeded", len(succeeded)),
		logging.Int("batch_size", a.batchLen),
	)
	return nil
}
