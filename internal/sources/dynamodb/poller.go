// Package dynamodb implements the change-feed source poller on DynamoDB
// Streams. Cursor semantics match the stream kind: a per-shard cursor that
// advances only after a fully successful dispatch and is pinned at the
// batch's first record after a failure, so a LATEST starting position
// cannot skip past an undelivered batch.
package dynamodb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddbstreams "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/sources"
)

// Client is the slice of the DynamoDB Streams API the poller uses.
type Client interface {
	DescribeStream(ctx context.Context, params *ddbstreams.DescribeStreamInput, optFns ...func(*ddbstreams.Options)) (*ddbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *ddbstreams.GetShardIteratorInput, optFns ...func(*ddbstreams.Options)) (*ddbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *ddbstreams.GetRecordsInput, optFns ...func(*ddbstreams.Options)) (*ddbstreams.GetRecordsOutput, error)
}

// Poller reads one table's change feed, rotating across stream shards.
type Poller struct {
	client    Client
	sourceARN arn.ARN
	params    model.SourceParameters
	batchSize int
	logger    logging.Logger

	shards    []string
	nextShard int
	cursors   map[string]cursor
}

// cursor is a shard's resume point: past the last record of a committed
// batch, or at the first record of a failed one.
type cursor struct {
	sequence  string
	inclusive bool
}

// NewPoller creates a change-feed poller for the given stream ARN.
func NewPoller(client Client, sourceARN arn.ARN, params model.SourceParameters, logger logging.Logger) *Poller {
	return &Poller{
		client:    client,
		sourceARN: sourceARN,
		params:    params,
		batchSize: sources.BatchSize(params),
		logger:    logger,
		cursors:   make(map[string]cursor),
	}
}

func (p *Poller) loadShards(ctx context.Context) error {
	if len(p.shards) > 0 {
		return nil
	}
	out, err := p.client.DescribeStream(ctx, &ddbstreams.DescribeStreamInput{
		StreamArn: aws.String(p.sourceARN.String()),
	})
	if err != nil {
		return errors.SourceUnavailableError("failed to describe stream", err)
	}
	if out.StreamDescription == nil {
		return errors.ConfigError("stream not found").WithContext("arn", p.sourceARN.String())
	}
	for _, s := range out.StreamDescription.Shards {
		p.shards = append(p.shards, aws.ToString(s.ShardId))
	}
	if len(p.shards) == 0 {
		return errors.ConfigError("change feed has no shards").WithContext("arn", p.sourceARN.String())
	}
	return nil
}

func (p *Poller) shardIterator(ctx context.Context, shardID string) (string, error) {
	input := &ddbstreams.GetShardIteratorInput{
		StreamArn: aws.String(p.sourceARN.String()),
		ShardId:   aws.String(shardID),
	}

	if cur, ok := p.cursors[shardID]; ok {
		if cur.inclusive {
			input.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
		} else {
			input.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		}
		input.SequenceNumber = aws.String(cur.sequence)
	} else {
		switch p.params.StartingPosition {
		case "", "LATEST":
			input.ShardIteratorType = types.ShardIteratorTypeLatest
		case "TRIM_HORIZON":
			input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
		case "AT_SEQUENCE_NUMBER":
			input.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
			input.SequenceNumber = aws.String(p.params.StartingSequenceNumber)
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

// Poll reads the next change batch from one shard.
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
			continue
		}

		out, err := p.client.GetRecords(ctx, &ddbstreams.GetRecordsInput{
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
		var first, last string
		for _, r := range out.Records {
			seq := ""
			if r.Dynamodb != nil {
				seq = aws.ToString(r.Dynamodb.SequenceNumber)
			}
			body, err := json.Marshal(changeRecord(r))
			if err != nil {
				return nil, nil, errors.InternalError("failed to encode change record", err)
			}
			events = append(events, &model.Event{
				ID:   aws.ToString(r.EventID),
				Body: body,
				Metadata: map[string]interface{}{
					"eventName":      string(r.EventName),
					"sequenceNumber": seq,
					"shardId":        shardID,
					"eventSource":    "aws:dynamodb",
					"eventSourceARN": p.sourceARN.String(),
				},
				IngestionTime: ingested,
			})
			if first == "" {
				first = seq
			}
			last = seq
		}
		return events, &ack{poller: p, shardID: shardID, firstSequence: first, lastSequence: last, batchLen: len(events)}, nil
	}

	return nil, nil, sources.ErrEmptyPoll
}

// Close releases nothing; the streams client is shared.
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

// Commit advances the shard cursor only when the whole batch succeeded,
// otherwise pins it at the batch's first record for a re-read.
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

// changeRecord shapes a stream record as a JSON document: the change type
// plus key and image attribute maps decoded into plain JSON values.
func changeRecord(r types.Record) map[string]interface{} {
	doc := map[string]interface{}{
		"eventID":   aws.ToString(r.EventID),
		"eventName": string(r.EventName),
	}
	if r.Dynamodb != nil {
		change := map[string]interface{}{
			"sequenceNumber": aws.ToString(r.Dynamodb.SequenceNumber),
		}
		if r.Dynamodb.Keys != nil {
			change["keys"] = attributeMap(r.Dynamodb.Keys)
		}
		if r.Dynamodb.NewImage != nil {
			change["newImage"] = attributeMap(r.Dynamodb.NewImage)
		}
		if r.Dynamodb.OldImage != nil {
			change["oldImage"] = attributeMap(r.Dynamodb.OldImage)
		}
		doc["dynamodb"] = change
	}
	return doc
}

func attributeMap(attrs map[string]types.AttributeValue) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = attributeValue(v)
	}
	return out
}

// attributeValue decodes the DynamoDB attribute union into a plain JSON
// value. Numbers stay strings to avoid precision loss, matching the wire
// representation.
func attributeValue(v types.AttributeValue) interface{} {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return av.Value
	case *types.AttributeValueMemberN:
		return av.Value
	case *types.AttributeValueMemberBOOL:
		return av.Value
	case *types.AttributeValueMemberNULL:
		return nil
	case *types.AttributeValueMemberB:
		return base64.StdEncoding.EncodeToString(av.Value)
	case *types.AttributeValueMemberSS:
		return av.Value
	case *types.AttributeValueMemberNS:
		return av.Value
	case *types.AttributeValueMemberM:
		return attributeMap(av.Value)
	case *types.AttributeValueMemberL:
		list := make([]interface{}, 0, len(av.Value))
		for _, item := range av.Value {
			list = append(list, attributeValue(item))
		}
		return list
	default:
		return nil
	}
}
