package kinesis

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/sources"
)

// fakeClient serves one shard whose records are addressed by offset. The
// iterator encodes the offset so re-reads after a held cursor are visible.
// latestAt is where a LATEST iterator attaches, as on the real stream:
// records at or past it were written after the iterator was created.
type fakeClient struct {
	records       []types.Record
	latestAt      int
	iteratorTypes []types.ShardIteratorType
	afterSequence []string
}

func (c *fakeClient) ListShards(ctx context.Context, params *awskinesis.ListShardsInput, optFns ...func(*awskinesis.Options)) (*awskinesis.ListShardsOutput, error) {
	return &awskinesis.ListShardsOutput{
		Shards: []types.Shard{{ShardId: aws.String("shard-0")}},
	}, nil
}

func (c *fakeClient) GetShardIterator(ctx context.Context, params *awskinesis.GetShardIteratorInput, optFns ...func(*awskinesis.Options)) (*awskinesis.GetShardIteratorOutput, error) {
	c.iteratorTypes = append(c.iteratorTypes, params.ShardIteratorType)

	offset := 0
	switch params.ShardIteratorType {
	case types.ShardIteratorTypeAfterSequenceNumber:
		c.afterSequence = append(c.afterSequence, aws.ToString(params.StartingSequenceNumber))
		for i, r := range c.records {
			if aws.ToString(r.SequenceNumber) == aws.ToString(params.StartingSequenceNumber) {
				offset = i + 1
			}
		}
	case types.ShardIteratorTypeAtSequenceNumber:
		for i, r := range c.records {
			if aws.ToString(r.SequenceNumber) == aws.ToString(params.StartingSequenceNumber) {
				offset = i
			}
		}
	case types.ShardIteratorTypeTrimHorizon:
		offset = 0
	case types.ShardIteratorTypeLatest:
		offset = c.latestAt
	}
	return &awskinesis.GetShardIteratorOutput{
		ShardIterator: aws.String(fmt.Sprintf("iter-%d", offset)),
	}, nil
}

func (c *fakeClient) GetRecords(ctx context.Context, params *awskinesis.GetRecordsInput, optFns ...func(*awskinesis.Options)) (*awskinesis.GetRecordsOutput, error) {
	var offset int
	fmt.Sscanf(aws.ToString(params.ShardIterator), "iter-%d", &offset)

	end := offset + int(aws.ToInt32(params.Limit))
	if end > len(c.records) {
		end = len(c.records)
	}
	if offset >= len(c.records) {
		return &awskinesis.GetRecordsOutput{}, nil
	}
	return &awskinesis.GetRecordsOutput{Records: c.records[offset:end]}, nil
}

func recordsOf(n int) []types.Record {
	out := make([]types.Record, n)
	for i := range out {
		out[i] = types.Record{
			SequenceNumber: aws.String(fmt.Sprintf("seq-%d", i)),
			PartitionKey:   aws.String("pk"),
			Data:           []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	return out
}

func newTestPoller(t *testing.T, client Client, params model.SourceParameters) *Poller {
	t.Helper()
	a, err := arn.Parse("arn:aws:kinesis:us-east-1:000000000000:stream/orders")
	require.NoError(t, err)
	return NewPoller(client, a, params, logging.NewDefaultLogger())
}

func TestPollFromTrimHorizon(t *testing.T) {
	client := &fakeClient{records: recordsOf(3)}
	poller := newTestPoller(t, client, model.SourceParameters{
		BatchSize:        10,
		StartingPosition: "TRIM_HORIZON",
	})

	events, ack, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.NotNil(t, ack)

	assert.Equal(t, "seq-0", events[0].ID)
	assert.Equal(t, `{"n":0}`, string(events[0].Body))
	assert.Equal(t, "aws:kinesis", events[0].Metadata["eventSource"])
	assert.Equal(t, "shard-0", events[0].Metadata["shardId"])
}

func TestLatestStartSeesNothingOld(t *testing.T) {
	client := &fakeClient{records: recordsOf(3), latestAt: 3}
	poller := newTestPoller(t, client, model.SourceParameters{BatchSize: 10})

	_, _, err := poller.Poll(context.Background())
	assert.Equal(t, sources.ErrEmptyPoll, err)
}

func TestFullCommitAdvancesCursor(t *testing.T) {
	client := &fakeClient{records: recordsOf(3)}
	poller := newTestPoller(t, client, model.SourceParameters{
		BatchSize:        2,
		StartingPosition: "TRIM_HORIZON",
	})
	ctx := context.Background()

	events, ack, err := poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NoError(t, ack.Commit(ctx, []int{0, 1}))

	events, _, err = poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "seq-2", events[0].ID)
	// the second poll resumed after the committed sequence
	assert.Equal(t, []string{"seq-1"}, client.afterSequence)
}

func TestPartialFailureHoldsCursor(t *testing.T) {
	client := &fakeClient{records: recordsOf(2)}
	poller := newTestPoller(t, client, model.SourceParameters{
		BatchSize:        2,
		StartingPosition: "TRIM_HORIZON",
	})
	ctx := context.Background()

	events, ack, err := poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// index 1 failed; the cursor must hold so both records are re-read
	require.NoError(t, ack.Commit(ctx, []int{0}))

	events, _, err = poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "seq-0", events[0].ID)
	assert.Equal(t, types.ShardIteratorTypeAtSequenceNumber, client.iteratorTypes[len(client.iteratorTypes)-1])
}

func TestFailedFirstBatchFromLatestIsRedelivered(t *testing.T) {
	// two records written after the consumer attached at LATEST
	client := &fakeClient{records: recordsOf(2), latestAt: 0}
	poller := newTestPoller(t, client, model.SourceParameters{BatchSize: 10})
	ctx := context.Background()

	events, ack, err := poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// whole batch failed; a fresh LATEST iterator would now sit past it
	require.NoError(t, ack.Commit(ctx, nil))
	client.latestAt = 2

	events, _, err = poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "seq-0", events[0].ID)
	assert.Equal(t, types.ShardIteratorTypeAtSequenceNumber, client.iteratorTypes[len(client.iteratorTypes)-1])
}

func TestAtSequenceNumberStart(t *testing.T) {
	client := &fakeClient{records: recordsOf(3)}
	poller := newTestPoller(t, client, model.SourceParameters{
		BatchSize:              10,
		StartingPosition:       "AT_SEQUENCE_NUMBER",
		StartingSequenceNumber: "seq-1",
	})

	_, _, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, client.iteratorTypes)
	assert.Equal(t, types.ShardIteratorTypeAtSequenceNumber, client.iteratorTypes[0])
}

func TestUnsupportedStartingPositionIsConfigError(t *testing.T) {
	poller := newTestPoller(t, &fakeClient{records: recordsOf(1)}, model.SourceParameters{
		StartingPosition: "AT_TIMESTAMP",
	})

	_, _, err := poller.Poll(context.Background())
	assert.Error(t, err)
}
