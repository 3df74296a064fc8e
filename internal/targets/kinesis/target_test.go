package kinesis

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/transform"
)

type fakeClient struct {
	puts []*awskinesis.PutRecordInput
}

func (c *fakeClient) PutRecord(ctx context.Context, params *awskinesis.PutRecordInput, optFns ...func(*awskinesis.Options)) (*awskinesis.PutRecordOutput, error) {
	c.puts = append(c.puts, params)
	return &awskinesis.PutRecordOutput{}, nil
}

func newTestDispatcher(t *testing.T, client Client, params model.TargetParameters) *Dispatcher {
	t.Helper()
	a, err := arn.Parse("arn:aws:kinesis:us-east-1:000000000000:stream/out")
	require.NoError(t, err)
	return NewDispatcher(client, a, params, logging.NewDefaultLogger())
}

func eventPayload(body string) transform.Payload {
	return transform.Payload{
		Body:  []byte(body),
		Event: &model.Event{Body: []byte(body)},
	}
}

func TestPartitionKeyFromBodyReference(t *testing.T) {
	client := &fakeClient{}
	d := newTestDispatcher(t, client, model.TargetParameters{PartitionKey: "$.orderId"})

	outcomes := d.Dispatch(context.Background(), []transform.Payload{
		eventPayload(`{"orderId":"order-42","amount":10}`),
	})
	require.NoError(t, outcomes[0].Err)
	require.Len(t, client.puts, 1)
	assert.Equal(t, "order-42", aws.ToString(client.puts[0].PartitionKey))
	assert.Equal(t, "out", aws.ToString(client.puts[0].StreamName))
}

func TestPartitionKeyLiteralAndDefault(t *testing.T) {
	client := &fakeClient{}
	d := newTestDispatcher(t, client, model.TargetParameters{PartitionKey: "fixed"})
	d.Dispatch(context.Background(), []transform.Payload{eventPayload(`{"a":1}`)})
	assert.Equal(t, "fixed", aws.ToString(client.puts[0].PartitionKey))

	client = &fakeClient{}
	d = newTestDispatcher(t, client, model.TargetParameters{})
	d.Dispatch(context.Background(), []transform.Payload{eventPayload(`{"a":1}`)})
	assert.Equal(t, "default", aws.ToString(client.puts[0].PartitionKey))
}

func TestPartitionKeyMissingReferenceFallsBack(t *testing.T) {
	client := &fakeClient{}
	d := newTestDispatcher(t, client, model.TargetParameters{PartitionKey: "$.missing"})
	d.Dispatch(context.Background(), []transform.Payload{eventPayload(`{"a":1}`)})
	assert.Equal(t, "default", aws.ToString(client.puts[0].PartitionKey))
}

func TestNonStringReferenceFormatted(t *testing.T) {
	client := &fakeClient{}
	d := newTestDispatcher(t, client, model.TargetParameters{PartitionKey: "$.shard"})
	d.Dispatch(context.Background(), []transform.Payload{eventPayload(`{"shard":7}`)})
	assert.Equal(t, "7", aws.ToString(client.puts[0].PartitionKey))
}

func TestRecordsWrittenInOrder(t *testing.T) {
	client := &fakeClient{}
	d := newTestDispatcher(t, client, model.TargetParameters{})

	d.Dispatch(context.Background(), []transform.Payload{
		eventPayload(`{"n":1}`), eventPayload(`{"n":2}`), eventPayload(`{"n":3}`),
	})
	require.Len(t, client.puts, 3)
	assert.Equal(t, `{"n":1}`, string(client.puts[0].Data))
	assert.Equal(t, `{"n":2}`, string(client.puts[1].Data))
	assert.Equal(t, `{"n":3}`, string(client.puts[2].Data))
}
