package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"event-pipes/internal/model"
)

var testCtx = PipeContext{
	PipeARN:   "arn:aws:pipes:us-east-1:123456789012:pipe/orders",
	PipeName:  "orders",
	SourceARN: "arn:aws:sqs:us-east-1:123456789012:orders",
	TargetARN: "arn:aws:kinesis:us-east-1:123456789012:stream/orders-out",
}

func orderEvent(body string) *model.Event {
	return &model.Event{
		ID:            "m-1",
		Body:          []byte(body),
		IngestionTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRender_NoTemplatePassesBodyThrough(t *testing.T) {
	tr := NewTransformer("", testCtx)
	body := `{"orderId":"1","amount":10}`
	assert.Equal(t, body, string(tr.Render(orderEvent(body))))
}

func TestRender_ContextTokenAndPath(t *testing.T) {
	tr := NewTransformer(`{"src":"<aws.pipes.source-arn>","body":<$.body>}`, testCtx)
	out := tr.Render(orderEvent(`{"a":1}`))
	assert.JSONEq(t, `{"src":"arn:aws:sqs:us-east-1:123456789012:orders","body":{"a":1}}`, string(out))
}

func TestRender_AllContextTokens(t *testing.T) {
	tr := NewTransformer(
		`{"pipe":"<aws.pipes.pipe-name>","arn":"<aws.pipes.pipe-arn>","target":"<aws.pipes.target-arn>","at":"<aws.pipes.event.ingestion-time>"}`,
		testCtx)
	out := string(tr.Render(orderEvent(`{}`)))
	assert.Contains(t, out, `"pipe":"orders"`)
	assert.Contains(t, out, `"arn":"arn:aws:pipes:us-east-1:123456789012:pipe/orders"`)
	assert.Contains(t, out, `"at":"2024-05-01T12:00:00Z"`)
}

func TestRender_SingleReferencePreservesType(t *testing.T) {
	tr := NewTransformer(`<$.body>`, testCtx)
	out := tr.Render(orderEvent(`{"a":1}`))
	assert.JSONEq(t, `{"a":1}`, string(out))

	// bare string value is not quoted
	tr = NewTransformer(`<$.body.name>`, testCtx)
	out = tr.Render(orderEvent(`{"name":"alice"}`))
	assert.Equal(t, "alice", string(out))
}

func TestRender_MissingReferenceIsNull(t *testing.T) {
	tr := NewTransformer(`{"v":<$.body.nope>}`, testCtx)
	out := tr.Render(orderEvent(`{"a":1}`))
	assert.JSONEq(t, `{"v":null}`, string(out))

	tr = NewTransformer(`<$.body.nope>`, testCtx)
	assert.Equal(t, "null", string(tr.Render(orderEvent(`{"a":1}`))))
}

func TestRender_EmbeddedScalars(t *testing.T) {
	tr := NewTransformer(`{"n":<$.body.n>,"b":<$.body.b>,"s":"<$.body.s>"}`, testCtx)
	out := tr.Render(orderEvent(`{"n":3.5,"b":true,"s":"hi"}`))
	assert.JSONEq(t, `{"n":3.5,"b":true,"s":"hi"}`, string(out))
}

func TestRender_Idempotent(t *testing.T) {
	tr := NewTransformer(`{"src":"<aws.pipes.source-arn>","body":<$.body>,"at":"<aws.pipes.event.ingestion-time>"}`, testCtx)
	ev := orderEvent(`{"a":[1,2,{"b":null}]}`)
	first := tr.Render(ev)
	second := tr.Render(ev)
	assert.Equal(t, first, second)
}

func TestRender_ObjectTemplateIsNormalizedJSON(t *testing.T) {
	tr := NewTransformer(`{ "n" : <$.body.n> ,
		"name" : "<$.body.name>" }`, testCtx)
	out := tr.Render(orderEvent(`{"n":1,"name":"alice"}`))
	assert.Equal(t, `{"n":1,"name":"alice"}`, string(out))

	// substitution output that is not valid JSON stays literal
	tr = NewTransformer(`{"msg": <$.body.name> }`, testCtx)
	out = tr.Render(orderEvent(`{"name":"alice"}`))
	assert.Equal(t, `{"msg": alice }`, string(out))
}

func TestRender_MetadataInEnvelope(t *testing.T) {
	ev := orderEvent(`{"a":1}`)
	ev.Metadata = map[string]interface{}{"sequenceNumber": "42"}
	tr := NewTransformer(`{"seq":"<$.sequenceNumber>"}`, testCtx)
	assert.JSONEq(t, `{"seq":"42"}`, string(tr.Render(ev)))
}

func TestRenderBatch_PreservesOrder(t *testing.T) {
	tr := NewTransformer("", testCtx)
	events := []*model.Event{
		orderEvent(`{"i":1}`),
		orderEvent(`{"i":2}`),
		orderEvent(`{"i":3}`),
	}
	payloads := tr.RenderBatch(events)
	assert.Len(t, payloads, 3)
	for i, p := range payloads {
		assert.Same(t, events[i], p.Event)
	}
	assert.JSONEq(t, `{"i":1}`, string(payloads[0].Body))
	assert.JSONEq(t, `{"i":3}`, string(payloads[2].Body))
}

func TestResolvePath(t *testing.T) {
	v := map[string]interface{}{"a": map[string]interface{}{"b": 1.0}}
	got, ok := ResolvePath(v, "$.a.b")
	assert.True(t, ok)
	assert.Equal(t, 1.0, got)

	_, ok = ResolvePath(v, "$.a.b.c")
	assert.False(t, ok)

	_, ok = ResolvePath(v, "a.b")
	assert.False(t, ok)
}
