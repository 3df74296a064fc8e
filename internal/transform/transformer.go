// Package transform renders outbound payloads from polled events and pipe
// metadata using the input-template mini-language.
//
// Templates are scanned for <...> references of two forms: <$.path.to.field>
// resolves into the event envelope, and <aws.pipes.X> tokens resolve from the
// pipe context. A template that consists of exactly one reference preserves
// the referenced value's type instead of string-splicing it; unresolved
// references render as null. A template whose trimmed form starts with "{"
// is re-parsed after substitution so the payload is normalized JSON.
// Rendering is deterministic for a fixed (event, context) pair.
package transform

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"event-pipes/internal/model"
)

var placeholderPattern = regexp.MustCompile(`<(.*?)>`)

// PipeContext carries the pipe metadata referenced by <aws.pipes.*> tokens.
type PipeContext struct {
	PipeARN   string
	PipeName  string
	SourceARN string
	TargetARN string
}

// Payload is one rendered value ready for dispatch, paired with the event it
// was rendered from so dispatchers can resolve record references such as
// partition keys.
type Payload struct {
	Body  []byte
	Event *model.Event
}

// Transformer renders payloads for one pipe. It is stateless per render and
// safe for concurrent use.
type Transformer struct {
	template string
	ctx      PipeContext
}

// NewTransformer creates a transformer. An empty template passes event bodies
// through unchanged.
func NewTransformer(template string, ctx PipeContext) *Transformer {
	return &Transformer{template: template, ctx: ctx}
}

// Render produces the payload for a single event.
func (t *Transformer) Render(event *model.Event) []byte {
	if t.template == "" {
		return event.Body
	}

	envelope := Envelope(event)
	trimmed := strings.TrimSpace(t.template)

	// A template that is exactly one reference keeps the value's type rather
	// than double-encoding it through string substitution.
	if m := placeholderPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		value, ok := t.resolve(m[1], event, envelope)
		return renderWhole(value, ok)
	}

	result := placeholderPattern.ReplaceAllStringFunc(t.template, func(match string) string {
		key := match[1 : len(match)-1]
		value, ok := t.resolve(key, event, envelope)
		return renderEmbedded(value, ok)
	})

	// an object template is re-parsed after substitution so the payload is
	// normalized JSON; substitution output that does not parse is kept as
	// literal text
	if strings.HasPrefix(trimmed, "{") {
		if normalized, ok := reencode(result); ok {
			return normalized
		}
	}
	return []byte(result)
}

func reencode(s string) ([]byte, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

// RenderBatch renders all events in arrival order.
func (t *Transformer) RenderBatch(events []*model.Event) []Payload {
	payloads := make([]Payload, 0, len(events))
	for _, e := range events {
		payloads = append(payloads, Payload{Body: t.Render(e), Event: e})
	}
	return payloads
}

// Envelope builds the JSON object that $.-path references resolve against:
// the source metadata fields plus the parsed record body under "body".
func Envelope(event *model.Event) map[string]interface{} {
	env := make(map[string]interface{}, len(event.Metadata)+1)
	for k, v := range event.Metadata {
		env[k] = v
	}
	env["body"] = event.BodyJSON()
	return env
}

func (t *Transformer) resolve(key string, event *model.Event, envelope map[string]interface{}) (interface{}, bool) {
	if strings.HasPrefix(key, "$.") {
		return ResolvePath(envelope, key)
	}
	switch key {
	case "aws.pipes.pipe-arn":
		return t.ctx.PipeARN, true
	case "aws.pipes.pipe-name":
		return t.ctx.PipeName, true
	case "aws.pipes.source-arn":
		return t.ctx.SourceARN, true
	case "aws.pipes.target-arn":
		return t.ctx.TargetARN, true
	case "aws.pipes.event.ingestion-time":
		return event.IngestionTime.UTC().Format(time.RFC3339Nano), true
	case "aws.pipes.event", "aws.pipes.event.json":
		return event.BodyJSON(), true
	}
	return nil, false
}

// ResolvePath walks a "$."-prefixed dotted path through a JSON value.
func ResolvePath(value interface{}, path string) (interface{}, bool) {
	if !strings.HasPrefix(path, "$.") {
		return nil, false
	}
	current := value
	for _, key := range strings.Split(path[2:], ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// renderWhole serializes a full-template reference. Strings stay unquoted so
// a template of exactly <$.name> yields the bare value.
func renderWhole(value interface{}, ok bool) []byte {
	if !ok {
		return []byte("null")
	}
	if s, isString := value.(string); isString {
		return []byte(s)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return []byte("null")
	}
	return b
}

// renderEmbedded serializes a reference spliced into surrounding literal
// text. Strings are inserted raw; everything else is JSON-encoded.
func renderEmbedded(value interface{}, ok bool) string {
	if !ok {
		return "null"
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(b)
	}
}
