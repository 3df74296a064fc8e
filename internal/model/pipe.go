// Package model defines the pipe metadata records and the canonical event
// envelope moved through the engine.
package model

import (
	"fmt"
	"regexp"
	"time"
)

// PipeState is the externally observable lifecycle state of a pipe.
type PipeState string

const (
	StateCreating PipeState = "CREATING"
	StateStarting PipeState = "STARTING"
	StateRunning  PipeState = "RUNNING"
	StateStopping PipeState = "STOPPING"
	StateStopped  PipeState = "STOPPED"
	StateUpdating PipeState = "UPDATING"
	StateDeleting PipeState = "DELETING"
	// StateCreateFailed is entered when activation fails before the first poll
	StateCreateFailed PipeState = "CREATE_FAILED"
)

// RequestedState is the state the user asked the pipe to be in.
type RequestedState string

const (
	RequestedRunning RequestedState = "RUNNING"
	RequestedStopped RequestedState = "STOPPED"
	RequestedDeleted RequestedState = "DELETED"
)

const pipeNameMaxLength = 64

var pipeNamePattern = regexp.MustCompile(`^[.\-_A-Za-z0-9]+$`)

// ValidatePipeName enforces the pipe naming constraint.
func ValidatePipeName(name string) error {
	if name == "" || len(name) > pipeNameMaxLength || !pipeNamePattern.MatchString(name) {
		return fmt.Errorf("value '%s' at 'name' failed to satisfy constraint: "+
			"member must satisfy pattern [.\\-_A-Za-z0-9]+ and have length between 1 and %d",
			name, pipeNameMaxLength)
	}
	return nil
}

// PipeARN synthesizes the ARN for a pipe name.
func PipeARN(name, region, accountID string) string {
	return fmt.Sprintf("arn:aws:pipes:%s:%s:pipe/%s", region, accountID, name)
}

// FilterCriteria is an ordered set of patterns. A record is forwarded when it
// matches at least one pattern; absent criteria match everything.
type FilterCriteria struct {
	Filters []FilterPattern `json:"filters,omitempty"`
}

// FilterPattern holds one JSON-encoded predicate tree.
type FilterPattern struct {
	Pattern string `json:"pattern"`
}

// SourceParameters carries kind-specific polling configuration.
type SourceParameters struct {
	FilterCriteria        *FilterCriteria `json:"filterCriteria,omitempty"`
	BatchSize             int             `json:"batchSize,omitempty"`
	MaximumBatchingWindow time.Duration   `json:"maximumBatchingWindow,omitempty"`

	// Stream / change-feed sources
	StartingPosition       string `json:"startingPosition,omitempty"` // LATEST | TRIM_HORIZON | AT_SEQUENCE_NUMBER
	StartingSequenceNumber string `json:"startingSequenceNumber,omitempty"`

	// Kafka sources
	ConsumerGroupID string `json:"consumerGroupId,omitempty"`
	Topic           string `json:"topic,omitempty"`
	BrokerEndpoints string `json:"brokerEndpoints,omitempty"`

	// RabbitMQ (Amazon MQ) sources
	QueueName string `json:"queueName,omitempty"`
	BrokerURL string `json:"brokerUrl,omitempty"`
}

// HTTPParameters are static request parameters applied to every call to an
// HTTP destination target.
type HTTPParameters struct {
	HeaderParameters      map[string]string `json:"headerParameters,omitempty"`
	QueryStringParameters map[string]string `json:"queryStringParameters,omitempty"`
	PathParameterValues   []string          `json:"pathParameterValues,omitempty"`
}

// TargetParameters carries kind-specific invocation configuration.
type TargetParameters struct {
	InputTemplate string `json:"inputTemplate,omitempty"`

	// Kinesis targets: a literal key or a "$."-prefixed reference into the record
	PartitionKey string `json:"partitionKey,omitempty"`

	// SQS FIFO targets
	MessageGroupID         string `json:"messageGroupId,omitempty"`
	MessageDeduplicationID string `json:"messageDeduplicationId,omitempty"`

	// HTTP destination targets
	HTTPParameters *HTTPParameters `json:"httpParameters,omitempty"`
}

// Pipe is a configured, independently lifecycle-managed route from one source
// to one target. The source/target kind is derived from the ARN and immutable
// after creation.
type Pipe struct {
	Name             string           `json:"name"`
	ARN              string           `json:"arn"`
	Description      string           `json:"description,omitempty"`
	DesiredState     RequestedState   `json:"desiredState"`
	CurrentState     PipeState        `json:"currentState"`
	StateReason      string           `json:"stateReason,omitempty"`
	SourceARN        string           `json:"sourceArn"`
	SourceParameters SourceParameters `json:"sourceParameters"`
	TargetARN        string           `json:"targetArn"`
	TargetParameters TargetParameters `json:"targetParameters"`
	RoleARN          string           `json:"roleArn"`
	CreationTime     time.Time        `json:"creationTime"`
	LastModifiedTime time.Time        `json:"lastModifiedTime"`
}

// PipeUpdate carries the mutable subset of a pipe definition. Nil or empty
// fields are left unchanged; the source ARN cannot be updated.
type PipeUpdate struct {
	Description      *string           `json:"description,omitempty"`
	DesiredState     RequestedState    `json:"desiredState,omitempty"`
	SourceParameters *SourceParameters `json:"sourceParameters,omitempty"`
	TargetARN        string            `json:"targetArn,omitempty"`
	TargetParameters *TargetParameters `json:"targetParameters,omitempty"`
}

// Clone returns a deep-enough copy for handing out across goroutines. Filter
// criteria and HTTP parameters are copied so a later update cannot mutate a
// snapshot already held by a running worker.
func (p *Pipe) Clone() *Pipe {
	cp := *p
	if p.SourceParameters.FilterCriteria != nil {
		fc := FilterCriteria{Filters: append([]FilterPattern(nil), p.SourceParameters.FilterCriteria.Filters...)}
		cp.SourceParameters.FilterCriteria = &fc
	}
	if p.TargetParameters.HTTPParameters != nil {
		hp := HTTPParameters{
			HeaderParameters:      copyMap(p.TargetParameters.HTTPParameters.HeaderParameters),
			QueryStringParameters: copyMap(p.TargetParameters.HTTPParameters.QueryStringParameters),
			PathParameterValues:   append([]string(nil), p.TargetParameters.HTTPParameters.PathParameterValues...),
		}
		cp.TargetParameters.HTTPParameters = &hp
	}
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
