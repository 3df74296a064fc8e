// Package factory selects and builds the dispatcher strategy for a pipe's
// target ARN. Kind selection happens once at pipe activation.
package factory

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/connections"
	"event-pipes/internal/model"
	"event-pipes/internal/targets"
	"event-pipes/internal/targets/httpdest"
	"event-pipes/internal/targets/kinesis"
	"event-pipes/internal/targets/sns"
	"event-pipes/internal/targets/sqs"
)

// Factory builds dispatchers against a shared AWS client configuration and
// the connection resolver for API destinations.
type Factory struct {
	awsConfig aws.Config
	endpoint  string
	resolver  connections.Resolver
	logger    logging.Logger
}

// New creates a dispatcher factory.
func New(awsConfig aws.Config, endpoint string, resolver connections.Resolver, logger logging.Logger) *Factory {
	return &Factory{awsConfig: awsConfig, endpoint: endpoint, resolver: resolver, logger: logger}
}

// Create builds the dispatcher for the pipe's target kind. An unsupported or
// malformed target ARN is a fatal configuration error.
func (f *Factory) Create(pipe *model.Pipe) (targets.Dispatcher, error) {
	targetARN, err := arn.Parse(pipe.TargetARN)
	if err != nil {
		return nil, errors.ConfigError("invalid target ARN: " + pipe.TargetARN)
	}
	params := pipe.TargetParameters
	logger := f.logger.WithFields(
		logging.String("pipe", pipe.Name),
		logging.String("target", pipe.TargetARN),
	)

	switch {
	case targetARN.Service == "sqs":
		client := awssqs.NewFromConfig(f.awsConfig, func(o *awssqs.Options) {
			if f.endpoint != "" {
				o.BaseEndpoint = aws.String(f.endpoint)
			}
		})
		return sqs.NewDispatcher(client, targetARN, params, logger), nil

	case targetARN.Service == "sns":
		client := awssns.NewFromConfig(f.awsConfig, func(o *awssns.Options) {
			if f.endpoint != "" {
				o.BaseEndpoint = aws.String(f.endpoint)
			}
		})
		return sns.NewDispatcher(client, targetARN, logger), nil

	case targetARN.Service == "kinesis":
		client := awskinesis.NewFromConfig(f.awsConfig, func(o *awskinesis.Options) {
			if f.endpoint != "" {
				o.BaseEndpoint = aws.String(f.endpoint)
			}
		})
		return kinesis.NewDispatcher(client, targetARN, params, logger), nil

	case targetARN.IsAPIDestination():
		return httpdest.New(pipe.TargetARN, f.resolver, params, logger), nil

	default:
		return nil, errors.ConfigError("unsupported target service: " + targetARN.Service).
			WithContext("arn", pipe.TargetARN)
	}
}
