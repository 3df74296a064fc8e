// Package factory selects and builds the poller strategy for a pipe's
// source ARN. Kind selection happens once at pipe activation.
package factory

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ddbstreams "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"event-pipes/internal/common/arn"
	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
	"event-pipes/internal/sources"
	"event-pipes/internal/sources/dynamodb"
	"event-pipes/internal/sources/kafka"
	"event-pipes/internal/sources/kinesis"
	"event-pipes/internal/sources/rabbitmq"
	"event-pipes/internal/sources/sqs"
)

// Factory builds pollers against a shared AWS client configuration.
// Endpoint, when set, overrides the AWS endpoint for every service client
// (LocalStack-style development setups).
type Factory struct {
	awsConfig aws.Config
	endpoint  string
	logger    logging.Logger
}

// New creates a poller factory.
func New(awsConfig aws.Config, endpoint string, logger logging.Logger) *Factory {
	return &Factory{awsConfig: awsConfig, endpoint: endpoint, logger: logger}
}

// Create builds the poller for the pipe's source kind. An unsupported or
// malformed source ARN is a fatal configuration error.
func (f *Factory) Create(pipe *model.Pipe) (sources.Poller, error) {
	sourceARN, err := arn.Parse(pipe.SourceARN)
	if err != nil {
		return nil, errors.ConfigError("invalid source ARN: " + pipe.SourceARN)
	}
	params := pipe.SourceParameters
	logger := f.logger.WithFields(
		logging.String("pipe", pipe.Name),
		logging.String("source", pipe.SourceARN),
	)

	switch sourceARN.Service {
	case "sqs":
		client := awssqs.NewFromConfig(f.awsConfig, func(o *awssqs.Options) {
			if f.endpoint != "" {
				o.BaseEndpoint = aws.String(f.endpoint)
			}
		})
		return sqs.NewPoller(client, sourceARN, params, logger), nil

	case "kinesis":
		client := awskinesis.NewFromConfig(f.awsConfig, func(o *awskinesis.Options) {
			if f.endpoint != "" {
				o.BaseEndpoint = aws.String(f.endpoint)
			}
		})
		return kinesis.NewPoller(client, sourceARN, params, logger), nil

	case "dynamodb":
		client := ddbstreams.NewFromConfig(f.awsConfig, func(o *ddbstreams.Options) {
			if f.endpoint != "" {
				o.BaseEndpoint = aws.String(f.endpoint)
			}
		})
		return dynamodb.NewPoller(client, sourceARN, params, logger), nil

	case "kafka":
		return kafka.NewPoller(sourceARN, params, logger)

	case "mq":
		return rabbitmq.NewPoller(sourceARN, params, logger)

	default:
		return nil, errors.ConfigError("unsupported source service: " + sourceARN.Service).
			WithContext("arn", pipe.SourceARN)
	}
}
