package factory

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/model"
)

func TestCreateDerivesKindFromTargetARN(t *testing.T) {
	f := New(aws.Config{Region: "us-east-1"}, "", nil, logging.NewDefaultLogger())

	tests := []struct {
		name      string
		targetARN string
		wantErr   bool
	}{
		{"sqs queue", "arn:aws:sqs:us-east-1:000000000000:orders", false},
		{"sns topic", "arn:aws:sns:us-east-1:000000000000:alerts", false},
		{"kinesis stream", "arn:aws:kinesis:us-east-1:000000000000:stream/out", false},
		{"api destination", "arn:aws:events:us-east-1:000000000000:api-destination/hook", false},
		{"lambda unsupported", "arn:aws:lambda:us-east-1:000000000000:function:fn", true},
		{"events but not api destination", "arn:aws:events:us-east-1:000000000000:event-bus/default", true},
		{"malformed", "not-an-arn", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipe := &model.Pipe{Name: "p", TargetARN: tt.targetARN}
			d, err := f.Create(pipe)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, d)
			assert.NoError(t, d.Close())
		})
	}
}
