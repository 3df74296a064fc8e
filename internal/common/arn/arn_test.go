package arn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	a, err := Parse("arn:aws:kinesis:us-east-1:123456789012:stream/orders")
	require.NoError(t, err)
	assert.Equal(t, "aws", a.Partition)
	assert.Equal(t, "kinesis", a.Service)
	assert.Equal(t, "us-east-1", a.Region)
	assert.Equal(t, "123456789012", a.AccountID)
	assert.Equal(t, "stream/orders", a.Resource)
	assert.Equal(t, "orders", a.ResourceName())
	assert.Equal(t, "stream", a.ResourceType())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("not-an-arn")
	assert.Error(t, err)

	_, err = Parse("arn:aws:sqs")
	assert.Error(t, err)
}

func TestService(t *testing.T) {
	assert.Equal(t, "sqs", Service("arn:aws:sqs:us-east-1:123456789012:orders"))
	assert.Equal(t, "", Service("garbage"))
}

func TestIsAPIDestination(t *testing.T) {
	a, err := Parse("arn:aws:events:us-east-1:123456789012:api-destination/orders-api/aaaa")
	require.NoError(t, err)
	assert.True(t, a.IsAPIDestination())

	b, err := Parse("arn:aws:events:us-east-1:123456789012:rule/some-rule")
	require.NoError(t, err)
	assert.False(t, b.IsAPIDestination())
}
