package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePipeName(t *testing.T) {
	tests := []struct {
		name  string
		value string
		valid bool
	}{
		{"simple", "orders", true},
		{"allowed punctuation", "orders-v2.stage_1", true},
		{"max length", strings.Repeat("a", 64), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"space", "orders pipe", false},
		{"slash", "orders/pipe", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePipeName(tt.value)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPipeARN(t *testing.T) {
	arn := PipeARN("orders", "us-east-1", "000000000000")
	assert.Equal(t, "arn:aws:pipes:us-east-1:000000000000:pipe/orders", arn)
}

func TestCloneIsolatesNestedFields(t *testing.T) {
	p := &Pipe{
		Name: "orders",
		SourceParameters: SourceParameters{
			FilterCriteria: &FilterCriteria{
				Filters: []FilterPattern{{Pattern: `{"type":["order"]}`}},
			},
		},
		TargetParameters: TargetParameters{
			HTTPParameters: &HTTPParameters{
				HeaderParameters:    map[string]string{"x-trace": "on"},
				PathParameterValues: []string{"42"},
			},
		},
	}

	cp := p.Clone()
	cp.SourceParameters.FilterCriteria.Filters[0].Pattern = `{"type":["refund"]}`
	cp.TargetParameters.HTTPParameters.HeaderParameters["x-trace"] = "off"
	cp.TargetParameters.HTTPParameters.PathParameterValues[0] = "99"

	assert.Equal(t, `{"type":["order"]}`, p.SourceParameters.FilterCriteria.Filters[0].Pattern)
	assert.Equal(t, "on", p.TargetParameters.HTTPParameters.HeaderParameters["x-trace"])
	assert.Equal(t, "42", p.TargetParameters.HTTPParameters.PathParameterValues[0])
}
