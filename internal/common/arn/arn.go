// Package arn parses Amazon Resource Names and derives the source/target
// kind from the ARN's service and resource type.
package arn

import (
	"strings"

	"event-pipes/internal/common/errors"
)

// ARN holds the parsed components of an Amazon Resource Name,
// arn:partition:service:region:account-id:resource.
type ARN struct {
	Partition string
	Service   string
	Region    string
	AccountID string
	Resource  string
}

// Parse splits an ARN string into its components.
func Parse(s string) (ARN, error) {
	parts := strings.SplitN(s, ":", 6)
	if len(parts) < 6 || parts[0] != "arn" {
		return ARN{}, errors.ValidationError("invalid ARN: " + s)
	}
	return ARN{
		Partition: parts[1],
		Service:   parts[2],
		Region:    parts[3],
		AccountID: parts[4],
		Resource:  parts[5],
	}, nil
}

// Service extracts the service component without fully parsing.
// Returns an empty string for malformed input.
func Service(s string) string {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 4 || parts[0] != "arn" {
		return ""
	}
	return parts[2]
}

// ResourceName returns the trailing name of the resource path, e.g.
// "orders" for "stream/orders" or "pipe/orders".
func (a ARN) ResourceName() string {
	if idx := strings.LastIndex(a.Resource, "/"); idx >= 0 {
		return a.Resource[idx+1:]
	}
	return a.Resource
}

// ResourceType returns the leading segment of the resource path, e.g.
// "stream" for "stream/orders". Returns the whole resource when there is
// no path separator.
func (a ARN) ResourceType() string {
	if idx := strings.Index(a.Resource, "/"); idx >= 0 {
		return a.Resource[:idx]
	}
	return a.Resource
}

// String reassembles the ARN.
func (a ARN) String() string {
	return strings.Join([]string{"arn", a.Partition, a.Service, a.Region, a.AccountID, a.Resource}, ":")
}

// IsAPIDestination reports whether the ARN names an EventBridge API destination.
func (a ARN) IsAPIDestination() bool {
	return a.Service == "events" && strings.HasPrefix(a.Resource, "api-destination/")
}
