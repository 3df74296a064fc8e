package model

import (
	"encoding/json"
	"time"
)

// Event is the canonical record envelope produced by a poller from a
// source-native record. Downstream stages read it but never mutate it;
// transformations produce new payload values.
type Event struct {
	// ID is the source-native identifier (message id, sequence number)
	ID string
	// Body is the raw record body, JSON when the source provides JSON
	Body []byte
	// Metadata carries source-specific fields such as the queue receipt
	// handle, stream shard and sequence number, or change type
	Metadata map[string]interface{}
	// IngestionTime is when the poller pulled the record
	IngestionTime time.Time
}

// BodyJSON unmarshals the body into a generic JSON value. Non-JSON bodies
// are returned as a string so filter and template paths still see a value.
func (e *Event) BodyJSON() interface{} {
	var v interface{}
	if err := json.Unmarshal(e.Body, &v); err != nil {
		return string(e.Body)
	}
	return v
}
