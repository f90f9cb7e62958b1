package kafka

import (
	"encoding/json"
	"time"
)

const (
	HeaderTraceParent   = "traceparent"
	HeaderEventType     = "event_type"
	HeaderCorrelationID = "correlation_id"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
}

// Decode unmarshals the message value into v
func (m *IncomingMessage) Decode(v any) error {
	return json.Unmarshal(m.Value, v)
}

// Header returns a header value, empty when absent
func (m *IncomingMessage) Header(key string) string {
	return m.Headers[key]
}
