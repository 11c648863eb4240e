package runtime

import (
	"context"
	"time"

	metadatapkg "github.com/flowmq/flowmq/internal/runtime/metadata"
)

// Inbound is the view of a consumed message handed to a processing function.
type Inbound struct {
	// ID is the producer-assigned message id.
	ID string

	// Topic, Partition, and Offset locate the record on the broker.
	Topic     string
	Partition int
	Offset    int64

	// Key is the partition key, nil when the producer did not set one.
	Key []byte

	// Raw is the payload exactly as stored on the broker.
	Raw []byte

	// Payload is the decoded payload when the worker declares an input
	// schema: a proto.Message for structured-binary topics, a
	// map[string]any for plain structured topics, the raw bytes otherwise.
	Payload any

	// Headers are the message headers.
	Headers metadatapkg.Metadata

	// Attempt is the 1-based number of the current processing attempt.
	// Attempt 1 is the first delivery; retries increment it.
	Attempt int

	// Timestamp is the produce time recorded by the broker.
	Timestamp time.Time
}

// Event returns the routing event name carried in the headers, if any.
func (in *Inbound) Event() string {
	return in.Headers.Get(metadatapkg.KeyEventName)
}

// Outbound is a result message a processing function emits to the worker's
// output topic.
type Outbound struct {
	// Payload is validated against the output topic's schema before publish.
	Payload any

	// Key optionally pins the output to an ordering bucket.
	Key []byte

	// Headers are merged over the headers the producer stamps.
	Headers metadatapkg.Metadata
}

// ProcessFunc is a worker's processing function. Returned outbounds are
// published to the worker's output topic before the input offset is
// committed; output publish failure fails the whole unit of work.
//
// Errors are retryable by default. Wrap with errors.Permanent (or return a
// SchemaError) to skip the remaining retry budget.
type ProcessFunc func(ctx context.Context, msg *Inbound) ([]Outbound, error)

// DeadLetterEnvelope is the wire format written to a dead-letter topic. The
// original payload and headers are carried unmodified; the envelope is
// written once and never mutated.
type DeadLetterEnvelope struct {
	MessageID     string               `json:"message_id"`
	OriginalTopic string               `json:"original_topic"`
	Partition     int                  `json:"partition"`
	Offset        int64                `json:"offset"`
	Payload       []byte               `json:"payload"`
	Headers       metadatapkg.Metadata `json:"headers"`
	Error         string               `json:"error"`
	Worker        string               `json:"worker"`
	Retries       int                  `json:"retries_attempted"`
	FailedAt      time.Time            `json:"failed_at"`
}
