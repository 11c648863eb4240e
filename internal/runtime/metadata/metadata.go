// Package metadata models the string headers carried alongside a message.
package metadata

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Standard header keys written and read by the runtime.
const (
	// KeyMessageID carries the producer-assigned ULID so it survives brokers
	// that have no first-class message id.
	KeyMessageID = "flowmq_id"

	// KeyEventName routes a message to a registered handler by name.
	KeyEventName = "flowmq_event"

	// KeySchemaID identifies the payload schema. For structured-binary
	// payloads this is the fully-qualified message name resolvable in the
	// shared registry.
	KeySchemaID = "flowmq_schema"

	// KeyCorrelationID ties a message to the request or message that caused it.
	KeyCorrelationID = "flowmq_correlation_id"

	// KeyProducedAt is the RFC3339Nano produce timestamp.
	KeyProducedAt = "flowmq_produced_at"

	// KeyAttempt is the 1-based attempt number stamped on retries.
	KeyAttempt = "flowmq_attempt"

	// KeyOriginalTopic is the source topic recorded on dead-letter envelopes.
	KeyOriginalTopic = "flowmq_original_topic"

	// KeyErrorMessage is the final error recorded on dead-letter envelopes.
	KeyErrorMessage = "flowmq_error"

	// KeyWorker is the identity of the worker that dead-lettered the message.
	KeyWorker = "flowmq_worker"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// Get returns the value for key, or "" when absent. Safe on a nil map.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
