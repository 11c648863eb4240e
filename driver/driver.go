// Package driver defines the broker driver contract for FlowMQ. Each driver
// implementation (segment, sarama, channel) lives in its own sub-package and
// registers itself with the driver registry.
//
// All drivers must satisfy the contract identically from the caller's
// perspective; the difference between them is wire library and performance
// characteristics, never semantics.
package driver

import (
	"context"
	"time"

	"github.com/flowmq/flowmq/internal/runtime/metadata"
)

// Message is a unit handed to Produce. The runtime fills ID, Headers, and
// Timestamp before the message reaches a driver.
type Message struct {
	// ID is a ULID assigned by the producer.
	ID string

	// Topic names the destination log.
	Topic string

	// Key selects the ordering bucket (partition). Nil keys are balanced by
	// the driver.
	Key []byte

	// Payload is the serialized record.
	Payload []byte

	// Headers carry routing and schema metadata.
	Headers metadata.Metadata

	// Timestamp is the produce time stamped by the producer.
	Timestamp time.Time
}

// Receipt reports where a produced message landed. For fire-and-forget sends
// the receipt is best-effort: Acked is false and Partition/Offset are
// unknown until the client-side buffer drains.
type Receipt struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Acked     bool
}

// Delivery is a message pulled from a subscription, pinned to its partition
// and offset so it can be committed after the terminal outcome.
type Delivery struct {
	Message

	Partition int
	Offset    int64

	// GroupID is the consumer group the delivery belongs to.
	GroupID string
}

// Driver is the thin adapter each broker client implements.
type Driver interface {
	// Connect establishes the client. It is idempotent; callers retry it,
	// drivers do not loop internally.
	Connect(ctx context.Context) error

	// Produce sends one message. With wait=true it blocks until the broker
	// acknowledges persistence or returns a terminal error. With wait=false
	// it returns after handing the message to the client-side buffer.
	Produce(ctx context.Context, msg *Message, wait bool) (*Receipt, error)

	// ProduceBatch accepts a sequence of messages for topic and returns the
	// number accepted into the local buffer, which is not the number durably
	// written. There is no per-message ordering guarantee relative to other
	// producers.
	ProduceBatch(ctx context.Context, topic string, msgs []*Message) (int, error)

	// Flush blocks until the client-side buffer drains or timeout elapses,
	// failing with errors.ErrFlushTimeout when messages remain.
	Flush(ctx context.Context, timeout time.Duration) error

	// Subscribe joins a consumer group for the given topics. Partition
	// assignment is broker-managed and may change at any time.
	Subscribe(ctx context.Context, groupID string, topics ...string) (ConsumerHandle, error)

	// Close releases all client resources.
	Close() error
}

// ConsumerHandle is one consumer-group membership.
type ConsumerHandle interface {
	// Poll pulls the next delivery, returning (nil, nil) when timeout
	// elapses without one. It never blocks indefinitely.
	Poll(ctx context.Context, timeout time.Duration) (*Delivery, error)

	// Commit marks d (and everything before it on its partition, per broker
	// semantics) as processed. Must only be called after the delivery's
	// terminal outcome.
	Commit(ctx context.Context, d *Delivery) error

	// Close leaves the group.
	Close() error
}

// Config provides the configuration values needed by drivers. The interface
// keeps driver packages decoupled from the full config package.
type Config interface {
	GetBackend() string
	GetBrokers() []string
	GetClientID() string
	GetSecurityProtocol() string
	GetSASLMechanism() string
	GetSASLUsername() string
	GetSASLPassword() string
	GetCompression() string
	GetBatchLinger() time.Duration
	GetBatchSize() int
	GetAutoOffsetReset() string
	GetAutoCommit() bool
	GetSessionTimeout() time.Duration
}
