package runtime

import (
	"context"
	"fmt"
	"time"

	driverpkg "github.com/flowmq/flowmq/driver"
	idspkg "github.com/flowmq/flowmq/internal/runtime/ids"
	"github.com/flowmq/flowmq/internal/runtime/jsoncodec"
	"github.com/flowmq/flowmq/internal/runtime/logging"
	metadatapkg "github.com/flowmq/flowmq/internal/runtime/metadata"
)

// deadLetterer routes exhausted messages to their dead letter topic. Every
// publish is a confirmed write: an unconfirmed dead letter followed by a
// commit would lose the message.
type deadLetterer struct {
	driver  driverpkg.Driver
	metrics *DLQMetrics
	logger  logging.ServiceLogger
}

func newDeadLetterEnvelope(workerName string, msg *Inbound, cause error, retries int) DeadLetterEnvelope {
	return DeadLetterEnvelope{
		MessageID:     msg.ID,
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Payload:       msg.Raw,
		Headers:       msg.Headers.Clone(),
		Error:         cause.Error(),
		Worker:        workerName,
		Retries:       retries,
		FailedAt:      time.Now().UTC(),
	}
}

// publish writes the envelope to topic and blocks for the broker ack. The
// original payload travels inside the envelope byte-for-byte.
func (d *deadLetterer) publish(ctx context.Context, topic, workerName string, msg *Inbound, cause error, retries int) error {
	envelope := newDeadLetterEnvelope(workerName, msg, cause, retries)

	payload, err := jsoncodec.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("flowmq: encode dead letter envelope: %w", err)
	}

	id := idspkg.CreateULID()
	now := time.Now().UTC()
	headers := metadatapkg.New(
		metadatapkg.KeyMessageID, id,
		metadatapkg.KeyOriginalTopic, msg.Topic,
		metadatapkg.KeyErrorMessage, cause.Error(),
		metadatapkg.KeyWorker, workerName,
		metadatapkg.KeyProducedAt, now.Format(time.RFC3339Nano),
	)

	out := &driverpkg.Message{
		ID:    id,
		Topic: topic,
		// The original key keeps related dead letters on one partition.
		Key:       msg.Key,
		Payload:   payload,
		Headers:   headers,
		Timestamp: now,
	}

	if _, err := d.driver.Produce(ctx, out, true); err != nil {
		return wrapProduceError(topic, err)
	}

	if d.metrics != nil {
		d.metrics.RecordDeadLetter(topic, workerName, retries, time.Since(msg.Timestamp))
	}

	d.logger.Warn("Message dead-lettered", logging.LogFields{
		"worker":         workerName,
		"dlq_topic":      topic,
		"original_topic": msg.Topic,
		"message_id":     msg.ID,
		"partition":      msg.Partition,
		"offset":         msg.Offset,
		"retries":        retries,
		"error":          cause.Error(),
	})
	return nil
}

// DecodeDeadLetterEnvelope parses an envelope from a dead letter topic
// payload, for replay tooling and tests.
func DecodeDeadLetterEnvelope(data []byte) (DeadLetterEnvelope, error) {
	var envelope DeadLetterEnvelope
	if err := jsoncodec.Unmarshal(data, &envelope); err != nil {
		return DeadLetterEnvelope{}, fmt.Errorf("flowmq: decode dead letter envelope: %w", err)
	}
	return envelope, nil
}
