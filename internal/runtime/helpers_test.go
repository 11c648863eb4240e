package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	driverpkg "github.com/flowmq/flowmq/driver"
	"github.com/flowmq/flowmq/internal/runtime/logging"
	schemapkg "github.com/flowmq/flowmq/internal/runtime/schema"
)

// fakeDriver records produced messages and serves scripted deliveries.
type fakeDriver struct {
	mu         sync.Mutex
	confirmed  []*driverpkg.Message
	buffered   []*driverpkg.Message
	produceErr map[string]error
	flushErr   error
	handle     *fakeHandle
	nextOffset int64

	// block, when non-nil, stalls fire-and-forget produces until closed.
	block chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{handle: newFakeHandle(), produceErr: make(map[string]error)}
}

func (d *fakeDriver) failProduce(topic string, err error) {
	d.mu.Lock()
	d.produceErr[topic] = err
	d.mu.Unlock()
}

func (d *fakeDriver) Connect(context.Context) error { return nil }

func (d *fakeDriver) Produce(ctx context.Context, msg *driverpkg.Message, wait bool) (*driverpkg.Receipt, error) {
	if !wait {
		if block := d.blockCh(); block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.produceErr[msg.Topic]; err != nil {
		return nil, err
	}

	offset := d.nextOffset
	d.nextOffset++
	if wait {
		d.confirmed = append(d.confirmed, msg)
		return &driverpkg.Receipt{Topic: msg.Topic, Partition: 0, Offset: offset, Acked: true}, nil
	}
	d.buffered = append(d.buffered, msg)
	return &driverpkg.Receipt{Topic: msg.Topic, Partition: -1, Offset: -1}, nil
}

func (d *fakeDriver) blockCh() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.block
}

func (d *fakeDriver) ProduceBatch(ctx context.Context, topic string, msgs []*driverpkg.Message) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.produceErr[topic]; err != nil {
		return 0, err
	}
	d.buffered = append(d.buffered, msgs...)
	return len(msgs), nil
}

func (d *fakeDriver) Flush(context.Context, time.Duration) error { return d.flushErr }

func (d *fakeDriver) Subscribe(context.Context, string, ...string) (driverpkg.ConsumerHandle, error) {
	return d.handle, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) confirmedTo(topic string) []*driverpkg.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*driverpkg.Message
	for _, msg := range d.confirmed {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (d *fakeDriver) bufferedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffered)
}

// fakeHandle serves queued deliveries and records commits.
type fakeHandle struct {
	mu        sync.Mutex
	queue     []*driverpkg.Delivery
	commits   []*driverpkg.Delivery
	commitErr error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{}
}

func (h *fakeHandle) enqueue(deliveries ...*driverpkg.Delivery) {
	h.mu.Lock()
	h.queue = append(h.queue, deliveries...)
	h.mu.Unlock()
}

func (h *fakeHandle) Poll(ctx context.Context, timeout time.Duration) (*driverpkg.Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.Lock()
		if len(h.queue) > 0 {
			d := h.queue[0]
			h.queue = h.queue[1:]
			h.mu.Unlock()
			return d, nil
		}
		h.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (h *fakeHandle) Commit(ctx context.Context, d *driverpkg.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.commitErr != nil {
		return h.commitErr
	}
	h.commits = append(h.commits, d)
	return nil
}

func (h *fakeHandle) Close() error { return nil }

func (h *fakeHandle) committed() []*driverpkg.Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	clone := make([]*driverpkg.Delivery, len(h.commits))
	copy(clone, h.commits)
	return clone
}

func newTestWorker(t *testing.T, d *fakeDriver, topics *TopicRegistry, reg WorkerRegistration) *worker {
	t.Helper()
	if topics == nil {
		topics = NewTopicRegistry()
	}
	codec := schemapkg.NewCodec(nil)
	producer := newProducer(d, topics, codec, logging.Nop(), true, 16)
	t.Cleanup(func() { producer.Close() })

	w, err := newWorker(reg, workerDeps{
		driver:    d,
		producer:  producer,
		topics:    topics,
		codec:     codec,
		logger:    logging.Nop(),
		dlqSuffix: ".dlq",
		dlq:       &deadLetterer{driver: d, logger: logging.Nop()},
	})
	if err != nil {
		t.Fatalf("worker init failed: %v", err)
	}
	return w
}

func newDelivery(topic string, partition int, offset int64, payload []byte) *driverpkg.Delivery {
	return &driverpkg.Delivery{
		Message: driverpkg.Message{
			ID:        "msg-test",
			Topic:     topic,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		},
		Partition: partition,
		Offset:    offset,
		GroupID:   "test-group",
	}
}

// recordedEntry is one log call captured by recordingLogger.
type recordedEntry struct {
	Level   string
	Message string
	Err     error
	Fields  logging.LogFields
}

// recordingLogger captures log calls for assertions. Clones made with With
// share the entry sink.
type recordingLogger struct {
	mu      *sync.Mutex
	fields  logging.LogFields
	entries *[]recordedEntry
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]recordedEntry{}}
}

func (r *recordingLogger) With(fields logging.LogFields) logging.ServiceLogger {
	merged := logging.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: r.mu, fields: merged, entries: r.entries}
}

func (r *recordingLogger) record(level, msg string, err error, fields logging.LogFields) {
	merged := logging.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	*r.entries = append(*r.entries, recordedEntry{Level: level, Message: msg, Err: err, Fields: merged})
	r.mu.Unlock()
}

func (r *recordingLogger) Debug(msg string, fields logging.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingLogger) Info(msg string, fields logging.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingLogger) Warn(msg string, fields logging.LogFields) {
	r.record("warn", msg, nil, fields)
}

func (r *recordingLogger) Error(msg string, err error, fields logging.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingLogger) Entries() []recordedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := make([]recordedEntry, len(*r.entries))
	copy(clone, *r.entries)
	return clone
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}
