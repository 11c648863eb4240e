// Package channel provides an in-process driver for FlowMQ. It keeps topics
// as partitioned in-memory logs and is useful for testing and local
// development; it satisfies the driver contract exactly, including partition
// keys, consumer-group offsets, and explicit commits.
package channel

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/flowmq/flowmq/driver"
	"github.com/flowmq/flowmq/internal/runtime/errors"
	"github.com/flowmq/flowmq/internal/runtime/logging"
)

// DriverName is the name used to register this driver.
const DriverName = "channel"

// DefaultPartitions is the partition count for topics that are first written
// to rather than declared.
const DefaultPartitions = 3

func init() {
	driver.RegisterWithCapabilities(DriverName, Build, driver.ChannelCapabilities)
}

// Build creates a new channel driver.
func Build(ctx context.Context, cfg driver.Config, logger logging.ServiceLogger) (driver.Driver, error) {
	return New(Config{Logger: logger}), nil
}

// Config tunes the in-memory driver.
type Config struct {
	// Partitions is the partition count for auto-created topics.
	Partitions int
	Logger     logging.ServiceLogger
}

type record struct {
	msg    driver.Message
	offset int64
}

type partitionLog struct {
	records []record
}

type topicLog struct {
	partitions []*partitionLog
	nextRR     int // round-robin cursor for keyless messages
}

// Driver is an in-memory implementation of driver.Driver.
type Driver struct {
	mu         sync.Mutex
	partitions int
	topics     map[string]*topicLog
	committed  map[string]map[string]map[int]int64 // group -> topic -> partition -> next offset
	logger     logging.ServiceLogger
	closed     bool
}

// New constructs an in-memory driver.
func New(cfg Config) *Driver {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Driver{
		partitions: partitions,
		topics:     make(map[string]*topicLog),
		committed:  make(map[string]map[string]map[int]int64),
		logger:     logger,
	}
}

// CreateTopic declares a topic with an explicit partition count. Writing to
// an undeclared topic creates it with the default count.
func (d *Driver) CreateTopic(name string, partitions int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.topics[name]; ok {
		return
	}
	if partitions <= 0 {
		partitions = d.partitions
	}
	d.topics[name] = newTopicLog(partitions)
}

func newTopicLog(partitions int) *topicLog {
	t := &topicLog{partitions: make([]*partitionLog, partitions)}
	for i := range t.partitions {
		t.partitions[i] = &partitionLog{}
	}
	return t
}

// Connect implements driver.Driver. The in-memory driver is always ready.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.ErrDriverClosed
	}
	return nil
}

// Produce appends the message to its partition log. Sync and fire-and-forget
// behave identically here; there is no client-side buffer to drain.
func (d *Driver) Produce(ctx context.Context, msg *driver.Message, wait bool) (*driver.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.ErrDriverClosed
	}

	partition, offset := d.appendLocked(msg)
	return &driver.Receipt{
		Topic:     msg.Topic,
		Partition: partition,
		Offset:    offset,
		Timestamp: msg.Timestamp,
		Acked:     wait,
	}, nil
}

// ProduceBatch appends all messages and reports them accepted.
func (d *Driver) ProduceBatch(ctx context.Context, topic string, msgs []*driver.Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.ErrDriverClosed
	}

	for _, msg := range msgs {
		if msg.Topic == "" {
			msg.Topic = topic
		}
		d.appendLocked(msg)
	}
	return len(msgs), nil
}

func (d *Driver) appendLocked(msg *driver.Message) (int, int64) {
	t, ok := d.topics[msg.Topic]
	if !ok {
		t = newTopicLog(d.partitions)
		d.topics[msg.Topic] = t
	}

	partition := t.pickPartition(msg.Key)
	log := t.partitions[partition]
	offset := int64(len(log.records))
	log.records = append(log.records, record{msg: *msg, offset: offset})
	return partition, offset
}

func (t *topicLog) pickPartition(key []byte) int {
	if len(key) == 0 {
		p := t.nextRR % len(t.partitions)
		t.nextRR++
		return p
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(len(t.partitions)))
}

// Flush implements driver.Driver. Appends are synchronous, so there is never
// anything buffered.
func (d *Driver) Flush(ctx context.Context, timeout time.Duration) error {
	return nil
}

// Subscribe joins the named group for the given topics. Each handle keeps
// its own read cursors, seeded from the group's committed offsets.
func (d *Driver) Subscribe(ctx context.Context, groupID string, topics ...string) (driver.ConsumerHandle, error) {
	if groupID == "" {
		return nil, errors.ErrGroupIDRequired
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.ErrDriverClosed
	}

	h := &handle{
		driver:  d,
		groupID: groupID,
		topics:  append([]string{}, topics...),
		cursors: make(map[string]map[int]int64),
	}
	for _, topic := range topics {
		h.cursors[topic] = make(map[int]int64)
		for partition, next := range d.committedLocked(groupID, topic) {
			h.cursors[topic][partition] = next
		}
	}
	return h, nil
}

func (d *Driver) committedLocked(groupID, topic string) map[int]int64 {
	group, ok := d.committed[groupID]
	if !ok {
		group = make(map[string]map[int]int64)
		d.committed[groupID] = group
	}
	offsets, ok := group[topic]
	if !ok {
		offsets = make(map[int]int64)
		group[topic] = offsets
	}
	return offsets
}

// Close marks the driver closed. Outstanding handles fail their next call.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Records returns a copy of every message currently stored for topic, in
// partition order. Intended for tests.
func (d *Driver) Records(topic string) []driver.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.topics[topic]
	if !ok {
		return nil
	}
	var out []driver.Message
	for _, p := range t.partitions {
		for _, r := range p.records {
			out = append(out, r.msg)
		}
	}
	return out
}

type handle struct {
	driver  *Driver
	groupID string
	topics  []string

	mu      sync.Mutex
	cursors map[string]map[int]int64 // topic -> partition -> next read offset
	closed  bool
}

const pollInterval = 5 * time.Millisecond

// Poll returns the next unread delivery across the subscribed topics, or
// (nil, nil) when timeout elapses without one.
func (h *handle) Poll(ctx context.Context, timeout time.Duration) (*driver.Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := h.pollOnce()
		if err != nil || d != nil {
			return d, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (h *handle) pollOnce() (*driver.Delivery, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.ErrDriverClosed
	}

	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	if h.driver.closed {
		return nil, errors.ErrDriverClosed
	}

	for _, topic := range h.topics {
		t, ok := h.driver.topics[topic]
		if !ok {
			continue
		}
		cursors := h.cursors[topic]
		for partition, log := range t.partitions {
			next := cursors[partition]
			if next >= int64(len(log.records)) {
				continue
			}
			r := log.records[next]
			cursors[partition] = next + 1
			return &driver.Delivery{
				Message:   r.msg,
				Partition: partition,
				Offset:    r.offset,
				GroupID:   h.groupID,
			}, nil
		}
	}
	return nil, nil
}

// Commit advances the group's committed offset past d.
func (h *handle) Commit(ctx context.Context, d *driver.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.ErrDriverClosed
	}

	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	offsets := h.driver.committedLocked(h.groupID, d.Topic)
	if next := d.Offset + 1; next > offsets[d.Partition] {
		offsets[d.Partition] = next
	}
	return nil
}

// Close detaches the handle from the group.
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
