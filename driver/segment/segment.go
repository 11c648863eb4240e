// Package segment provides a broker driver backed by segmentio/kafka-go.
package segment

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/flowmq/flowmq/driver"
	"github.com/flowmq/flowmq/internal/runtime/errors"
	"github.com/flowmq/flowmq/internal/runtime/logging"
	"github.com/flowmq/flowmq/internal/runtime/metadata"
)

// DriverName is the name used to register this driver.
const DriverName = "segment"

func init() {
	driver.RegisterWithCapabilities(DriverName, Build, driver.SegmentCapabilities)
}

// Build creates a new kafka-go driver from config.
func Build(ctx context.Context, cfg driver.Config, logger logging.ServiceLogger) (driver.Driver, error) {
	if len(cfg.GetBrokers()) == 0 {
		return nil, stderrors.New("segment: brokers are required")
	}

	mechanism, tlsConfig, err := securityFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Driver{
		cfg:          cfg,
		logger:       logger,
		mechanism:    mechanism,
		tlsConfig:    tlsConfig,
		syncWriters:  make(map[string]*kafka.Writer),
		asyncWriters: make(map[string]*kafka.Writer),
	}, nil
}

// Driver implements driver.Driver on top of kafka-go. It keeps one writer
// per topic and wait mode: waiting sends go through a synchronous writer,
// fire-and-forget sends through an async writer whose completion callback
// feeds the pending counter that Flush polls.
type Driver struct {
	cfg       driver.Config
	logger    logging.ServiceLogger
	mechanism sasl.Mechanism
	tlsConfig *tls.Config

	mu           sync.Mutex
	syncWriters  map[string]*kafka.Writer
	asyncWriters map[string]*kafka.Writer
	readers      []*kafka.Reader
	closed       bool

	// pending counts messages handed to async writers and not yet resolved
	// by a completion callback.
	pending atomic.Int64
}

func securityFromConfig(cfg driver.Config) (sasl.Mechanism, *tls.Config, error) {
	var tlsConfig *tls.Config
	switch strings.ToLower(cfg.GetSecurityProtocol()) {
	case "ssl", "sasl_ssl":
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var mechanism sasl.Mechanism
	switch strings.ToLower(cfg.GetSASLMechanism()) {
	case "":
	case "plain":
		mechanism = plain.Mechanism{Username: cfg.GetSASLUsername(), Password: cfg.GetSASLPassword()}
	case "scram-sha-256":
		m, err := scram.Mechanism(scram.SHA256, cfg.GetSASLUsername(), cfg.GetSASLPassword())
		if err != nil {
			return nil, nil, err
		}
		mechanism = m
	case "scram-sha-512":
		m, err := scram.Mechanism(scram.SHA512, cfg.GetSASLUsername(), cfg.GetSASLPassword())
		if err != nil {
			return nil, nil, err
		}
		mechanism = m
	default:
		return nil, nil, stderrors.New("segment: unsupported SASL mechanism " + cfg.GetSASLMechanism())
	}

	return mechanism, tlsConfig, nil
}

func compressionFromConfig(cfg driver.Config) kafka.Compression {
	switch strings.ToLower(cfg.GetCompression()) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func (d *Driver) transport() *kafka.Transport {
	return &kafka.Transport{
		SASL:     d.mechanism,
		TLS:      d.tlsConfig,
		ClientID: d.cfg.GetClientID(),
	}
}

func (d *Driver) dialer() *kafka.Dialer {
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		ClientID:      d.cfg.GetClientID(),
		SASLMechanism: d.mechanism,
		TLS:           d.tlsConfig,
	}
}

// Connect dials the first reachable bootstrap broker to verify the cluster
// is reachable. Idempotent; the caller owns retries.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.ErrDriverClosed
	}
	d.mu.Unlock()

	dialer := d.dialer()
	var lastErr error
	for _, broker := range d.cfg.GetBrokers() {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return lastErr
}

func (d *Driver) writer(topic string, async bool) (*kafka.Writer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.ErrDriverClosed
	}

	writers := d.syncWriters
	if async {
		writers = d.asyncWriters
	}
	if w, ok := writers[topic]; ok {
		return w, nil
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(d.cfg.GetBrokers()...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    d.cfg.GetBatchSize(),
		BatchTimeout: d.cfg.GetBatchLinger(),
		Compression:  compressionFromConfig(d.cfg),
		Transport:    d.transport(),
		Async:        async,
	}
	if async {
		w.Completion = func(messages []kafka.Message, err error) {
			d.pending.Add(int64(-len(messages)))
			if err != nil {
				d.logger.Error("async produce failed", err, logging.LogFields{
					"topic":    topic,
					"messages": len(messages),
				})
			}
		}
	}

	writers[topic] = w
	return w, nil
}

func toKafkaMessage(msg *driver.Message) kafka.Message {
	km := kafka.Message{
		Key:   msg.Key,
		Value: msg.Payload,
		Time:  msg.Timestamp,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

// Produce sends one message. Waiting sends block on the synchronous writer
// until the broker acknowledges the full ISR write; fire-and-forget sends
// return as soon as the async writer buffers the message.
func (d *Driver) Produce(ctx context.Context, msg *driver.Message, wait bool) (*driver.Receipt, error) {
	w, err := d.writer(msg.Topic, !wait)
	if err != nil {
		return nil, err
	}

	km := toKafkaMessage(msg)
	if !wait {
		d.pending.Add(1)
	}
	if err := w.WriteMessages(ctx, km); err != nil {
		if !wait {
			d.pending.Add(-1)
		}
		return nil, &errors.ProduceError{Topic: msg.Topic, Err: err}
	}

	// kafka-go does not report placement back through WriteMessages.
	return &driver.Receipt{
		Topic:     msg.Topic,
		Partition: -1,
		Offset:    -1,
		Timestamp: msg.Timestamp,
		Acked:     wait,
	}, nil
}

// ProduceBatch buffers the batch on the async writer and returns the number
// accepted. Delivery failures surface through the completion callback and a
// later Flush.
func (d *Driver) ProduceBatch(ctx context.Context, topic string, msgs []*driver.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	w, err := d.writer(topic, true)
	if err != nil {
		return 0, err
	}

	kms := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		kms[i] = toKafkaMessage(msg)
	}

	d.pending.Add(int64(len(kms)))
	if err := w.WriteMessages(ctx, kms...); err != nil {
		d.pending.Add(int64(-len(kms)))
		return 0, &errors.ProduceError{Topic: topic, Err: err}
	}
	return len(msgs), nil
}

const flushPollInterval = 10 * time.Millisecond

// Flush waits for the async pending counter to drain. kafka-go does not
// expose its buffer depth, so completion callbacks drive the counter.
func (d *Driver) Flush(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for d.pending.Load() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return errors.ErrFlushTimeout
		}
		time.Sleep(flushPollInterval)
	}
	return nil
}

// Subscribe joins a consumer group over the given topics.
func (d *Driver) Subscribe(ctx context.Context, groupID string, topics ...string) (driver.ConsumerHandle, error) {
	if groupID == "" {
		return nil, errors.ErrGroupIDRequired
	}

	startOffset := kafka.FirstOffset
	if strings.ToLower(d.cfg.GetAutoOffsetReset()) == "latest" {
		startOffset = kafka.LastOffset
	}

	var commitInterval time.Duration
	if d.cfg.GetAutoCommit() {
		commitInterval = time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        d.cfg.GetBrokers(),
		GroupID:        groupID,
		GroupTopics:    topics,
		Dialer:         d.dialer(),
		MaxBytes:       10e6,
		StartOffset:    startOffset,
		CommitInterval: commitInterval,
		SessionTimeout: d.cfg.GetSessionTimeout(),
	})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, stderrors.Join(errors.ErrDriverClosed, reader.Close())
	}
	d.readers = append(d.readers, reader)
	d.mu.Unlock()

	return &handle{reader: reader, groupID: groupID}, nil
}

// Close shuts down all writers and readers.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	writers := make([]*kafka.Writer, 0, len(d.syncWriters)+len(d.asyncWriters))
	for _, w := range d.syncWriters {
		writers = append(writers, w)
	}
	for _, w := range d.asyncWriters {
		writers = append(writers, w)
	}
	d.syncWriters = nil
	d.asyncWriters = nil
	readers := append([]*kafka.Reader{}, d.readers...)
	d.readers = nil
	d.mu.Unlock()

	var closeErr error
	for _, r := range readers {
		closeErr = stderrors.Join(closeErr, r.Close())
	}
	for _, w := range writers {
		closeErr = stderrors.Join(closeErr, w.Close())
	}
	return closeErr
}

type handle struct {
	reader  *kafka.Reader
	groupID string
}

// Poll fetches the next delivery, returning (nil, nil) when the timeout
// elapses without one. Rebalances are handled inside the reader; a partition
// revoked mid-poll simply stops yielding messages here.
func (h *handle) Poll(ctx context.Context, timeout time.Duration) (*driver.Delivery, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m, err := h.reader.FetchMessage(tctx)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}

	headers := metadata.Metadata{}
	for _, hd := range m.Headers {
		headers[hd.Key] = string(hd.Value)
	}

	return &driver.Delivery{
		Message: driver.Message{
			Topic:     m.Topic,
			Key:       m.Key,
			Payload:   m.Value,
			Headers:   headers,
			Timestamp: m.Time,
		},
		Partition: m.Partition,
		Offset:    m.Offset,
		GroupID:   h.groupID,
	}, nil
}

// Commit advances the group offset past d. kafka-go only needs the message
// coordinates, so the delivery is mapped back onto a bare kafka.Message.
func (h *handle) Commit(ctx context.Context, d *driver.Delivery) error {
	err := h.reader.CommitMessages(ctx, kafka.Message{
		Topic:     d.Topic,
		Partition: d.Partition,
		Offset:    d.Offset,
	})
	if err != nil {
		return &errors.CommitError{Topic: d.Topic, Partition: d.Partition, Offset: d.Offset, Err: err}
	}
	return nil
}

func (h *handle) Close() error {
	return h.reader.Close()
}
