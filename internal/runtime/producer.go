package runtime

import (
	"context"
	sterrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	driverpkg "github.com/flowmq/flowmq/driver"
	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
	idspkg "github.com/flowmq/flowmq/internal/runtime/ids"
	"github.com/flowmq/flowmq/internal/runtime/logging"
	metadatapkg "github.com/flowmq/flowmq/internal/runtime/metadata"
	schemapkg "github.com/flowmq/flowmq/internal/runtime/schema"
)

// flushPollInterval is how often Flush re-checks the local buffer depth.
const flushPollInterval = 10 * time.Millisecond

type sendOptions struct {
	key           []byte
	headers       metadatapkg.Metadata
	event         string
	correlationID string
	wait          *bool
}

// SendOption customises a single send.
type SendOption func(*sendOptions)

// WithKey pins the message to an ordering bucket. Messages sharing a key land
// on the same partition.
func WithKey(key []byte) SendOption {
	return func(o *sendOptions) { o.key = key }
}

// WithHeaders merges the provided headers onto the message.
func WithHeaders(headers metadatapkg.Metadata) SendOption {
	return func(o *sendOptions) { o.headers = o.headers.WithAll(headers) }
}

// WithEvent stamps the routing event name used by worker dispatch.
func WithEvent(name string) SendOption {
	return func(o *sendOptions) { o.event = name }
}

// WithCorrelationID ties the message to the request or message that caused it.
func WithCorrelationID(id string) SendOption {
	return func(o *sendOptions) { o.correlationID = id }
}

// WithWait overrides the configured default delivery-confirmation mode for
// this send only.
func WithWait(wait bool) SendOption {
	return func(o *sendOptions) { o.wait = &wait }
}

// Producer emits messages onto the configured driver. It validates payloads
// against the topic's declared schema before anything reaches the wire.
//
// Fire-and-forget sends pass through a bounded in-process buffer drained by a
// background flusher; a full buffer rejects with ErrBufferFull rather than
// blocking or growing without limit.
type Producer struct {
	driver      driverpkg.Driver
	topics      *TopicRegistry
	codec       *schemapkg.Codec
	logger      logging.ServiceLogger
	tracer      trace.Tracer
	defaultWait bool

	buffer chan *driverpkg.Message
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*atomic.Int64
	closed  bool
}

func newProducer(d driverpkg.Driver, topics *TopicRegistry, codec *schemapkg.Codec, logger logging.ServiceLogger, defaultWait bool, bufferSize int) *Producer {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	p := &Producer{
		driver:      d,
		topics:      topics,
		codec:       codec,
		logger:      logger.With(logging.LogFields{"component": "producer"}),
		tracer:      otel.Tracer("flowmq/producer"),
		defaultWait: defaultWait,
		buffer:      make(chan *driverpkg.Message, bufferSize),
		pending:     make(map[string]*atomic.Int64),
	}

	p.wg.Add(1)
	go p.flushLoop()
	return p
}

// Send publishes one message. The wait mode defaults to the configured
// process-wide default; WithWait overrides it per call.
//
// A waiting send blocks until the broker acknowledges persistence and returns
// the landing receipt, or fails terminally with a ProduceError. The producer
// never retries a rejected waiting send; publish-side retry is the caller's
// decision. A non-waiting send behaves exactly like SendAsync.
func (p *Producer) Send(ctx context.Context, topic string, payload any, opts ...SendOption) (*driverpkg.Receipt, error) {
	options := p.applyOptions(opts)

	wait := p.defaultWait
	if options.wait != nil {
		wait = *options.wait
	}

	msg, err := p.buildMessage(topic, payload, options)
	if err != nil {
		return nil, err
	}

	if !wait {
		if err := p.enqueue(msg); err != nil {
			return nil, err
		}
		return &driverpkg.Receipt{Topic: topic, Partition: -1, Offset: -1, Acked: false}, nil
	}

	ctx, span := p.tracer.Start(ctx, "flowmq.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", msg.ID),
		))
	defer span.End()

	receipt, err := p.driver.Produce(ctx, msg, true)
	if err != nil {
		span.RecordError(err)
		return nil, wrapProduceError(topic, err)
	}
	return receipt, nil
}

// SendAsync publishes one message fire-and-forget: it returns as soon as the
// message is accepted into the local buffer. Deferred broker failures are
// logged, never surfaced or retried.
func (p *Producer) SendAsync(ctx context.Context, topic string, payload any, opts ...SendOption) error {
	msg, err := p.buildMessage(topic, payload, p.applyOptions(opts))
	if err != nil {
		return err
	}
	return p.enqueue(msg)
}

// SendBatchAsync publishes a batch fire-and-forget. Payloads failing schema
// validation are skipped and counted as rejected; validation failure of one
// payload is never fatal to the rest. The returned accepted count is the
// number handed to the driver's local buffer, not the number durably written.
func (p *Producer) SendBatchAsync(ctx context.Context, topic string, payloads []any, opts ...SendOption) (accepted, rejected int, err error) {
	if topic == "" {
		return 0, 0, errspkg.ErrTopicRequired
	}
	if err := p.checkOpen(); err != nil {
		return 0, 0, err
	}

	options := p.applyOptions(opts)
	msgs := make([]*driverpkg.Message, 0, len(payloads))
	for _, payload := range payloads {
		msg, buildErr := p.buildMessage(topic, payload, options)
		if buildErr != nil {
			rejected++
			p.logger.Warn("Batch payload rejected", logging.LogFields{
				"topic": topic,
				"error": buildErr.Error(),
			})
			continue
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) == 0 {
		return 0, rejected, nil
	}

	accepted, err = p.driver.ProduceBatch(ctx, topic, msgs)
	if err != nil {
		return accepted, rejected, wrapProduceError(topic, err)
	}
	return accepted, rejected, nil
}

// Flush blocks until every buffered fire-and-forget message has been handed
// to the broker client and the client's own buffer has drained, or timeout
// elapses with ErrFlushTimeout. Callers must flush before shutdown; unflushed
// messages are silently lost on exit.
func (p *Producer) Flush(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for p.PendingTotal() > 0 {
		if time.Now().After(deadline) {
			return errspkg.ErrFlushTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushPollInterval):
		}
	}

	// The local buffer is drained; an elapsed deadline is not a failure on
	// its own. The driver gets whatever budget is left (possibly zero) to
	// confirm its client-side buffer is empty too.
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	return p.driver.Flush(ctx, remaining)
}

// Pending returns the number of fire-and-forget messages for topic still in
// the local buffer.
func (p *Producer) Pending(topic string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if counter, ok := p.pending[topic]; ok {
		return counter.Load()
	}
	return 0
}

// PendingTotal returns the local buffer depth across all topics.
func (p *Producer) PendingTotal() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, counter := range p.pending {
		total += counter.Load()
	}
	return total
}

// Close stops accepting sends, drains the local buffer, and waits for the
// flusher to finish. It does not flush the driver; call Flush first for a
// clean shutdown.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.buffer)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Producer) applyOptions(opts []SendOption) *sendOptions {
	options := &sendOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func (p *Producer) buildMessage(topic string, payload any, options *sendOptions) (*driverpkg.Message, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}

	// Topics registered with a schema are validated; unregistered topics and
	// topics without a schema pass payloads through the default encoding.
	var declared *schemapkg.Schema
	if cfg, ok := p.topics.Get(topic); ok {
		declared = cfg.Schema
	}

	data, schemaID, err := p.codec.ValidateAndSerialize(topic, declared, payload)
	if err != nil {
		return nil, err
	}

	id := idspkg.CreateULID()
	now := time.Now().UTC()

	headers := options.headers.Clone()
	headers[metadatapkg.KeyMessageID] = id
	headers[metadatapkg.KeyProducedAt] = now.Format(time.RFC3339Nano)
	if schemaID != "" {
		headers[metadatapkg.KeySchemaID] = schemaID
	}
	if options.event != "" {
		headers[metadatapkg.KeyEventName] = options.event
	}
	if options.correlationID != "" {
		headers[metadatapkg.KeyCorrelationID] = options.correlationID
	}

	return &driverpkg.Message{
		ID:        id,
		Topic:     topic,
		Key:       options.key,
		Payload:   data,
		Headers:   headers,
		Timestamp: now,
	}, nil
}

func (p *Producer) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errspkg.ErrProducerClosed
	}
	return nil
}

func (p *Producer) enqueue(msg *driverpkg.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errspkg.ErrProducerClosed
	}

	select {
	case p.buffer <- msg:
		p.pendingCounterLocked(msg.Topic).Add(1)
		return nil
	default:
		return errspkg.ErrBufferFull
	}
}

func (p *Producer) pendingCounterLocked(topic string) *atomic.Int64 {
	counter, ok := p.pending[topic]
	if !ok {
		counter = &atomic.Int64{}
		p.pending[topic] = counter
	}
	return counter
}

func (p *Producer) flushLoop() {
	defer p.wg.Done()

	for msg := range p.buffer {
		// Deferred failures are logged only, never retried. Callers needing
		// delivery guarantees use a waiting send.
		if _, err := p.driver.Produce(context.Background(), msg, false); err != nil {
			p.logger.Error("Fire-and-forget produce failed", err, logging.LogFields{
				"topic":      msg.Topic,
				"message_id": msg.ID,
			})
		}

		p.mu.Lock()
		p.pendingCounterLocked(msg.Topic).Add(-1)
		p.mu.Unlock()
	}
}

func wrapProduceError(topic string, err error) error {
	var pe *errspkg.ProduceError
	if sterrors.As(err, &pe) {
		return err
	}
	return &errspkg.ProduceError{Topic: topic, Err: err}
}
