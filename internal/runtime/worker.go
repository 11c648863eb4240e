package runtime

import (
	"context"
	sterrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	driverpkg "github.com/flowmq/flowmq/driver"
	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
	"github.com/flowmq/flowmq/internal/runtime/logging"
	metadatapkg "github.com/flowmq/flowmq/internal/runtime/metadata"
	schemapkg "github.com/flowmq/flowmq/internal/runtime/schema"
)

const (
	// pollTimeout bounds a single Poll so the loop can observe shutdown.
	pollTimeout = 100 * time.Millisecond

	// partitionQueueDepth bounds deliveries queued behind a busy partition
	// slot. A full queue backpressures the poll loop.
	partitionQueueDepth = 16
)

// WorkerRegistration declares a consumer worker: which topic it reads, how it
// processes, and what happens on failure.
type WorkerRegistration struct {
	// Name identifies the worker in logs, metrics, and dead letter envelopes.
	Name string

	// InputTopic is the topic the worker consumes.
	InputTopic string

	// OutputTopic receives the results a processing function returns. Leave
	// empty for workers that only consume.
	OutputTopic string

	// GroupID is the consumer group. Defaults to Name, so replicas of the
	// same worker share one group and scale horizontally.
	GroupID string

	// Concurrency caps simultaneous processing attempts across partitions.
	// Order within a partition is always preserved regardless. Defaults to 1.
	Concurrency int

	// Retry governs backoff between attempts. Zero-valued delays and
	// strategy fall back to the exponential defaults; MaxRetries is taken
	// as declared, so the zero value disables retries.
	Retry RetryPolicy

	// DLQTopic overrides the default dead letter topic
	// ("<InputTopic><suffix>"). Ignored when DisableDLQ is set.
	DLQTopic string

	// DisableDLQ drops exhausted messages instead of dead-lettering them.
	// Every drop is logged.
	DisableDLQ bool

	// Events maps event names (the routing header) to processing functions.
	// The mapping is resolved at registration and frozen at start.
	Events map[string]ProcessFunc

	// Handler processes messages directly. When Events is also set, Handler
	// becomes the fallback for unmapped event names.
	Handler ProcessFunc

	// Hooks observe the message lifecycle.
	Hooks WorkerHooks

	// Classifier buckets failures for the error breakdown. Defaults to the
	// built-in classifier.
	Classifier ErrorClassifier
}

func (r WorkerRegistration) validate() error {
	if r.Name == "" {
		return errspkg.ErrWorkerNameRequired
	}
	if r.InputTopic == "" {
		return errspkg.ErrInputTopicRequired
	}
	if r.Handler == nil && len(r.Events) == 0 {
		return errspkg.ErrProcessorRequired
	}
	return nil
}

// worker runs one consumer loop. One goroutine polls the group; one slot
// goroutine per assigned partition processes deliveries in order. A shared
// semaphore caps concurrent attempts across partitions.
type worker struct {
	reg      WorkerRegistration
	groupID  string
	dlqTopic string // empty means drop
	handler  ProcessFunc
	retry    RetryPolicy
	hooks    WorkerHooks

	driver  driverpkg.Driver
	produce *Producer
	topics  *TopicRegistry
	codec   *schemapkg.Codec
	logger  logging.ServiceLogger
	tracer  trace.Tracer
	stats   *WorkerStats
	metrics *WorkerMetrics
	dlq     *deadLetterer

	sem chan struct{}

	mu    sync.Mutex
	slots map[int]chan *driverpkg.Delivery
	wg    sync.WaitGroup
}

type workerDeps struct {
	driver    driverpkg.Driver
	producer  *Producer
	topics    *TopicRegistry
	codec     *schemapkg.Codec
	logger    logging.ServiceLogger
	metrics   *WorkerMetrics
	dlqSuffix string
	dlq       *deadLetterer
}

func newWorker(reg WorkerRegistration, deps workerDeps) (*worker, error) {
	if err := reg.validate(); err != nil {
		return nil, err
	}

	groupID := reg.GroupID
	if groupID == "" {
		groupID = reg.Name
	}

	concurrency := reg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	dlqTopic := ""
	if !reg.DisableDLQ {
		dlqTopic = reg.DLQTopic
		if dlqTopic == "" {
			dlqTopic = reg.InputTopic + deps.dlqSuffix
		}
	}

	handler, err := resolveHandler(reg)
	if err != nil {
		return nil, err
	}

	return &worker{
		reg:      reg,
		groupID:  groupID,
		dlqTopic: dlqTopic,
		handler:  handler,
		retry:    reg.Retry.withDefaults(),
		hooks:    reg.Hooks,
		driver:   deps.driver,
		produce:  deps.producer,
		topics:   deps.topics,
		codec:    deps.codec,
		logger: deps.logger.With(logging.LogFields{
			"worker": reg.Name,
			"topic":  reg.InputTopic,
			"group":  groupID,
		}),
		tracer:  otel.Tracer("flowmq/worker"),
		stats:   newWorkerStats(reg.Name, reg.InputTopic, reg.OutputTopic),
		metrics: deps.metrics,
		dlq:     deps.dlq,
		sem:     make(chan struct{}, concurrency),
		slots:   make(map[int]chan *driverpkg.Delivery),
	}, nil
}

// resolveHandler flattens the registration's event map and fallback into a
// single ProcessFunc. Route conflicts fail here, at registration time.
func resolveHandler(reg WorkerRegistration) (ProcessFunc, error) {
	if len(reg.Events) == 0 {
		return reg.Handler, nil
	}

	dispatcher := NewDispatcher()
	for event, fn := range reg.Events {
		if err := dispatcher.On(event, fn); err != nil {
			return nil, err
		}
	}
	if reg.Handler != nil {
		dispatcher.Fallback(reg.Handler)
	}
	dispatcher.freeze()
	return dispatcher.Handle, nil
}

// run drives the consumer loop until pollCtx is cancelled. In-flight
// deliveries keep processing under execCtx, so a graceful stop lets each slot
// finish its current message, including the commit, while a cancelled execCtx
// aborts everything. It returns the pollCtx error on clean shutdown.
func (w *worker) run(pollCtx, execCtx context.Context) error {
	handle, err := w.driver.Subscribe(pollCtx, w.groupID, w.reg.InputTopic)
	if err != nil {
		return fmt.Errorf("flowmq: worker %q subscribe: %w", w.reg.Name, err)
	}
	defer handle.Close()
	defer w.closeSlots()

	w.logger.Info("Worker started", logging.LogFields{
		"concurrency": cap(w.sem),
		"dlq_topic":   w.dlqTopic,
	})

	for {
		if pollCtx.Err() != nil {
			return pollCtx.Err()
		}

		delivery, err := handle.Poll(pollCtx, pollTimeout)
		if err != nil {
			if pollCtx.Err() != nil {
				return pollCtx.Err()
			}
			w.logger.Error("Poll failed", err, nil)
			select {
			case <-pollCtx.Done():
				return pollCtx.Err()
			case <-time.After(pollTimeout):
			}
			continue
		}
		if delivery == nil {
			continue
		}

		select {
		case w.slotFor(pollCtx, execCtx, handle, delivery.Partition) <- delivery:
		case <-pollCtx.Done():
			return pollCtx.Err()
		}
	}
}

// slotFor returns the partition's delivery queue, starting its slot goroutine
// on first use. One slot per partition keeps processing and commits ordered.
func (w *worker) slotFor(pollCtx, execCtx context.Context, handle driverpkg.ConsumerHandle, partition int) chan *driverpkg.Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch, ok := w.slots[partition]
	if !ok {
		ch = make(chan *driverpkg.Delivery, partitionQueueDepth)
		w.slots[partition] = ch
		w.wg.Add(1)
		go w.runSlot(pollCtx, execCtx, handle, ch)
	}
	return ch
}

func (w *worker) runSlot(pollCtx, execCtx context.Context, handle driverpkg.ConsumerHandle, ch <-chan *driverpkg.Delivery) {
	defer w.wg.Done()

	for delivery := range ch {
		if pollCtx.Err() != nil {
			// Shutdown: deliveries still queued behind the slot stay
			// uncommitted and will be redelivered to the group. The delivery
			// already being processed is not affected; it runs under execCtx.
			continue
		}
		w.processDelivery(execCtx, handle, delivery)
	}
}

func (w *worker) closeSlots() {
	w.mu.Lock()
	for _, ch := range w.slots {
		close(ch)
	}
	w.slots = make(map[int]chan *driverpkg.Delivery)
	w.mu.Unlock()

	w.wg.Wait()
}

// processDelivery takes one delivery through the full lifecycle: validate,
// attempt with retries, then exactly one terminal outcome followed by the
// commit. The offset is never committed while the message could still be
// retried.
func (w *worker) processDelivery(ctx context.Context, handle driverpkg.ConsumerHandle, delivery *driverpkg.Delivery) {
	msg := w.inboundFrom(delivery)

	decoded, err := w.decode(msg)
	if err != nil {
		// A payload failing its schema cannot self-heal; retrying would
		// yield the same bytes. Straight to the dead letter path.
		msg.Attempt = 1
		w.finishFailure(ctx, handle, delivery, msg, err, 0)
		return
	}
	msg.Payload = decoded

	var cause error
	for attempt := 1; ; attempt++ {
		msg.Attempt = attempt
		msg.Headers[metadatapkg.KeyAttempt] = strconv.Itoa(attempt)

		duration, err := w.attempt(ctx, msg)
		if err == nil {
			w.finishSuccess(ctx, handle, delivery, msg, duration)
			return
		}
		if ctx.Err() != nil {
			// Forced shutdown mid-attempt: no commit, the group redelivers.
			return
		}

		cause = err
		if errspkg.IsPermanent(err) || attempt > w.retry.MaxRetries {
			break
		}

		delay := w.retryDelay(err, attempt)
		w.hooks.retry(w.hookContext(ctx, msg, duration), err, delay)
		w.stats.onRetry()
		w.metrics.recordOutcome(w.reg.Name, msg.Topic, outcomeRetried)
		w.logger.Warn("Attempt failed, retrying", logging.LogFields{
			"message_id": msg.ID,
			"attempt":    attempt,
			"delay":      delay.String(),
			"error":      err.Error(),
		})

		// The delay suspends only this partition's slot. Polling and other
		// partitions continue.
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	w.finishFailure(ctx, handle, delivery, msg, cause, msg.Attempt-1)
}

// attempt runs the processing function once under the concurrency semaphore,
// including the publish of its outputs. Output publish failure fails the
// attempt; the retry that follows re-runs processing, which is where the
// at-least-once duplicate-output window lives.
func (w *worker) attempt(ctx context.Context, msg *Inbound) (time.Duration, error) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-w.sem }()

	w.hooks.receive(w.hookContext(ctx, msg, 0))
	w.stats.onAttemptStart()
	w.metrics.addInFlight(w.reg.Name, 1)

	ctx, span := w.tracer.Start(ctx, "flowmq.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("messaging.consumer.group.name", w.groupID),
			attribute.Int("messaging.kafka.message.partition", msg.Partition),
			attribute.Int64("messaging.kafka.message.offset", msg.Offset),
			attribute.Int("flowmq.attempt", msg.Attempt),
		))
	defer span.End()

	start := time.Now()
	outs, err := w.handler(ctx, msg)
	if err == nil {
		err = w.publishOutputs(ctx, msg, outs)
	}
	duration := time.Since(start)

	w.metrics.addInFlight(w.reg.Name, -1)
	w.metrics.recordAttempt(w.reg.Name, msg.Topic, duration.Seconds())
	w.stats.onAttemptFinish(duration, err, w.reg.Classifier)

	if err != nil {
		span.RecordError(err)
		return duration, err
	}
	return duration, nil
}

// publishOutputs writes the processing results to the output topic with
// confirmed sends. The outputs are part of the unit of work: the input offset
// is only committed after every output is acknowledged.
func (w *worker) publishOutputs(ctx context.Context, msg *Inbound, outs []Outbound) error {
	if len(outs) == 0 {
		return nil
	}
	if w.reg.OutputTopic == "" {
		return errspkg.Permanent(fmt.Errorf("flowmq: worker %q returned %d output(s) but has no output topic", w.reg.Name, len(outs)))
	}

	for _, out := range outs {
		opts := []SendOption{
			WithWait(true),
			WithCorrelationID(msg.ID),
		}
		if out.Key != nil {
			opts = append(opts, WithKey(out.Key))
		}
		if len(out.Headers) > 0 {
			opts = append(opts, WithHeaders(out.Headers))
		}
		if _, err := w.produce.Send(ctx, w.reg.OutputTopic, out.Payload, opts...); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) finishSuccess(ctx context.Context, handle driverpkg.ConsumerHandle, delivery *driverpkg.Delivery, msg *Inbound, duration time.Duration) {
	w.hooks.success(w.hookContext(ctx, msg, duration))
	w.metrics.recordOutcome(w.reg.Name, msg.Topic, outcomeSucceeded)
	w.commit(ctx, handle, delivery, msg)
}

func (w *worker) finishFailure(ctx context.Context, handle driverpkg.ConsumerHandle, delivery *driverpkg.Delivery, msg *Inbound, cause error, retries int) {
	if w.dlqTopic == "" {
		// No dead letter topic configured: drop, but never silently.
		w.logger.Error("Message dropped, no dead letter topic configured", cause, logging.LogFields{
			"message_id": msg.ID,
			"partition":  msg.Partition,
			"offset":     msg.Offset,
			"retries":    retries,
		})
		w.metrics.recordOutcome(w.reg.Name, msg.Topic, outcomeDropped)
		w.commit(ctx, handle, delivery, msg)
		return
	}

	if err := w.dlq.publish(ctx, w.dlqTopic, w.reg.Name, msg, cause, retries); err != nil {
		// Without a confirmed dead letter the offset must stay uncommitted;
		// the group will redeliver and the write will be retried.
		w.logger.Error("Dead letter publish failed, message will be redelivered", err, logging.LogFields{
			"message_id": msg.ID,
			"dlq_topic":  w.dlqTopic,
		})
		return
	}

	w.stats.onDeadLetter()
	w.metrics.recordOutcome(w.reg.Name, msg.Topic, outcomeDeadLettered)
	w.hooks.deadLetter(w.hookContext(ctx, msg, 0), cause)
	w.commit(ctx, handle, delivery, msg)
}

func (w *worker) commit(ctx context.Context, handle driverpkg.ConsumerHandle, delivery *driverpkg.Delivery, msg *Inbound) {
	if err := handle.Commit(ctx, delivery); err != nil {
		// Outputs and dead letters already published are not rolled back;
		// the message may be reprocessed after redelivery.
		w.logger.Error("Commit failed", err, logging.LogFields{
			"message_id": msg.ID,
			"partition":  msg.Partition,
			"offset":     msg.Offset,
		})
	}
}

func (w *worker) inboundFrom(delivery *driverpkg.Delivery) *Inbound {
	headers := delivery.Headers.Clone()

	id := headers.Get(metadatapkg.KeyMessageID)
	if id == "" {
		id = delivery.Message.ID
	}

	return &Inbound{
		ID:        id,
		Topic:     delivery.Message.Topic,
		Partition: delivery.Partition,
		Offset:    delivery.Offset,
		Key:       delivery.Key,
		Raw:       delivery.Payload,
		Headers:   headers,
		Timestamp: delivery.Timestamp,
	}
}

func (w *worker) decode(msg *Inbound) (any, error) {
	var declared *schemapkg.Schema
	if cfg, ok := w.topics.Get(msg.Topic); ok {
		declared = cfg.Schema
	}
	return w.codec.DeserializeAndValidate(msg.Topic, declared, msg.Raw, msg.Headers.Get(metadatapkg.KeySchemaID))
}

func (w *worker) retryDelay(err error, retryNumber int) time.Duration {
	var ra *errspkg.RetryAfterError
	if sterrors.As(err, &ra) {
		return ra.After
	}
	return w.retry.GetDelay(retryNumber)
}

func (w *worker) hookContext(ctx context.Context, msg *Inbound, duration time.Duration) HookContext {
	return HookContext{
		WorkerName: w.reg.Name,
		Topic:      msg.Topic,
		MessageID:  msg.ID,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		Headers:    msg.Headers,
		Context:    ctx,
		StartedAt:  time.Now().Add(-duration),
		Duration:   duration,
		Attempt:    msg.Attempt,
	}
}

// info snapshots the worker's identity and stats.
func (w *worker) info() WorkerInfo {
	return WorkerInfo{
		Name:        w.reg.Name,
		InputTopic:  w.reg.InputTopic,
		OutputTopic: w.reg.OutputTopic,
		GroupID:     w.groupID,
		Stats:       w.stats,
	}
}
