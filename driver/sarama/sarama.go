// Package sarama provides a broker driver backed by IBM/sarama.
package sarama

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/IBM/sarama"

	"github.com/flowmq/flowmq/driver"
	"github.com/flowmq/flowmq/internal/runtime/errors"
	"github.com/flowmq/flowmq/internal/runtime/logging"
	"github.com/flowmq/flowmq/internal/runtime/metadata"
)

// DriverName is the name used to register this driver.
const DriverName = "sarama"

func init() {
	driver.RegisterWithCapabilities(DriverName, Build, driver.SaramaCapabilities)
}

// Build creates a new sarama driver from config. The client connects lazily
// on the first Connect call.
func Build(ctx context.Context, cfg driver.Config, logger logging.ServiceLogger) (driver.Driver, error) {
	if len(cfg.GetBrokers()) == 0 {
		return nil, stderrors.New("sarama: brokers are required")
	}

	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Driver{
		cfg:    cfg,
		sc:     sc,
		logger: logger,
	}, nil
}

// Driver implements driver.Driver on top of sarama. Waiting sends go through
// a SyncProducer; fire-and-forget and batched sends go through an
// AsyncProducer whose success/error channels feed the pending counter that
// Flush polls.
type Driver struct {
	cfg    driver.Config
	sc     *kafka.Config
	logger logging.ServiceLogger

	mu       sync.Mutex
	client   kafka.Client
	syncProd kafka.SyncProducer
	async    kafka.AsyncProducer
	groups   []kafka.ConsumerGroup
	closed   bool

	pending atomic.Int64
}

func saramaConfig(cfg driver.Config) (*kafka.Config, error) {
	sc := kafka.NewConfig()
	sc.Version = kafka.V2_6_0_0
	if id := cfg.GetClientID(); id != "" {
		sc.ClientID = id
	}

	sc.Producer.RequiredAcks = kafka.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if linger := cfg.GetBatchLinger(); linger > 0 {
		sc.Producer.Flush.Frequency = linger
	}
	if size := cfg.GetBatchSize(); size > 0 {
		sc.Producer.Flush.MaxMessages = size
	}

	switch strings.ToLower(cfg.GetCompression()) {
	case "":
	case "gzip":
		sc.Producer.Compression = kafka.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = kafka.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = kafka.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = kafka.CompressionZSTD
	default:
		return nil, stderrors.New("sarama: unsupported compression " + cfg.GetCompression())
	}

	if strings.ToLower(cfg.GetAutoOffsetReset()) == "latest" {
		sc.Consumer.Offsets.Initial = kafka.OffsetNewest
	} else {
		sc.Consumer.Offsets.Initial = kafka.OffsetOldest
	}
	sc.Consumer.Offsets.AutoCommit.Enable = cfg.GetAutoCommit()
	if st := cfg.GetSessionTimeout(); st > 0 {
		sc.Consumer.Group.Session.Timeout = st
	}
	sc.Consumer.Return.Errors = true

	switch strings.ToLower(cfg.GetSecurityProtocol()) {
	case "ssl", "sasl_ssl":
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	switch strings.ToLower(cfg.GetSASLMechanism()) {
	case "":
	case "plain":
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = kafka.SASLTypePlaintext
		sc.Net.SASL.User = cfg.GetSASLUsername()
		sc.Net.SASL.Password = cfg.GetSASLPassword()
	case "scram-sha-256":
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = kafka.SASLTypeSCRAMSHA256
		sc.Net.SASL.User = cfg.GetSASLUsername()
		sc.Net.SASL.Password = cfg.GetSASLPassword()
	case "scram-sha-512":
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = kafka.SASLTypeSCRAMSHA512
		sc.Net.SASL.User = cfg.GetSASLUsername()
		sc.Net.SASL.Password = cfg.GetSASLPassword()
	default:
		return nil, stderrors.New("sarama: unsupported SASL mechanism " + cfg.GetSASLMechanism())
	}

	return sc, nil
}

// Connect establishes the client and both producers. Idempotent: an already
// connected driver returns immediately.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.ErrDriverClosed
	}
	if d.client != nil {
		return nil
	}

	client, err := kafka.NewClient(d.cfg.GetBrokers(), d.sc)
	if err != nil {
		return err
	}

	syncProd, err := kafka.NewSyncProducerFromClient(client)
	if err != nil {
		return stderrors.Join(err, client.Close())
	}

	async, err := kafka.NewAsyncProducerFromClient(client)
	if err != nil {
		return stderrors.Join(err, syncProd.Close(), client.Close())
	}

	d.client = client
	d.syncProd = syncProd
	d.async = async

	go d.drainAsyncResults(async)

	return nil
}

// drainAsyncResults keeps the pending counter honest and logs deferred
// failures. Fire-and-forget failures are logged only, never retried, to
// avoid unbounded duplicate publication.
func (d *Driver) drainAsyncResults(async kafka.AsyncProducer) {
	successes := async.Successes()
	producerErrors := async.Errors()
	for successes != nil || producerErrors != nil {
		select {
		case _, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			d.pending.Add(-1)
		case perr, ok := <-producerErrors:
			if !ok {
				producerErrors = nil
				continue
			}
			d.pending.Add(-1)
			d.logger.Error("async produce failed", perr.Err, logging.LogFields{
				"topic": perr.Msg.Topic,
			})
		}
	}
}

func (d *Driver) connected() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.ErrDriverClosed
	}
	if d.client == nil {
		return stderrors.New("sarama: driver is not connected")
	}
	return nil
}

func toProducerMessage(msg *driver.Message) *kafka.ProducerMessage {
	pm := &kafka.ProducerMessage{
		Topic:     msg.Topic,
		Value:     kafka.ByteEncoder(msg.Payload),
		Timestamp: msg.Timestamp,
	}
	if len(msg.Key) > 0 {
		pm.Key = kafka.ByteEncoder(msg.Key)
	}
	for k, v := range msg.Headers {
		pm.Headers = append(pm.Headers, kafka.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}
	return pm
}

// Produce sends one message. Waiting sends block on the SyncProducer until
// the broker acknowledges the full ISR write and return the real placement;
// fire-and-forget sends enqueue on the AsyncProducer.
func (d *Driver) Produce(ctx context.Context, msg *driver.Message, wait bool) (*driver.Receipt, error) {
	if err := d.connected(); err != nil {
		return nil, err
	}

	pm := toProducerMessage(msg)

	if wait {
		partition, offset, err := d.syncProd.SendMessage(pm)
		if err != nil {
			return nil, &errors.ProduceError{Topic: msg.Topic, Err: err}
		}
		return &driver.Receipt{
			Topic:     msg.Topic,
			Partition: int(partition),
			Offset:    offset,
			Timestamp: msg.Timestamp,
			Acked:     true,
		}, nil
	}

	d.pending.Add(1)
	select {
	case d.async.Input() <- pm:
	case <-ctx.Done():
		d.pending.Add(-1)
		return nil, ctx.Err()
	}
	return &driver.Receipt{
		Topic:     msg.Topic,
		Partition: -1,
		Offset:    -1,
		Timestamp: msg.Timestamp,
		Acked:     false,
	}, nil
}

// ProduceBatch enqueues the batch on the AsyncProducer and returns the
// number accepted into the local buffer.
func (d *Driver) ProduceBatch(ctx context.Context, topic string, msgs []*driver.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := d.connected(); err != nil {
		return 0, err
	}

	accepted := 0
	for _, msg := range msgs {
		if msg.Topic == "" {
			msg.Topic = topic
		}
		pm := toProducerMessage(msg)
		d.pending.Add(1)
		select {
		case d.async.Input() <- pm:
			accepted++
		case <-ctx.Done():
			d.pending.Add(-1)
			return accepted, ctx.Err()
		}
	}
	return accepted, nil
}

const flushPollInterval = 10 * time.Millisecond

// Flush waits for the async pending counter to drain.
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

// Subscribe joins a consumer group over the given topics. A background loop
// re-enters the group on every rebalance; deliveries flow through a channel
// that Poll reads with a timeout.
func (d *Driver) Subscribe(ctx context.Context, groupID string, topics ...string) (driver.ConsumerHandle, error) {
	if groupID == "" {
		return nil, errors.ErrGroupIDRequired
	}
	if err := d.connected(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	group, err := kafka.NewConsumerGroupFromClient(groupID, client)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.groups = append(d.groups, group)
	d.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		groupID:    groupID,
		group:      group,
		deliveries: make(chan *pendingDelivery),
		cancel:     cancel,
		autoCommit: d.cfg.GetAutoCommit(),
		logger:     d.logger,
	}

	go h.consumeLoop(loopCtx, topics)
	go h.drainErrors(group)

	return h, nil
}

// Close shuts down producers, consumer groups, and the client.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	syncProd := d.syncProd
	async := d.async
	client := d.client
	groups := append([]kafka.ConsumerGroup{}, d.groups...)
	d.syncProd = nil
	d.async = nil
	d.client = nil
	d.groups = nil
	d.mu.Unlock()

	var closeErr error
	for _, g := range groups {
		closeErr = stderrors.Join(closeErr, g.Close())
	}
	if async != nil {
		closeErr = stderrors.Join(closeErr, async.Close())
	}
	if syncProd != nil {
		closeErr = stderrors.Join(closeErr, syncProd.Close())
	}
	if client != nil {
		closeErr = stderrors.Join(closeErr, client.Close())
	}
	return closeErr
}

// pendingDelivery pairs a delivery with the session-bound mark function that
// commits it. When a rebalance ends the session the mark function becomes a
// stale no-op and the message is redelivered under the new assignment, which
// is the required crash-equivalent behaviour.
type pendingDelivery struct {
	delivery *driver.Delivery
	commit   func() error
}

type handle struct {
	groupID    string
	group      kafka.ConsumerGroup
	deliveries chan *pendingDelivery
	cancel     context.CancelFunc
	autoCommit bool
	logger     logging.ServiceLogger

	mu       sync.Mutex
	inFlight map[deliveryKey]func() error
	closed   bool
}

type deliveryKey struct {
	topic     string
	partition int32
	offset    int64
}

func (h *handle) consumeLoop(ctx context.Context, topics []string) {
	defer close(h.deliveries)
	for {
		// Consume blocks for one session; a rebalance ends it and the loop
		// rejoins with the new assignment.
		err := h.group.Consume(ctx, topics, &groupHandler{handle: h, ctx: ctx})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if stderrors.Is(err, kafka.ErrClosedConsumerGroup) {
				return
			}
			h.logger.Error("consumer group session failed", err, logging.LogFields{
				"group":  h.groupID,
				"topics": topics,
			})
			time.Sleep(time.Second)
		}
	}
}

func (h *handle) drainErrors(group kafka.ConsumerGroup) {
	for err := range group.Errors() {
		h.logger.Error("consumer group error", err, logging.LogFields{"group": h.groupID})
	}
}

// Poll returns the next delivery, or (nil, nil) when timeout elapses.
func (h *handle) Poll(ctx context.Context, timeout time.Duration) (*driver.Delivery, error) {
	select {
	case pd, ok := <-h.deliveries:
		if !ok {
			return nil, errors.ErrDriverClosed
		}
		h.track(pd)
		return pd.delivery, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (h *handle) track(pd *pendingDelivery) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight == nil {
		h.inFlight = make(map[deliveryKey]func() error)
	}
	key := deliveryKey{pd.delivery.Topic, int32(pd.delivery.Partition), pd.delivery.Offset}
	h.inFlight[key] = pd.commit
}

// Commit marks the delivery on its originating session. A delivery whose
// session ended in a rebalance has no commit function anymore; the error is
// surfaced so the runtime can log and rely on redelivery.
func (h *handle) Commit(ctx context.Context, d *driver.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := deliveryKey{d.Topic, int32(d.Partition), d.Offset}
	h.mu.Lock()
	commit, ok := h.inFlight[key]
	delete(h.inFlight, key)
	h.mu.Unlock()

	if !ok {
		return &errors.CommitError{
			Topic:     d.Topic,
			Partition: d.Partition,
			Offset:    d.Offset,
			Err:       stderrors.New("sarama: session ended before commit (rebalance)"),
		}
	}
	if err := commit(); err != nil {
		return &errors.CommitError{Topic: d.Topic, Partition: d.Partition, Offset: d.Offset, Err: err}
	}
	return nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	return h.group.Close()
}

type groupHandler struct {
	handle *handle
	ctx    context.Context
}

func (g *groupHandler) Setup(kafka.ConsumerGroupSession) error { return nil }

// Cleanup drops commit functions bound to the ending session; their
// uncommitted messages will be redelivered under the new assignment.
func (g *groupHandler) Cleanup(kafka.ConsumerGroupSession) error {
	g.handle.mu.Lock()
	g.handle.inFlight = nil
	g.handle.mu.Unlock()
	return nil
}

func (g *groupHandler) ConsumeClaim(session kafka.ConsumerGroupSession, claim kafka.ConsumerGroupClaim) error {
	autoCommit := g.handle.autoCommit
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			headers := metadata.Metadata{}
			for _, hd := range msg.Headers {
				headers[string(hd.Key)] = string(hd.Value)
			}

			pd := &pendingDelivery{
				delivery: &driver.Delivery{
					Message: driver.Message{
						Topic:     msg.Topic,
						Key:       msg.Key,
						Payload:   msg.Value,
						Headers:   headers,
						Timestamp: msg.Timestamp,
					},
					Partition: int(msg.Partition),
					Offset:    msg.Offset,
					GroupID:   g.handle.groupID,
				},
				commit: func() error {
					session.MarkMessage(msg, "")
					if !autoCommit {
						session.Commit()
					}
					return nil
				},
			}

			select {
			case g.handle.deliveries <- pd:
			case <-session.Context().Done():
				return nil
			case <-g.ctx.Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		case <-g.ctx.Done():
			return nil
		}
	}
}
