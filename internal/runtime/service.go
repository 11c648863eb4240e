package runtime

import (
	"context"
	sterrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	driverpkg "github.com/flowmq/flowmq/driver"
	configpkg "github.com/flowmq/flowmq/internal/runtime/config"
	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
	"github.com/flowmq/flowmq/internal/runtime/logging"
	schemapkg "github.com/flowmq/flowmq/internal/runtime/schema"
)

// Service owns the driver connection, the producer, and the registered
// topics and workers. Registration happens before Start; after Start the
// wiring is frozen.
type Service struct {
	cfg    configpkg.Config
	logger logging.ServiceLogger
	driver driverpkg.Driver

	producer *Producer
	topics   *TopicRegistry
	codec    *schemapkg.Codec

	workerMetrics *WorkerMetrics
	dlqMetrics    *DLQMetrics
	deadLetterer  *deadLetterer

	mu      sync.Mutex
	workers map[string]*worker
	order   []string
	started bool
	cancel  context.CancelFunc // stops polling; in-flight work keeps running
	force   context.CancelFunc // aborts in-flight work when the drain deadline passes
	runWG   sync.WaitGroup
	runErr  error

	metricsServer *http.Server
}

// ServiceOption customises Service construction.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	driver         driverpkg.Driver
	protoValidator schemapkg.ProtoValidator
	registerer     prometheus.Registerer
}

// WithDriver injects a pre-built driver instead of resolving one from the
// registry by the configured backend name. Mainly for tests.
func WithDriver(d driverpkg.Driver) ServiceOption {
	return func(o *serviceOptions) { o.driver = d }
}

// WithProtoValidator sets the semantic validator applied to decoded
// structured-binary payloads.
func WithProtoValidator(v schemapkg.ProtoValidator) ServiceOption {
	return func(o *serviceOptions) { o.protoValidator = v }
}

// WithPrometheusRegisterer overrides the metrics registerer. Defaults to the
// global default registerer.
func WithPrometheusRegisterer(r prometheus.Registerer) ServiceOption {
	return func(o *serviceOptions) { o.registerer = r }
}

// NewService validates the configuration, resolves the configured driver from
// the registry, and returns a Service ready for topic and worker
// registration.
func NewService(cfg *configpkg.Config, logger logging.ServiceLogger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	resolved := cfg.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, err
	}

	options := &serviceOptions{}
	for _, opt := range opts {
		opt(options)
	}

	d := options.driver
	if d == nil {
		var err error
		d, err = driverpkg.Build(context.Background(), &resolved, logger)
		if err != nil {
			return nil, err
		}
	}

	topics := NewTopicRegistry()
	codec := schemapkg.NewCodec(options.protoValidator)

	dlqMetrics := NewDLQMetrics(options.registerer)
	workerMetrics := NewWorkerMetrics(options.registerer)

	svc := &Service{
		cfg:    resolved,
		logger: logger,
		driver: d,
		topics: topics,
		codec:  codec,
		producer: newProducer(d, topics, codec, logger,
			resolved.DefaultWait, resolved.PublishBufferSize),
		workerMetrics: workerMetrics,
		dlqMetrics:    dlqMetrics,
		deadLetterer: &deadLetterer{
			driver:  d,
			metrics: dlqMetrics,
			logger:  logger,
		},
		workers: make(map[string]*worker),
	}
	return svc, nil
}

// Producer returns the service's producer.
func (s *Service) Producer() *Producer {
	return s.producer
}

// Topics returns the service's topic registry.
func (s *Service) Topics() *TopicRegistry {
	return s.topics
}

// Config returns the resolved configuration.
func (s *Service) Config() configpkg.Config {
	return s.cfg
}

// DLQMetrics returns the dead letter metrics collector.
func (s *Service) DLQMetrics() *DLQMetrics {
	return s.dlqMetrics
}

// RegisterTopic declares a topic. Identical re-registration is a no-op;
// conflicting re-registration fails.
func (s *Service) RegisterTopic(cfg TopicConfig) error {
	return s.topics.Register(cfg)
}

// WorkerHandle is the opaque reference returned by RegisterWorker. It exposes
// introspection without leaking the worker internals.
type WorkerHandle struct {
	name string
	svc  *Service
}

// Name returns the registered worker name.
func (h *WorkerHandle) Name() string { return h.name }

// Info snapshots the worker's identity and stats.
func (h *WorkerHandle) Info() WorkerInfo {
	h.svc.mu.Lock()
	defer h.svc.mu.Unlock()
	if w, ok := h.svc.workers[h.name]; ok {
		return w.info()
	}
	return WorkerInfo{Name: h.name}
}

// RegisterWorker declares a worker. Registration resolves the event routes
// and the dead letter topic immediately so misconfiguration fails at startup,
// not on the first message.
func (s *Service) RegisterWorker(reg WorkerRegistration) (*WorkerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, fmt.Errorf("flowmq: cannot register worker %q after start", reg.Name)
	}
	if _, exists := s.workers[reg.Name]; exists {
		return nil, fmt.Errorf("flowmq: worker %q already registered", reg.Name)
	}

	w, err := newWorker(reg, workerDeps{
		driver:    s.driver,
		producer:  s.producer,
		topics:    s.topics,
		codec:     s.codec,
		logger:    s.logger,
		metrics:   s.workerMetrics,
		dlqSuffix: s.cfg.DLQSuffix,
		dlq:       s.deadLetterer,
	})
	if err != nil {
		return nil, err
	}

	s.workers[reg.Name] = w
	s.order = append(s.order, reg.Name)
	return &WorkerHandle{name: reg.Name, svc: s}, nil
}

// Workers snapshots every registered worker in registration order.
func (s *Service) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(s.order))
	for _, name := range s.order {
		infos = append(infos, s.workers[name].info())
	}
	return infos
}

// Start connects the driver and launches the named workers, or all registered
// workers when none are named. It returns once everything is running;
// Shutdown (or Wait) handles the rest of the lifecycle.
func (s *Service) Start(ctx context.Context, workerNames ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("flowmq: service already started")
	}

	if err := s.driver.Connect(ctx); err != nil {
		return fmt.Errorf("flowmq: driver connect: %w", err)
	}

	selected, err := s.selectWorkersLocked(workerNames)
	if err != nil {
		return err
	}

	if s.cfg.MetricsEnabled {
		if err := s.workerMetrics.Register(); err != nil {
			return err
		}
		if err := s.dlqMetrics.Register(); err != nil {
			return err
		}
		s.startMetricsServerLocked()
	}

	// Two cancellation levels: execCtx aborts in-flight processing (forced
	// exit only), pollCtx additionally stops the poll loops (graceful stop).
	execCtx, force := context.WithCancel(context.Background())
	pollCtx, stopPolling := context.WithCancel(execCtx)
	s.cancel = stopPolling
	s.force = force
	s.started = true

	for _, w := range selected {
		w := w
		s.runWG.Add(1)
		go func() {
			defer s.runWG.Done()
			if err := w.run(pollCtx, execCtx); err != nil && !sterrors.Is(err, context.Canceled) {
				s.logger.Error("Worker stopped", err, logging.LogFields{
					"worker": w.reg.Name,
				})
				s.recordRunErr(err)
			}
		}()
	}

	s.logger.Info("Service started", logging.LogFields{
		"backend": s.cfg.Backend,
		"workers": len(selected),
	})
	return nil
}

func (s *Service) selectWorkersLocked(names []string) ([]*worker, error) {
	if len(names) == 0 {
		selected := make([]*worker, 0, len(s.order))
		for _, name := range s.order {
			selected = append(selected, s.workers[name])
		}
		return selected, nil
	}

	selected := make([]*worker, 0, len(names))
	for _, name := range names {
		w, ok := s.workers[name]
		if !ok {
			return nil, fmt.Errorf("flowmq: unknown worker %q", name)
		}
		selected = append(selected, w)
	}
	return selected, nil
}

func (s *Service) startMetricsServerLocked() {
	if s.cfg.MetricsPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.MetricsPort),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Metrics endpoint listening", logging.LogFields{
			"port": s.cfg.MetricsPort,
		})
		if err := s.metricsServer.ListenAndServe(); err != nil && !sterrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", err, nil)
		}
	}()
}

func (s *Service) recordRunErr(err error) {
	s.mu.Lock()
	if s.runErr == nil {
		s.runErr = err
	}
	s.mu.Unlock()
}

// Wait blocks until every running worker has stopped and returns the first
// worker error, if any.
func (s *Service) Wait() error {
	s.runWG.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Shutdown stops polling, lets in-flight slots finish their current step,
// flushes the producer, and closes the driver, all bounded by the configured
// shutdown timeout. Messages still in flight when the timeout elapses are
// logged as potentially reprocessed after restart.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	force := s.force
	s.mu.Unlock()
	defer force()

	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	// Stop polling only. In-flight slots keep their live context so a message
	// whose handler already succeeded still gets its outputs, dead letter, and
	// commit through before the workers exit.
	cancel()

	stopped := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(stopped)
	}()

	var errs []error
	select {
	case <-stopped:
	case <-time.After(time.Until(deadline)):
		s.logger.Warn("Shutdown timeout elapsed with workers still in flight, messages may be reprocessed", nil)
		errs = append(errs, fmt.Errorf("flowmq: shutdown timed out after %s", s.cfg.ShutdownTimeout))
		force()
	}

	if err := s.producer.Flush(ctx, time.Until(deadline)); err != nil {
		s.logger.Error("Producer flush during shutdown failed", err, nil)
		errs = append(errs, err)
	}
	if err := s.producer.Close(); err != nil {
		errs = append(errs, err)
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.driver.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("Service stopped", nil)
	return sterrors.Join(errs...)
}
