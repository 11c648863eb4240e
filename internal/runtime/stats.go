package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
	"github.com/flowmq/flowmq/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// WorkerStats aggregates processing counters for a single worker. Safe for
// concurrent use; the worker updates it from every partition slot.
type WorkerStats struct {
	mu sync.Mutex `json:"-"`

	workerName  string `json:"-"`
	inputTopic  string `json:"-"`
	outputTopic string `json:"-"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	MessagesRetried     uint64    `json:"messages_retried"`
	MessagesDeadLetter  uint64    `json:"messages_dead_lettered"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
}

// WorkerInfo pairs a worker's identity with its stats for introspection.
type WorkerInfo struct {
	Name        string       `json:"name"`
	InputTopic  string       `json:"input_topic"`
	OutputTopic string       `json:"output_topic,omitempty"`
	GroupID     string       `json:"group_id"`
	Stats       *WorkerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Schema    uint64 `json:"schema"`
	Transport uint64 `json:"transport"`
	Permanent uint64 `json:"permanent"`
	Other     uint64 `json:"other"`
	LastError string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

// ErrorCategory buckets processing failures for the error breakdown.
type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategorySchema    ErrorCategory = "schema"
	ErrorCategoryTransport ErrorCategory = "transport"
	ErrorCategoryPermanent ErrorCategory = "permanent"
	ErrorCategoryOther     ErrorCategory = "other"
)

// ErrorClassifier maps a processing error to a category.
type ErrorClassifier func(error) ErrorCategory

func newWorkerStats(name, inputTopic, outputTopic string) *WorkerStats {
	return &WorkerStats{
		workerName:       name,
		inputTopic:       inputTopic,
		outputTopic:      outputTopic,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (w *WorkerStats) onAttemptStart() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.Backlog.InFlight++
	if w.Backlog.InFlight > w.Backlog.MaxInFlight {
		w.Backlog.MaxInFlight = w.Backlog.InFlight
	}
}

func (w *WorkerStats) onAttemptFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Backlog.InFlight > 0 {
		w.Backlog.InFlight--
	}

	w.MessagesProcessed++
	if err != nil {
		w.MessagesFailed++
	}
	w.TotalProcessingTime += int64(duration)
	w.LastProcessedAt = time.Now().UTC()

	if w.latencyWindow != nil {
		w.latencyWindow.Add(duration)
		snapshot := w.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		if w.MessagesProcessed > 0 {
			snapshot.AverageNs = w.TotalProcessingTime / int64(w.MessagesProcessed)
		}
		w.Latency = snapshot
	}

	if w.throughputWindow != nil {
		snapshot := w.throughputWindow.AddAndSnapshot(time.Now())
		w.Throughput.CurrentRPS = snapshot.CurrentRPS
		w.Throughput.WindowSeconds = snapshot.WindowSeconds
		w.Throughput.MessagesInWindow = uint64(snapshot.Count)
	}
	w.Throughput.TotalMessages = w.MessagesProcessed

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	w.Errors.Record(classifier(err), err)
}

func (w *WorkerStats) onRetry() {
	w.mu.Lock()
	w.MessagesRetried++
	w.mu.Unlock()
}

func (w *WorkerStats) onDeadLetter() {
	w.mu.Lock()
	w.MessagesDeadLetter++
	w.mu.Unlock()
}

func (w *WorkerStats) MarshalJSON() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	type Alias WorkerStats
	return jsoncodec.Marshal((*Alias)(w))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategorySchema:
		e.Schema++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryPermanent:
		e.Permanent++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	if errspkg.IsSchemaError(err) {
		return ErrorCategorySchema
	}
	if errspkg.IsPermanent(err) {
		return ErrorCategoryPermanent
	}
	var produceErr *errspkg.ProduceError
	if errors.As(err, &produceErr) {
		return ErrorCategoryTransport
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTransport
	}
	return ErrorCategoryOther
}
