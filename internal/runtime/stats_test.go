package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
)

func TestWorkerStatsCounters(t *testing.T) {
	stats := newWorkerStats("orders", "in", "out")

	stats.onAttemptStart()
	stats.onAttemptFinish(10*time.Millisecond, nil, nil)
	stats.onAttemptStart()
	stats.onAttemptFinish(30*time.Millisecond, errors.New("boom"), nil)
	stats.onRetry()
	stats.onDeadLetter()

	if stats.MessagesProcessed != 2 {
		t.Fatalf("expected 2 processed, got %d", stats.MessagesProcessed)
	}
	if stats.MessagesFailed != 1 {
		t.Fatalf("expected 1 failed, got %d", stats.MessagesFailed)
	}
	if stats.MessagesRetried != 1 || stats.MessagesDeadLetter != 1 {
		t.Fatalf("retry/dlq counters wrong: %d/%d", stats.MessagesRetried, stats.MessagesDeadLetter)
	}
	if stats.TotalProcessingTime != int64(40*time.Millisecond) {
		t.Fatalf("expected 40ms total, got %d", stats.TotalProcessingTime)
	}
	if stats.LastProcessedAt.IsZero() {
		t.Fatalf("last processed timestamp not set")
	}
	if stats.Backlog.InFlight != 0 || stats.Backlog.MaxInFlight != 1 {
		t.Fatalf("backlog wrong: %+v", stats.Backlog)
	}
}

func TestWorkerStatsLatencyPercentiles(t *testing.T) {
	stats := newWorkerStats("orders", "in", "")

	// 100 evenly spread samples: 1ms..100ms.
	for i := 1; i <= 100; i++ {
		stats.onAttemptStart()
		stats.onAttemptFinish(time.Duration(i)*time.Millisecond, nil, nil)
	}

	latency := stats.Latency
	if latency.SampleSize != 100 {
		t.Fatalf("expected 100 samples, got %d", latency.SampleSize)
	}
	if latency.LastNs != int64(100*time.Millisecond) {
		t.Fatalf("expected last 100ms, got %d", latency.LastNs)
	}
	if latency.P50Ns < int64(49*time.Millisecond) || latency.P50Ns > int64(52*time.Millisecond) {
		t.Fatalf("p50 out of range: %s", time.Duration(latency.P50Ns))
	}
	if latency.P95Ns < int64(94*time.Millisecond) || latency.P95Ns > int64(97*time.Millisecond) {
		t.Fatalf("p95 out of range: %s", time.Duration(latency.P95Ns))
	}
	if latency.P99Ns < int64(98*time.Millisecond) || latency.P99Ns > int64(100*time.Millisecond) {
		t.Fatalf("p99 out of range: %s", time.Duration(latency.P99Ns))
	}
	if latency.AverageNs != int64(50500*time.Microsecond) {
		t.Fatalf("expected 50.5ms average, got %s", time.Duration(latency.AverageNs))
	}
}

func TestWorkerStatsLatencyWindowEviction(t *testing.T) {
	window := newLatencyWindow(4)
	for i := 1; i <= 6; i++ {
		window.Add(time.Duration(i) * time.Second)
	}

	// Window holds the last four samples: 3s..6s.
	snapshot := window.Snapshot()
	if snapshot.SampleSize != 4 {
		t.Fatalf("expected 4 samples, got %d", snapshot.SampleSize)
	}
	if snapshot.P50Ns < int64(3*time.Second) || snapshot.P99Ns > int64(6*time.Second) {
		t.Fatalf("window retained evicted samples: %+v", snapshot)
	}
	if snapshot.LastNs != int64(6*time.Second) {
		t.Fatalf("expected last 6s, got %s", time.Duration(snapshot.LastNs))
	}
}

func TestWorkerStatsThroughputWindow(t *testing.T) {
	window := newThroughputWindow(time.Minute)
	base := time.Now()

	for i := 0; i < 10; i++ {
		window.AddAndSnapshot(base.Add(time.Duration(i) * time.Second))
	}
	snapshot := window.snapshot(base.Add(9 * time.Second))
	if snapshot.Count != 10 {
		t.Fatalf("expected 10 in window, got %d", snapshot.Count)
	}

	// Everything but the final sample ages out of the horizon.
	snapshot = window.AddAndSnapshot(base.Add(2 * time.Minute))
	if snapshot.Count != 1 {
		t.Fatalf("expected old samples evicted, got %d", snapshot.Count)
	}
}

func TestErrorBreakdownRecord(t *testing.T) {
	var breakdown ErrorBreakdown

	breakdown.Record(ErrorCategorySchema, errors.New("bad shape"))
	breakdown.Record(ErrorCategoryTransport, errors.New("broker down"))
	breakdown.Record(ErrorCategoryPermanent, errors.New("rejected"))
	breakdown.Record(ErrorCategoryOther, errors.New("unknown"))
	breakdown.Record(ErrorCategoryNone, nil)

	if breakdown.Schema != 1 || breakdown.Transport != 1 || breakdown.Permanent != 1 || breakdown.Other != 1 {
		t.Fatalf("counts wrong: %+v", breakdown)
	}
	if breakdown.LastError != "unknown" {
		t.Fatalf("expected last error retained, got %q", breakdown.LastError)
	}
}

func TestDefaultErrorClassifier(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrorCategoryNone},
		{"schema", errspkg.NewSchemaError("in", "validate", errors.New("bad")), ErrorCategorySchema},
		{"permanent", errspkg.Permanent(errors.New("rejected")), ErrorCategoryPermanent},
		{"produce", &errspkg.ProduceError{Topic: "out", Err: errors.New("down")}, ErrorCategoryTransport},
		{"wrapped produce", fmt.Errorf("publish: %w", &errspkg.ProduceError{Topic: "out", Err: errors.New("down")}), ErrorCategoryTransport},
		{"deadline", context.DeadlineExceeded, ErrorCategoryTransport},
		{"canceled", context.Canceled, ErrorCategoryTransport},
		{"other", errors.New("who knows"), ErrorCategoryOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := defaultErrorClassifier(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestWorkerStatsMarshalJSON(t *testing.T) {
	stats := newWorkerStats("orders", "in", "out")
	stats.onAttemptStart()
	stats.onAttemptFinish(5*time.Millisecond, nil, nil)

	data, err := stats.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, key := range []string{"messages_processed", "latency", "throughput", "errors", "backlog"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Fatalf("marshalled stats missing %q: %s", key, data)
		}
	}
}
