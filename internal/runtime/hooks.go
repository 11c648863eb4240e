package runtime

import (
	"context"
	"time"

	"github.com/flowmq/flowmq/internal/runtime/logging"
	"github.com/flowmq/flowmq/internal/runtime/metadata"
)

// HookContext provides information about a unit of work to lifecycle hooks.
type HookContext struct {
	// WorkerName is the name of the worker processing the message.
	WorkerName string
	// Topic is the topic the message was received from.
	Topic string
	// MessageID is the unique identifier of the message.
	MessageID string
	// Partition and Offset locate the record on the broker.
	Partition int
	Offset    int64
	// Headers contains the message headers.
	Headers metadata.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the attempt started processing.
	StartedAt time.Time
	// Duration is how long the attempt took (zero in OnReceive).
	Duration time.Duration
	// Attempt is the 1-based number of the processing attempt.
	Attempt int
}

// WorkerHooks defines callbacks for worker lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type WorkerHooks struct {
	// OnReceive is called when a worker begins an attempt, before the
	// processing function is invoked.
	OnReceive func(ctx HookContext)

	// OnSuccess is called when an attempt completes and its results are
	// published. Duration is set to how long the attempt took.
	OnSuccess func(ctx HookContext)

	// OnRetry is called when an attempt fails with retry budget remaining.
	// delay is the suspension before the next attempt.
	OnRetry func(ctx HookContext, err error, delay time.Duration)

	// OnDeadLetter is called after the message has been routed to the
	// dead-letter topic, before the input offset is committed.
	OnDeadLetter func(ctx HookContext, err error)
}

// Merge combines two WorkerHooks, creating a new WorkerHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h WorkerHooks) Merge(other WorkerHooks) WorkerHooks {
	return WorkerHooks{
		OnReceive:    chainHooks(h.OnReceive, other.OnReceive),
		OnSuccess:    chainHooks(h.OnSuccess, other.OnSuccess),
		OnRetry:      chainRetryHooks(h.OnRetry, other.OnRetry),
		OnDeadLetter: chainErrorHooks(h.OnDeadLetter, other.OnDeadLetter),
	}
}

func chainHooks(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext) {
		a(ctx)
		b(ctx)
	}
}

func chainRetryHooks(a, b func(HookContext, error, time.Duration)) func(HookContext, error, time.Duration) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext, err error, delay time.Duration) {
		a(ctx, err, delay)
		b(ctx, err, delay)
	}
}

func chainErrorHooks(a, b func(HookContext, error)) func(HookContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h WorkerHooks) receive(ctx HookContext) {
	if h.OnReceive != nil {
		h.OnReceive(ctx)
	}
}

func (h WorkerHooks) success(ctx HookContext) {
	if h.OnSuccess != nil {
		h.OnSuccess(ctx)
	}
}

func (h WorkerHooks) retry(ctx HookContext, err error, delay time.Duration) {
	if h.OnRetry != nil {
		h.OnRetry(ctx, err, delay)
	}
}

func (h WorkerHooks) deadLetter(ctx HookContext, err error) {
	if h.OnDeadLetter != nil {
		h.OnDeadLetter(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log worker lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) WorkerHooks {
	return WorkerHooks{
		OnReceive: func(ctx HookContext) {
			logger.Debug("Message received", logging.LogFields{
				"worker":     ctx.WorkerName,
				"topic":      ctx.Topic,
				"message_id": ctx.MessageID,
				"partition":  ctx.Partition,
				"offset":     ctx.Offset,
				"attempt":    ctx.Attempt,
			})
		},
		OnSuccess: func(ctx HookContext) {
			logger.Info("Message processed", logging.LogFields{
				"worker":      ctx.WorkerName,
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"attempt":     ctx.Attempt,
			})
		},
		OnRetry: func(ctx HookContext, err error, delay time.Duration) {
			logger.Warn("Attempt failed, retrying", logging.LogFields{
				"worker":     ctx.WorkerName,
				"topic":      ctx.Topic,
				"message_id": ctx.MessageID,
				"attempt":    ctx.Attempt,
				"delay_ms":   delay.Milliseconds(),
				"error":      err.Error(),
			})
		},
		OnDeadLetter: func(ctx HookContext, err error) {
			logger.Error("Message dead-lettered", err, logging.LogFields{
				"worker":     ctx.WorkerName,
				"topic":      ctx.Topic,
				"message_id": ctx.MessageID,
				"attempt":    ctx.Attempt,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record per-outcome counters.
func MetricsHooks(onReceive, onSuccess, onRetry, onDeadLetter func(workerName, topic string)) WorkerHooks {
	return WorkerHooks{
		OnReceive: func(ctx HookContext) {
			if onReceive != nil {
				onReceive(ctx.WorkerName, ctx.Topic)
			}
		},
		OnSuccess: func(ctx HookContext) {
			if onSuccess != nil {
				onSuccess(ctx.WorkerName, ctx.Topic)
			}
		},
		OnRetry: func(ctx HookContext, err error, delay time.Duration) {
			if onRetry != nil {
				onRetry(ctx.WorkerName, ctx.Topic)
			}
		},
		OnDeadLetter: func(ctx HookContext, err error) {
			if onDeadLetter != nil {
				onDeadLetter(ctx.WorkerName, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on dead letters.
func AlertingHooks(alertFunc func(ctx HookContext, err error)) WorkerHooks {
	return WorkerHooks{
		OnDeadLetter: alertFunc,
	}
}
