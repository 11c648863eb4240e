/*
Package runtime provides the core messaging infrastructure for FlowMQ.

# Architecture Overview

The runtime package implements a producer/consumer runtime over a pluggable
broker driver. Payloads are validated against per-topic schemas at the
publish and consume boundary, and consumer workers run a supervised loop with
per-partition ordering, retries, and dead-letter routing.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - The broker driver resolved from the driver registry
  - The producer with its bounded fire-and-forget buffer
  - Topic and worker registries
  - Prometheus collectors and the optional metrics endpoint

## Producer (producer.go)

Confirmed sends, fire-and-forget sends through a bounded buffer drained by a
background flusher, batched sends, and Flush with per-topic pending counters.

## Worker Runtime (worker.go, dispatch.go, retry.go)

One poll loop per worker, one slot goroutine per assigned partition, and a
semaphore capping concurrent attempts across partitions. Failures retry under
a RetryPolicy (fixed, linear, or exponential backoff) until the budget is
exhausted, then the message is dead-lettered and the offset committed.
Dispatchers route messages to processing functions by event name, resolved at
registration time.

## Dead Letters (dlq.go, dlq_metrics.go)

DeadLetterEnvelope construction, confirmed dead-letter publishing, and
Prometheus DLQ metrics.

## Stats & Monitoring (stats.go, metrics.go, hooks.go)

Per-worker counters with latency percentiles (p50, p95, p99), throughput
windows, error categorization, Prometheus worker collectors, and lifecycle
hooks for custom logging, metrics, and alerting.

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors and the failure taxonomy
  - handlers/: Typed JSON and protobuf processing-function adapters
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message header utilities and standard keys
  - schema/: Payload validation and (de)serialization

# Usage Example

	cfg := &flowmq.Config{
		Backend:        "segment",
		Brokers:        []string{"localhost:9092"},
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc, err := flowmq.NewService(cfg, logger)

	svc.RegisterTopic(flowmq.TopicConfig{Name: "orders.created"})
	svc.RegisterWorker(flowmq.WorkerRegistration{
		Name:        "order-processor",
		InputTopic:  "orders.created",
		OutputTopic: "orders.processed",
		Handler:     processOrder,
	})

	svc.Start(ctx)
*/
package runtime
