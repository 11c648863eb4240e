// Package flowmq is a broker-agnostic messaging runtime: applications publish
// events to named topics and consume them through supervised worker loops,
// independent of which underlying partitioned-log broker client is deployed.
// It reads the target backend (segment, sarama, or in-process channel) from
// Config, validates payloads against per-topic schemas at the publish and
// consume boundary, and runs consumer-group workers with per-partition
// ordering, bounded concurrency, retry with backoff, and dead-letter routing.
//
// Service hosts the wiring: fill a Config, create a Service, register topics
// and workers, then call Start. The Producer supports confirmed sends,
// fire-and-forget sends through a bounded buffer, and batches; Flush drains
// everything buffered before shutdown. Delivery is at-least-once; processing
// functions own idempotency.
//
// # Drivers
//
// FlowMQ ships three interchangeable drivers, selected by Config.Backend and
// activated by blank import:
//   - segment: Kafka via github.com/segmentio/kafka-go
//   - sarama: Kafka via github.com/IBM/sarama
//   - channel: in-memory partitioned log for tests and local development
//
// All drivers satisfy the same contract; swapping one for another changes the
// client library, never the semantics observed by application code.
//
// # Workers
//
// A WorkerRegistration binds an input topic to a processing function (or an
// event-name route map), a retry policy, and a dead-letter topic. One slot
// per partition preserves ordering; Concurrency parallelises across
// partitions. Failed messages retry with fixed, linear, or exponential
// backoff and land in the dead-letter topic as a DeadLetterEnvelope once the
// budget is exhausted. Offsets commit only after a terminal outcome.
//
// # Hooks
//
// WorkerHooks provide OnReceive, OnSuccess, OnRetry, and OnDeadLetter
// callbacks for custom logging, metrics collection, and alerting around
// message processing.
package flowmq
