package config

import (
	"fmt"
	"strings"
	"time"

	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
)

// Supported broker backends. Both speak the Kafka protocol; they differ only
// in client library, never in the semantics exposed to the runtime.
const (
	BackendSegment = "segment"
	BackendSarama  = "sarama"
	// BackendChannel is an in-process backend for tests and local development.
	BackendChannel = "channel"
)

// Auto-offset-reset policies applied when a consumer group has no committed
// offset for a partition.
const (
	OffsetResetEarliest = "earliest"
	OffsetResetLatest   = "latest"
)

// Config groups the messaging settings required to initialise the Service.
// It is read once at startup and treated as immutable for the process
// lifetime.
type Config struct {
	// Backend selects the broker driver. Supported values: "segment",
	// "sarama", or "channel".
	Backend string

	// Brokers lists the bootstrap endpoints, host:port.
	Brokers []string

	// ClientID identifies this process to the broker.
	ClientID string

	// Security settings. Empty SASLMechanism disables SASL.
	SecurityProtocol string // "plaintext", "ssl", "sasl_plaintext", "sasl_ssl"
	SASLMechanism    string // "plain", "scram-sha-256", "scram-sha-512"
	SASLUsername     string
	SASLPassword     string

	// DefaultWait is the process-wide default for Producer.Send when the
	// caller does not choose a wait mode.
	DefaultWait bool

	// Compression applied to produced batches: "", "gzip", "snappy", "lz4",
	// "zstd".
	Compression string

	// BatchLinger is how long the client-side buffer may hold messages
	// before forcing a write.
	BatchLinger time.Duration

	// BatchSize caps the number of messages per client-side batch.
	BatchSize int

	// PublishBufferSize bounds the fire-and-forget queue. A full buffer
	// rejects sends rather than growing without limit.
	PublishBufferSize int

	// Consumer settings.
	AutoOffsetReset string // "earliest" or "latest"; defaults to "earliest".
	AutoCommit      bool   // When true, drivers may commit on an interval; the runtime still commits explicitly at terminal outcomes.
	SessionTimeout  time.Duration

	// DLQSuffix names the default dead-letter topic for workers that enable
	// dead-lettering without naming a topic: "<input_topic><DLQSuffix>".
	DLQSuffix string

	// ShutdownTimeout bounds the graceful drain of in-flight work.
	ShutdownTimeout time.Duration

	// Metrics configuration.
	MetricsEnabled bool
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int
}

// Getter methods to implement driver.Config.
func (c *Config) GetBackend() string               { return c.Backend }
func (c *Config) GetBrokers() []string             { return c.Brokers }
func (c *Config) GetClientID() string              { return c.ClientID }
func (c *Config) GetSecurityProtocol() string      { return c.SecurityProtocol }
func (c *Config) GetSASLMechanism() string         { return c.SASLMechanism }
func (c *Config) GetSASLUsername() string          { return c.SASLUsername }
func (c *Config) GetSASLPassword() string          { return c.SASLPassword }
func (c *Config) GetCompression() string           { return c.Compression }
func (c *Config) GetBatchLinger() time.Duration    { return c.BatchLinger }
func (c *Config) GetBatchSize() int                { return c.BatchSize }
func (c *Config) GetAutoOffsetReset() string       { return c.AutoOffsetReset }
func (c *Config) GetAutoCommit() bool              { return c.AutoCommit }
func (c *Config) GetSessionTimeout() time.Duration { return c.SessionTimeout }

func (c Config) String() string {
	// Copy so redaction never touches the original.
	copy := c
	if copy.SASLPassword != "" {
		copy.SASLPassword = "***REDACTED***"
	}
	// Type alias avoids infinite recursion when printing.
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// WithDefaults returns a copy of c with zero values replaced by the
// documented defaults.
func (c Config) WithDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendSegment
	}
	if c.ClientID == "" {
		c.ClientID = "flowmq"
	}
	if c.BatchLinger <= 0 {
		c.BatchLinger = 5 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PublishBufferSize <= 0 {
		c.PublishBufferSize = 1024
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = OffsetResetEarliest
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.DLQSuffix == "" {
		c.DLQSuffix = ".dlq"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Validate checks that the configuration has all required fields for the
// selected backend. Every problem found is reported in one
// ConfigValidationError so a misconfigured deployment fails with the full
// picture, not the first complaint.
func (c *Config) Validate() error {
	var problems []string

	problems = append(problems, c.validateBackend()...)
	problems = append(problems, c.validateConsumer()...)
	problems = append(problems, c.validatePorts()...)

	if len(problems) == 0 {
		return nil
	}
	return &errspkg.ConfigValidationError{Problems: problems}
}

func (c *Config) validateBackend() []string {
	switch strings.ToLower(c.Backend) {
	case BackendSegment, BackendSarama:
		if len(c.Brokers) == 0 {
			return []string{fmt.Sprintf("%s: brokers are required", c.Backend)}
		}
	case BackendChannel, "":
		// In-process backend needs no endpoints.
	default:
		// Custom registered drivers are allowed; endpoint checks are theirs.
	}

	switch strings.ToLower(c.Compression) {
	case "", "gzip", "snappy", "lz4", "zstd":
	default:
		return []string{fmt.Sprintf("compression: unsupported codec %q", c.Compression)}
	}
	return nil
}

func (c *Config) validateConsumer() []string {
	var problems []string
	switch strings.ToLower(c.AutoOffsetReset) {
	case "", OffsetResetEarliest, OffsetResetLatest:
	default:
		problems = append(problems, fmt.Sprintf("consumer: invalid auto offset reset %q", c.AutoOffsetReset))
	}
	if c.SessionTimeout < 0 {
		problems = append(problems, "consumer: session timeout cannot be negative")
	}
	if c.PublishBufferSize < 0 {
		problems = append(problems, "producer: publish buffer size cannot be negative")
	}
	if c.BatchSize < 0 {
		problems = append(problems, "producer: batch size cannot be negative")
	}
	if c.BatchLinger < 0 {
		problems = append(problems, "producer: batch linger cannot be negative")
	}
	return problems
}

func (c *Config) validatePorts() []string {
	var problems []string
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		problems = append(problems, fmt.Sprintf("metrics: invalid port %d", c.MetricsPort))
	}
	return problems
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errspkg.ErrConfigRequired
	}
	return c.Validate()
}
