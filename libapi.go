package flowmq

import (
	"google.golang.org/protobuf/proto"

	driverpkg "github.com/flowmq/flowmq/driver"
	runtimepkg "github.com/flowmq/flowmq/internal/runtime"
	configpkg "github.com/flowmq/flowmq/internal/runtime/config"
	errspkg "github.com/flowmq/flowmq/internal/runtime/errors"
	handlerpkg "github.com/flowmq/flowmq/internal/runtime/handlers"
	idspkg "github.com/flowmq/flowmq/internal/runtime/ids"
	jsoncodec "github.com/flowmq/flowmq/internal/runtime/jsoncodec"
	loggingpkg "github.com/flowmq/flowmq/internal/runtime/logging"
	metadatapkg "github.com/flowmq/flowmq/internal/runtime/metadata"
	schemapkg "github.com/flowmq/flowmq/internal/runtime/schema"
)

type (
	Config         = configpkg.Config
	Service        = runtimepkg.Service
	ServiceOption  = runtimepkg.ServiceOption
	Producer       = runtimepkg.Producer
	SendOption     = runtimepkg.SendOption
	ProtoValidator = schemapkg.ProtoValidator

	TopicConfig   = runtimepkg.TopicConfig
	TopicRegistry = runtimepkg.TopicRegistry
	CleanupPolicy = runtimepkg.CleanupPolicy
	Schema        = schemapkg.Schema
	SchemaKind    = schemapkg.Kind

	WorkerRegistration = runtimepkg.WorkerRegistration
	WorkerHandle       = runtimepkg.WorkerHandle
	WorkerInfo         = runtimepkg.WorkerInfo
	WorkerStats        = runtimepkg.WorkerStats
	Inbound            = runtimepkg.Inbound
	Outbound           = runtimepkg.Outbound
	ProcessFunc        = runtimepkg.ProcessFunc
	Dispatcher         = runtimepkg.Dispatcher
	DeadLetterEnvelope = runtimepkg.DeadLetterEnvelope

	RetryPolicy     = runtimepkg.RetryPolicy
	BackoffStrategy = runtimepkg.BackoffStrategy

	JSONContext[T any]            = handlerpkg.JSONContext[T]
	JSONOutput[O any]             = handlerpkg.JSONOutput[O]
	JSONHandler[T any, O any]     = handlerpkg.JSONHandler[T, O]
	ProtoContext[T proto.Message] = handlerpkg.ProtoContext[T]
	ProtoOutput                   = handlerpkg.ProtoOutput
	ProtoHandler[T proto.Message] = handlerpkg.ProtoHandler[T]

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	// Message lifecycle hooks
	HookContext = runtimepkg.HookContext
	WorkerHooks = runtimepkg.WorkerHooks

	// DLQ metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTopicMetrics    = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	SchemaError           = errspkg.SchemaError
	ProduceError          = errspkg.ProduceError
	CommitError           = errspkg.CommitError
	RetryAfterError       = errspkg.RetryAfterError
	ConfigValidationError = errspkg.ConfigValidationError

	// Driver contract types, for custom driver implementations.
	Driver             = driverpkg.Driver
	DriverMessage      = driverpkg.Message
	DriverReceipt      = driverpkg.Receipt
	DriverDelivery     = driverpkg.Delivery
	ConsumerHandle     = driverpkg.ConsumerHandle
	DriverCapabilities = driverpkg.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	WithDriver               = runtimepkg.WithDriver
	WithProtoValidator       = runtimepkg.WithProtoValidator
	WithPrometheusRegisterer = runtimepkg.WithPrometheusRegisterer

	// Send options
	WithKey           = runtimepkg.WithKey
	WithHeaders       = runtimepkg.WithHeaders
	WithEvent         = runtimepkg.WithEvent
	WithCorrelationID = runtimepkg.WithCorrelationID
	WithWait          = runtimepkg.WithWait

	NewDispatcher      = runtimepkg.NewDispatcher
	DefaultRetryPolicy = runtimepkg.DefaultRetryPolicy

	// Message lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// DLQ helpers
	NewDLQMetrics            = runtimepkg.NewDLQMetrics
	DecodeDeadLetterEnvelope = runtimepkg.DecodeDeadLetterEnvelope

	// Error helpers
	Permanent      = errspkg.Permanent
	RetryAfter     = errspkg.RetryAfter
	IsPermanent    = errspkg.IsPermanent
	IsSchemaError  = errspkg.IsSchemaError
	NewSchemaError = errspkg.NewSchemaError

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrProcessorRequired  = errspkg.ErrProcessorRequired
	ErrInputTopicRequired = errspkg.ErrInputTopicRequired
	ErrWorkerNameRequired = errspkg.ErrWorkerNameRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrTopicConflict      = errspkg.ErrTopicConflict
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrPayloadRequired    = errspkg.ErrPayloadRequired
	ErrBufferFull         = errspkg.ErrBufferFull
	ErrProducerClosed     = errspkg.ErrProducerClosed
	ErrFlushTimeout       = errspkg.ErrFlushTimeout

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID

	// Driver registry. Import individual drivers via:
	//   _ "github.com/flowmq/flowmq/driver/segment"
	DefaultDriverRegistry = driverpkg.DefaultRegistry
	RegisterDriver        = driverpkg.Register
	BuildDriver           = driverpkg.Build
	GetCapabilities       = driverpkg.GetCapabilities
)

// Backend names accepted by Config.Backend.
const (
	BackendSegment = configpkg.BackendSegment
	BackendSarama  = configpkg.BackendSarama
	BackendChannel = configpkg.BackendChannel
)

// Schema kinds for TopicConfig.Schema.
const (
	SchemaKindProto = schemapkg.KindProto
	SchemaKindJSON  = schemapkg.KindJSON
)

// Backoff strategies for RetryPolicy.
const (
	BackoffFixed       = runtimepkg.BackoffFixed
	BackoffLinear      = runtimepkg.BackoffLinear
	BackoffExponential = runtimepkg.BackoffExponential
)

// Header keys stamped and read by the runtime.
const (
	HeaderMessageID     = metadatapkg.KeyMessageID
	HeaderEventName     = metadatapkg.KeyEventName
	HeaderSchemaID      = metadatapkg.KeySchemaID
	HeaderCorrelationID = metadatapkg.KeyCorrelationID
	HeaderProducedAt    = metadatapkg.KeyProducedAt
	HeaderAttempt       = metadatapkg.KeyAttempt
	HeaderOriginalTopic = metadatapkg.KeyOriginalTopic
	HeaderErrorMessage  = metadatapkg.KeyErrorMessage
	HeaderWorker        = metadatapkg.KeyWorker
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategorySchema    = runtimepkg.ErrorCategorySchema
	ErrorCategoryTransport = runtimepkg.ErrorCategoryTransport
	ErrorCategoryPermanent = runtimepkg.ErrorCategoryPermanent
	ErrorCategoryOther     = runtimepkg.ErrorCategoryOther
)

// JSONProcessor converts a typed JSON handler into a ProcessFunc.
func JSONProcessor[T any, O any](handler JSONHandler[T, O], logger ServiceLogger) (ProcessFunc, error) {
	return handlerpkg.JSON(handler, logger)
}

// ProtoProcessor converts a typed protobuf handler into a ProcessFunc.
func ProtoProcessor[T proto.Message](handler ProtoHandler[T], logger ServiceLogger) (ProcessFunc, error) {
	return handlerpkg.Proto(handler, logger)
}

// NewEntryServiceLogger wraps an entry-style logger (for example a
// logrus.Entry) so it can be supplied to NewService.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
