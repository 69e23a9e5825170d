package streamflow

import (
	"context"

	runtimepkg "github.com/drblury/streamflow/internal/runtime"
	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/streamflow/internal/runtime/handlers"
	idspkg "github.com/drblury/streamflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/streamflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	namingpkg "github.com/drblury/streamflow/internal/runtime/naming"
	"github.com/drblury/streamflow/store"

	// The memory engine backs the default configuration.
	_ "github.com/drblury/streamflow/store/memory"
)

type (
	Config              = configpkg.Config
	FailurePolicy       = configpkg.FailurePolicy
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	ConnectionEvent     = runtimepkg.ConnectionEvent
	ConnectionEventType = runtimepkg.ConnectionEventType

	Registry            = runtimepkg.Registry
	RegistryBuilder     = runtimepkg.RegistryBuilder
	HandlerRegistration = runtimepkg.HandlerRegistration
	RegisterOption      = runtimepkg.RegisterOption

	Handler[T any]        = handlerpkg.Handler[T]
	HandlerFunc[T any]    = handlerpkg.HandlerFunc[T]
	MessageContext[T any] = handlerpkg.MessageContext[T]

	Resolver     = namingpkg.Resolver
	NamingOption = namingpkg.Option
	Named        = namingpkg.Named

	Publisher  = runtimepkg.Publisher
	SendResult = runtimepkg.SendResult

	SubscriptionState   = runtimepkg.SubscriptionState
	SubscriptionInfo    = runtimepkg.SubscriptionInfo
	StateChange         = runtimepkg.StateChange
	ResubscribePolicy   = runtimepkg.ResubscribePolicy
	SubscriptionMetrics = runtimepkg.Metrics
	StreamMetrics       = runtimepkg.StreamMetrics
	MetricsSnapshot     = runtimepkg.MetricsSnapshot

	Store           = store.Store
	Subscription    = store.Subscription
	CheckpointStore = store.CheckpointStore
	RecordedEvent   = store.RecordedEvent
	Engine          = store.Engine
	StoreRegistry   = store.Registry
	Capabilities    = store.Capabilities

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata
	Headers  = metadatapkg.Headers

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	UnprocessableEventError = errspkg.UnprocessableEventError
	ConfigValidationError   = errspkg.ConfigValidationError

	HandlerInfo  = runtimepkg.HandlerInfo
	HandlerStats = runtimepkg.HandlerStats

	EventContext = runtimepkg.EventContext
	EventHooks   = runtimepkg.EventHooks

	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
)

var (
	NewService         = runtimepkg.NewService
	NewRegistryBuilder = runtimepkg.NewRegistryBuilder
	WithEventName      = runtimepkg.WithEventName
	ConfigFromEnv      = configpkg.FromEnv

	NewResolver      = namingpkg.NewResolver
	WithOverride     = namingpkg.WithOverride
	NameConvention   = namingpkg.Convention
	NewPublisher     = runtimepkg.NewPublisher
	NewStoreRegistry = store.NewRegistry
	DefaultStores    = store.DefaultRegistry

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	FailurePolicyMiddleware = runtimepkg.FailurePolicyMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	EventHooksMiddleware = runtimepkg.EventHooksMiddleware
	LoggingHooks         = runtimepkg.LoggingHooks
	MetricsHooks         = runtimepkg.MetricsHooks
	AlertingHooks        = runtimepkg.AlertingHooks

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired         = errspkg.ErrServiceRequired
	ErrHandlerRequired         = errspkg.ErrHandlerRequired
	ErrEventNameRequired       = errspkg.ErrEventNameRequired
	ErrDuplicateEventName      = errspkg.ErrDuplicateEventName
	ErrUnknownEvent            = errspkg.ErrUnknownEvent
	ErrCorruptEnvelope         = errspkg.ErrCorruptEnvelope
	ErrSubscriptionActive      = errspkg.ErrSubscriptionActive
	ErrSubscriptionDropped     = errspkg.ErrSubscriptionDropped
	ErrStoreClosed             = errspkg.ErrStoreClosed
	ErrStoreRequired           = errspkg.ErrStoreRequired
	ErrCheckpointStoreRequired = errspkg.ErrCheckpointStoreRequired
	ErrRegistryRequired        = errspkg.ErrRegistryRequired
	ErrServiceStarted          = errspkg.ErrServiceStarted
	ErrNotConnected            = errspkg.ErrNotConnected
	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrLoggerRequired          = errspkg.ErrLoggerRequired
	IsUnprocessable            = errspkg.IsUnprocessable

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewDiscardServiceLogger   = loggingpkg.NewDiscardServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	EventTime  = idspkg.EventTime
)

// Subscription states.
const (
	StateInitializing = runtimepkg.StateInitializing
	StateCatchingUp   = runtimepkg.StateCatchingUp
	StateLive         = runtimepkg.StateLive
	StateDropped      = runtimepkg.StateDropped
)

// Connection event types.
const (
	EventConnected           = runtimepkg.EventConnected
	EventDisconnected        = runtimepkg.EventDisconnected
	EventMessageReceived     = runtimepkg.EventMessageReceived
	EventSubscriptionDropped = runtimepkg.EventSubscriptionDropped
)

// Failure policies.
const (
	FailureSkip       = configpkg.FailureSkip
	FailureRetry      = configpkg.FailureRetry
	FailureDeadLetter = configpkg.FailureDeadLetter
	FailureBlock      = configpkg.FailureBlock
)

// Header keys carried by every delivered event.
const (
	HeaderStream   = metadatapkg.HeaderStream
	HeaderSequence = metadatapkg.HeaderSequence
	HeaderMetadata = metadatapkg.HeaderMetadata
	HeaderRecorded = metadatapkg.HeaderRecorded
	HeaderAttempt  = metadatapkg.HeaderAttempt
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryStore      = runtimepkg.ErrorCategoryStore
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// Register adds handler for the event name of T to b.
func Register[T any](b *RegistryBuilder, handler Handler[T], opts ...RegisterOption) {
	runtimepkg.Register(b, handler, opts...)
}

// RegisterFunc adds a function handler for the event name of T to b.
func RegisterFunc[T any](b *RegistryBuilder, fn func(context.Context, MessageContext[T]) error, opts ...RegisterOption) {
	runtimepkg.RegisterFunc(b, fn, opts...)
}

// Override maps T to a fixed event name.
func Override[T any](name string) NamingOption {
	return namingpkg.Override[T](name)
}

// NameOf resolves the event name of T with r.
func NameOf[T any](r *Resolver) string {
	return namingpkg.NameOf[T](r)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
