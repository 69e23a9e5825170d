package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/streamflow"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = configpkg.DefaultRetryMaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = configpkg.DefaultRetryInitial
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = configpkg.DefaultRetryMax
	}
	return cfg
}

// DefaultMiddlewares returns the standard middleware chain used by NewService.
// The first entry runs outermost.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		FailurePolicyMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// FailurePolicyMiddleware applies the configured FailurePolicy to handler errors.
func FailurePolicyMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "failure_policy",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.failurePolicyMiddleware()
		},
	}
}

// MetricsMiddleware adds Prometheus metrics to the handler and exposes /metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			if err := s.metrics.Register(); err != nil {
				return nil, fmt.Errorf("register subscription metrics: %w", err)
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.registerer,
				"streamflow",
				"router",
			)
			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.metricsHandler())
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// LogMessagesMiddleware logs every delivered event at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// RetryMiddleware retries handler execution using the provided configuration
// (defaults applied to zero values). Unprocessable events are never retried.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.retryMiddlewareWithConfig(normalized), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors so the failure policy applies to them.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

// chainMiddlewares composes middlewares so the first one runs outermost.
func chainMiddlewares(mws ...message.HandlerMiddleware) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

func (s *Service) failurePolicyMiddleware() (message.HandlerMiddleware, error) {
	retry := s.retryMiddlewareWithConfig(RetryMiddlewareConfig{
		MaxRetries:      s.Conf.RetryMaxRetries,
		InitialInterval: s.Conf.RetryInitialInterval,
		MaxInterval:     s.Conf.RetryMaxInterval,
	})

	switch s.Conf.FailurePolicy {
	case configpkg.FailureRetry:
		return chainMiddlewares(s.skipFailures, retry), nil
	case configpkg.FailureDeadLetter:
		poison, err := middleware.PoisonQueueWithFilter(s.deadLetters, s.Conf.DeadLetterPrefix, func(err error) bool {
			return !errors.Is(err, context.Canceled)
		})
		if err != nil {
			return nil, fmt.Errorf("dead-letter middleware: %w", err)
		}
		return chainMiddlewares(poison, retry), nil
	case configpkg.FailureBlock:
		return s.skipUnprocessable, nil
	default:
		return s.skipFailures, nil
	}
}

// skipFailures acknowledges failed events so the subscription moves on. The
// checkpoint is not advanced. Failures caused by shutdown are passed through.
func (s *Service) skipFailures(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		msgs, err := h(msg)
		if err == nil || shuttingDown(msg, err) {
			return msgs, err
		}
		s.logSkipped(msg, err)
		return nil, nil
	}
}

// skipUnprocessable acknowledges only events that can never succeed and lets
// every other failure nack the event.
func (s *Service) skipUnprocessable(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		msgs, err := h(msg)
		if err != nil && errspkg.IsUnprocessable(err) {
			s.logSkipped(msg, err)
			return nil, nil
		}
		return msgs, err
	}
}

func (s *Service) logSkipped(msg *message.Message, err error) {
	name := eventNameOf(msg)
	s.metrics.RecordSkipped(name)
	s.Logger.Error("Handler failed, skipping event", err, loggingpkg.LogFields{
		loggingpkg.FieldEventName: name,
		loggingpkg.FieldSequence:  msg.Metadata.Get(metadatapkg.HeaderSequence),
		loggingpkg.FieldPolicy:    string(s.Conf.FailurePolicy),
	})
}

func shuttingDown(msg *message.Message, err error) bool {
	return errors.Is(err, context.Canceled) && msg.Context().Err() != nil
}

// eventNameOf returns the router handler name, which is the event name, or
// the stream header outside a router.
func eventNameOf(msg *message.Message) string {
	if name := message.HandlerNameFromCtx(msg.Context()); name != "" {
		return name
	}
	return msg.Metadata.Get(metadatapkg.HeaderStream)
}

func (s *Service) retryMiddlewareWithConfig(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:          normalized.MaxRetries,
		InitialInterval:     normalized.InitialInterval,
		MaxInterval:         normalized.MaxInterval,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if errspkg.IsUnprocessable(params.Err) || errors.Is(params.Err, context.Canceled) {
				return false
			}
			if normalized.RetryIf != nil {
				return normalized.RetryIf(params.Err)
			}
			return true
		},
		Logger: loggingpkg.NewWatermillAdapter(s.Logger),
	}.Middleware
}

func (s *Service) metricsHandler() http.Handler {
	if gatherer, ok := s.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing event", loggingpkg.LogFields{
				"message_uuid":            msg.UUID,
				loggingpkg.FieldEventName: eventNameOf(msg),
				loggingpkg.FieldSequence:  msg.Metadata.Get(metadatapkg.HeaderSequence),
				"attempt":                 envelopepkg.AttemptOf(msg),
				"payload":                 string(msg.Payload),
			})
			return h(msg)
		}
	}
}

// tracerMiddleware wraps event handling with a consumer span.
func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		name := eventNameOf(msg)
		ctx, span := otel.Tracer(tracerName).Start(
			msg.Context(),
			"streamflow.handle "+name,
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()
		msg.SetContext(ctx)

		attrs := []attribute.KeyValue{
			attribute.String("message.uuid", msg.UUID),
			attribute.String("streamflow.event_name", name),
			attribute.Int("streamflow.attempt", envelopepkg.AttemptOf(msg)),
		}
		if seq, err := strconv.ParseInt(msg.Metadata.Get(metadatapkg.HeaderSequence), 10, 64); err == nil {
			attrs = append(attrs, attribute.Int64("streamflow.sequence", seq))
		}
		span.SetAttributes(attrs...)

		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}
