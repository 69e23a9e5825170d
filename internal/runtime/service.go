package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	namingpkg "github.com/drblury/streamflow/internal/runtime/naming"
	"github.com/drblury/streamflow/store"
)

var errServiceClosed = errors.New("streamflow: service is closed")

// ConnectionEventType names a Host Loop lifecycle event.
type ConnectionEventType string

const (
	EventConnected           ConnectionEventType = "connected"
	EventDisconnected        ConnectionEventType = "disconnected"
	EventMessageReceived     ConnectionEventType = "message_received"
	EventSubscriptionDropped ConnectionEventType = "subscription_dropped"
)

// ConnectionEvent is published on the Service.Events channel.
type ConnectionEvent struct {
	Type      ConnectionEventType
	EventName string
	Sequence  uint64
	Err       error
	At        time.Time
}

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Engine is used instead of opening one from the configured backend.
	// The caller keeps ownership and closes it.
	Engine *store.Engine
	// Stores resolves Conf.StoreBackend. Defaults to store.DefaultRegistry.
	Stores *store.Registry
	// Resolver names published messages. Defaults to the naming convention.
	Resolver *namingpkg.Resolver

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	ErrorClassifier           ErrorClassifier
	// MetricsRegisterer receives every collector. Defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
}

// Service wires the handler registry, the storage engine and a Watermill
// router into the Host Loop.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	registry *Registry
	resolver *namingpkg.Resolver
	stores   *store.Registry
	injected *store.Engine
	wmLogger watermill.LoggerAdapter

	router      *message.Router
	registerer  prometheus.Registerer
	metrics     *Metrics
	deadLetters *deadLetterPublisher

	mu         sync.Mutex
	engine     store.Engine
	connected  bool
	started    bool
	closed     bool
	publisher  *Publisher
	manager    *SubscriptionManager
	dispatcher *Dispatcher
	ended      map[string]error

	handlers     []*HandlerInfo
	handlerStats map[string]*HandlerStats
	handlersMu   sync.RWMutex

	eventsMu     sync.RWMutex
	events       chan ConnectionEvent
	eventsClosed bool

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	closeOnce       sync.Once
	closeErr        error
}

// NewService validates conf and constructs a Service for the handlers in
// registry. Configuration errors are returned here rather than from Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, registry *Registry, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}

	c := *conf
	c.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	stores := deps.Stores
	if stores == nil {
		stores = store.DefaultRegistry
	}
	if deps.Engine == nil && !stores.Has(c.StoreBackend) {
		return nil, fmt.Errorf("invalid configuration: unknown store backend %q (registered: %v)", c.StoreBackend, stores.Names())
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = namingpkg.NewResolver()
	}
	registerer := deps.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	log.Info("Creating event service", loggingpkg.LogFields{
		loggingpkg.FieldStore: c.StoreBackend,
		"handlers":            registry.Len(),
		"config":              c.String(),
	})

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	s := &Service{
		Conf:            &c,
		Logger:          log,
		registry:        registry,
		resolver:        resolver,
		stores:          stores,
		injected:        deps.Engine,
		wmLogger:        wmLogger,
		registerer:      registerer,
		metrics:         NewMetrics(registerer),
		ended:           make(map[string]error),
		handlerStats:    make(map[string]*HandlerStats),
		events:          make(chan ConnectionEvent, c.EventBufferSize),
		errorClassifier: deps.ErrorClassifier,
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	s.deadLetters = &deadLetterPublisher{stores: s.currentStore, logger: log, metrics: s.metrics}

	for _, reg := range registry.Registrations() {
		stats := newHandlerStats()
		s.handlerStats[reg.EventName] = stats
		s.handlers = append(s.handlers, &HandlerInfo{
			EventName:   reg.EventName,
			HandlerType: reg.HandlerType,
			MessageType: reg.MessageType.String(),
			Stats:       stats,
		})
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: c.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Connect opens the storage engine and prepares publishing. Start calls it;
// calling it first allows sending before the Host Loop runs. It is a no-op
// once connected.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errServiceClosed
	}
	if s.connected {
		return nil
	}

	engine, err := s.openEngine(ctx)
	if err != nil {
		return err
	}

	publisher, err := NewPublisher(engine.Store, s.resolver, s.Conf.ClientName, s.Logger)
	if err != nil {
		return s.abortConnect(engine, err)
	}

	manager, err := NewSubscriptionManager(engine.Store, engine.Checkpoints, SubscriptionManagerConfig{
		Resubscribe: ResubscribePolicy{
			Enabled:         s.Conf.ResubscribeEnabled,
			InitialInterval: s.Conf.ResubscribeInitialInterval,
			MaxInterval:     s.Conf.ResubscribeMaxInterval,
			MaxAttempts:     s.Conf.ResubscribeMaxAttempts,
		},
		Redelivery: RedeliveryPolicy{
			InitialInterval: s.Conf.RetryInitialInterval,
			MaxInterval:     s.Conf.RetryMaxInterval,
		},
		Metrics:       s.metrics,
		OnStateChange: s.onStateChange,
		OnTerminated:  s.onTerminated,
	}, s.Logger)
	if err != nil {
		return s.abortConnect(engine, err)
	}

	dispatcher, err := NewDispatcher(s.registry, engine.Checkpoints, s.Logger, s.metrics)
	if err != nil {
		return s.abortConnect(engine, err)
	}
	dispatcher.onCheckpoint = manager.RecordCheckpoint

	s.engine = engine
	s.publisher = publisher
	s.manager = manager
	s.dispatcher = dispatcher
	s.connected = true

	s.Logger.Info("Connected to event store", loggingpkg.LogFields{loggingpkg.FieldStore: s.Conf.StoreBackend})
	s.emit(ConnectionEvent{Type: EventConnected})
	return nil
}

func (s *Service) openEngine(ctx context.Context) (store.Engine, error) {
	if s.injected != nil {
		if s.injected.Store == nil {
			return store.Engine{}, errspkg.ErrStoreRequired
		}
		if s.injected.Checkpoints == nil {
			return store.Engine{}, errspkg.ErrCheckpointStoreRequired
		}
		return *s.injected, nil
	}
	engine, err := s.stores.Build(ctx, s.Conf, s.wmLogger)
	if err != nil {
		return store.Engine{}, fmt.Errorf("connect: %w", err)
	}
	return engine, nil
}

func (s *Service) abortConnect(engine store.Engine, err error) error {
	if s.injected == nil {
		if closeErr := engine.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}

// Start runs the Host Loop: connect, subscribe every registered event name,
// and dispatch until ctx is cancelled, a termination signal arrives or Close
// is called. Start closes the Service before returning. It returns an error
// when connecting failed or every subscription ended on its own.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrServiceStarted
	}
	if s.closed {
		s.mu.Unlock()
		return errServiceClosed
	}
	s.started = true
	s.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		_ = s.Close()
		return err
	}

	for _, name := range s.registry.Names() {
		s.router.AddConsumerHandler(name, name, s.manager, s.consumerHandler(name))
	}

	s.StartWebUIServer()
	if err := s.startHTTPServers(); err != nil {
		_ = s.Close()
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.router.Close()
	})
	defer stop()

	runErr := s.router.Run(ctx)
	cancelled := ctx.Err() != nil
	closeErr := s.Close()

	if runErr != nil {
		return errors.Join(runErr, closeErr)
	}
	if !cancelled {
		if err := s.allSubscriptionsEnded(); err != nil {
			return errors.Join(err, closeErr)
		}
	}
	return closeErr
}

func (s *Service) consumerHandler(eventName string) message.NoPublishHandlerFunc {
	dispatch := wrapHandlerWithStats(s.dispatcher.Handle, s.handlerStats[eventName], s.errorClassifier)
	return func(msg *message.Message) error {
		position, _ := envelopepkg.PositionOf(msg)
		s.metrics.RecordReceived(eventName)
		s.emit(ConnectionEvent{Type: EventMessageReceived, EventName: eventName, Sequence: position.Sequence})
		return dispatch(msg)
	}
}

func (s *Service) onStateChange(change StateChange) {
	if change.To == StateDropped {
		s.emit(ConnectionEvent{Type: EventSubscriptionDropped, EventName: change.EventName, Err: change.Err})
	}
}

func (s *Service) onTerminated(eventName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended[eventName] = err
}

func (s *Service) allSubscriptionsEnded() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ended) == 0 || len(s.ended) < s.registry.Len() {
		return nil
	}
	errs := make([]error, 0, len(s.ended))
	for _, name := range s.registry.Names() {
		errs = append(errs, fmt.Errorf("%s: %w", name, s.ended[name]))
	}
	return fmt.Errorf("all subscriptions ended: %w", errors.Join(errs...))
}

// Close stops the router, every subscription and the HTTP servers, then
// closes the engine unless it was injected. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		manager := s.manager
		connected := s.connected
		engine := s.engine
		s.mu.Unlock()

		var errs []error
		if err := s.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close router: %w", err))
		}
		if manager != nil {
			errs = append(errs, manager.Close())
		}
		errs = append(errs, s.stopHTTPServers())
		if connected && s.injected == nil {
			if err := engine.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}

		if connected {
			s.Logger.Info("Disconnected from event store", loggingpkg.LogFields{loggingpkg.FieldStore: s.Conf.StoreBackend})
			s.emit(ConnectionEvent{Type: EventDisconnected})
		}
		s.closeEvents()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Events returns the connection events channel. Events are dropped while it
// is full. It is closed by Close.
func (s *Service) Events() <-chan ConnectionEvent {
	return s.events
}

func (s *Service) emit(ev ConnectionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Service) closeEvents() {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
}

func (s *Service) currentStore() (store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errServiceClosed
	}
	if !s.connected {
		return nil, errspkg.ErrNotConnected
	}
	return s.engine.Store, nil
}

func (s *Service) currentPublisher() (*Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errServiceClosed
	}
	if !s.connected {
		return nil, errspkg.ErrNotConnected
	}
	return s.publisher, nil
}

// Send appends msg to the stream named after its type.
func (s *Service) Send(ctx context.Context, msg any) error {
	p, err := s.currentPublisher()
	if err != nil {
		return err
	}
	return p.Send(ctx, msg)
}

// SendWithResult is Send that also reports the assigned sequence.
func (s *Service) SendWithResult(ctx context.Context, msg any) (SendResult, error) {
	p, err := s.currentPublisher()
	if err != nil {
		return SendResult{}, err
	}
	return p.SendWithResult(ctx, msg)
}

// PublishRaw appends an already encoded event to eventName.
func (s *Service) PublishRaw(ctx context.Context, eventName string, payload, rawMetadata []byte) (uint64, error) {
	p, err := s.currentPublisher()
	if err != nil {
		return 0, err
	}
	return p.PublishRaw(ctx, eventName, payload, rawMetadata)
}

// Subscriptions returns a snapshot of the active subscriptions.
func (s *Service) Subscriptions() []SubscriptionInfo {
	s.mu.Lock()
	manager := s.manager
	s.mu.Unlock()
	if manager == nil {
		return []SubscriptionInfo{}
	}
	return manager.Subscriptions()
}

// Subscription returns the snapshot of one active subscription.
func (s *Service) Subscription(eventName string) (SubscriptionInfo, bool) {
	s.mu.Lock()
	manager := s.manager
	s.mu.Unlock()
	if manager == nil {
		return SubscriptionInfo{}, false
	}
	return manager.Subscription(eventName)
}

// StateChanges returns the subscription state transitions, or nil before Connect.
func (s *Service) StateChanges() <-chan StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manager == nil {
		return nil
	}
	return s.manager.StateChanges()
}

// Handlers describes every registered handler with its statistics.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]*HandlerInfo, len(s.handlers))
	copy(out, s.handlers)
	return out
}

// Metrics returns the subscription metrics of the Service.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// RegisterHTTPHandler mounts handler on the HTTP server listening on port.
// Servers are started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.running = append(s.running, server)

		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return nil
}

func (s *Service) stopHTTPServers() error {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.Conf.CloseTimeout)
	defer cancel()

	var errs []error
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
