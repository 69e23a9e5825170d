package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	goruntime "runtime"
	"slices"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/streamflow/internal/runtime/handlers"
	namingpkg "github.com/drblury/streamflow/internal/runtime/naming"
)

// HandlerRegistration binds an event name to the handler that processes it.
type HandlerRegistration struct {
	EventName   string
	HandlerType string
	MessageType reflect.Type
	Dispatch    handlerpkg.Dispatch

	handlerKey any
}

// RegisterOption customises a single registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	eventName string
}

// WithEventName subscribes the handler to name instead of the name resolved
// from its message type.
func WithEventName(name string) RegisterOption {
	return func(o *registerOptions) {
		o.eventName = name
	}
}

// RegistryBuilder collects handler registrations. Misconfigurations are
// remembered and reported together by Build.
type RegistryBuilder struct {
	resolver *namingpkg.Resolver
	entries  map[string]HandlerRegistration
	errs     []error
}

// NewRegistryBuilder returns a builder that names events with resolver. A nil
// resolver applies only the method and convention rules.
func NewRegistryBuilder(resolver *namingpkg.Resolver) *RegistryBuilder {
	return &RegistryBuilder{
		resolver: resolver,
		entries:  make(map[string]HandlerRegistration),
	}
}

// Register adds a handler for the event name of T.
func Register[T any](b *RegistryBuilder, handler handlerpkg.Handler[T], opts ...RegisterOption) {
	messageType := reflect.TypeFor[T]()
	if isNilValue(handler) {
		b.fail(fmt.Errorf("%w: message type %s", errspkg.ErrHandlerRequired, messageType))
		return
	}
	b.add(messageType, handlerIdentity(handler), func() (handlerpkg.Dispatch, error) {
		return handlerpkg.BuildDispatch(handler)
	}, opts)
}

// RegisterFunc adds a plain function as the handler for the event name of T.
func RegisterFunc[T any](b *RegistryBuilder, fn func(context.Context, handlerpkg.MessageContext[T]) error, opts ...RegisterOption) {
	if fn == nil {
		b.fail(fmt.Errorf("%w: message type %s", errspkg.ErrHandlerRequired, reflect.TypeFor[T]()))
		return
	}
	Register[T](b, handlerpkg.HandlerFunc[T](fn), opts...)
}

func (b *RegistryBuilder) fail(err error) {
	b.errs = append(b.errs, err)
}

func (b *RegistryBuilder) add(messageType reflect.Type, identity handlerID, build func() (handlerpkg.Dispatch, error), opts []RegisterOption) {
	var o registerOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	name := strings.TrimSpace(o.eventName)
	if name == "" {
		name = b.resolver.Resolve(messageType)
	}
	if name == "" {
		b.fail(fmt.Errorf("%w: message type %s resolves to no name", errspkg.ErrEventNameRequired, messageType))
		return
	}

	if existing, ok := b.entries[name]; ok {
		if existing.handlerKey == identity.key {
			return
		}
		b.fail(fmt.Errorf("%w: %s is handled by %s and %s", errspkg.ErrDuplicateEventName, name, existing.HandlerType, identity.name))
		return
	}

	dispatch, err := build()
	if err != nil {
		b.fail(fmt.Errorf("register %s: %w", name, err))
		return
	}

	b.entries[name] = HandlerRegistration{
		EventName:   name,
		HandlerType: identity.name,
		MessageType: messageType,
		Dispatch:    dispatch,
		handlerKey:  identity.key,
	}
}

// Build validates the collected registrations and freezes them into a Registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if b == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}

	entries := make(map[string]HandlerRegistration, len(b.entries))
	names := make([]string, 0, len(b.entries))
	for name, reg := range b.entries {
		entries[name] = reg
		names = append(names, name)
	}
	slices.Sort(names)

	return &Registry{entries: entries, names: names}, nil
}

// Registry is the immutable set of handlers, keyed by event name. It is safe
// for concurrent use.
type Registry struct {
	entries map[string]HandlerRegistration
	names   []string
}

// Lookup returns the registration for an event name.
func (r *Registry) Lookup(eventName string) (HandlerRegistration, bool) {
	if r == nil {
		return HandlerRegistration{}, false
	}
	reg, ok := r.entries[eventName]
	return reg, ok
}

// Names returns the registered event names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.names)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Registrations returns every registration sorted by event name.
func (r *Registry) Registrations() []HandlerRegistration {
	if r == nil {
		return nil
	}
	out := make([]HandlerRegistration, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.entries[name])
	}
	return out
}

type handlerID struct {
	key  any
	name string
}

// handlerIdentity names a handler for duplicate detection. Functions share a
// type per message type, so they are told apart by their symbol name. Other
// handlers compare by reflect.Type, which tells apart same-named types from
// different packages or scopes.
func handlerIdentity(h any) handlerID {
	v := reflect.ValueOf(h)
	if v.Kind() == reflect.Func {
		if fn := goruntime.FuncForPC(v.Pointer()); fn != nil {
			return handlerID{key: fn.Name(), name: fn.Name()}
		}
	}
	return handlerID{key: v.Type(), name: qualifiedTypeName(v.Type())}
}

func qualifiedTypeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return "*" + qualifiedTypeName(t.Elem())
	}
	if t.PkgPath() != "" && t.Name() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Interface, reflect.Map, reflect.Chan, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

// dispatchFunc is the router-facing form of a handler.
type dispatchFunc func(msg *message.Message) error

func wrapHandlerWithStats(handler dispatchFunc, stats *HandlerStats, classifier ErrorClassifier) dispatchFunc {
	return func(msg *message.Message) error {
		invocation := stats.onMessageStart(msg)
		start := time.Now()
		err := handler(msg)
		duration := time.Since(start)

		stats.onMessageFinish(invocation, duration, err, classifier)

		return err
	}
}
