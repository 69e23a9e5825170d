// Package naming derives stream names from Go message types.
//
// A type resolves to, in order: an explicit override registered on the
// Resolver, the result of its EventName method, or the dotted lower-case
// form of its type name (OrderPlaced becomes order.placed).
package naming

import (
	"reflect"
	"strings"
	"unicode"
)

// Named is implemented by message types that choose their own event name.
// The method is called on the zero value of the type.
type Named interface {
	EventName() string
}

// Convention converts a Go type name into an event name. A new segment starts
// at every upper-case rune past the first position that does not follow
// another upper-case rune, so acronyms stay joined to what follows them
// (HTTPRequestSent becomes httprequest.sent). Generic instantiation suffixes
// are ignored.
func Convention(typeName string) string {
	if i := strings.IndexByte(typeName, '['); i >= 0 {
		typeName = typeName[:i]
	}
	runes := []rune(typeName)

	var b strings.Builder
	b.Grow(len(typeName) + 4)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && !unicode.IsUpper(runes[i-1]) {
			b.WriteByte('.')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOverride maps a message type to a fixed event name. The name is used
// verbatim. Pointer types are registered as their element type.
func WithOverride(t reflect.Type, name string) Option {
	return func(r *Resolver) {
		if t == nil {
			return
		}
		r.overrides[elem(t)] = name
	}
}

// Override is the generic form of WithOverride.
func Override[T any](name string) Option {
	return WithOverride(reflect.TypeFor[T](), name)
}

// Resolver resolves event names. It is immutable once built and safe for
// concurrent use. A nil *Resolver applies only the method and convention rules.
type Resolver struct {
	overrides map[reflect.Type]string
}

// NewResolver builds a Resolver from the given options.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{overrides: make(map[reflect.Type]string)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

var namedType = reflect.TypeFor[Named]()

// Resolve returns the event name for t. It returns "" for nil and interface
// types, which carry no concrete message.
func (r *Resolver) Resolve(t reflect.Type) string {
	if t == nil {
		return ""
	}
	t = elem(t)
	if t.Kind() == reflect.Interface {
		return ""
	}

	if r != nil {
		if name, ok := r.overrides[t]; ok {
			return name
		}
	}

	if name := fromMethod(t); name != "" {
		return name
	}

	return Convention(t.Name())
}

// ResolveValue resolves the dynamic type of v.
func (r *Resolver) ResolveValue(v any) string {
	if v == nil {
		return ""
	}
	return r.Resolve(reflect.TypeOf(v))
}

// Overrides returns a copy of the override table keyed by type string.
func (r *Resolver) Overrides() map[string]string {
	out := make(map[string]string)
	if r == nil {
		return out
	}
	for t, name := range r.overrides {
		out[t.String()] = name
	}
	return out
}

// NameOf resolves the event name of T.
func NameOf[T any](r *Resolver) string {
	return r.Resolve(reflect.TypeFor[T]())
}

func elem(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func fromMethod(t reflect.Type) string {
	switch {
	case t.Implements(namedType):
		return reflect.Zero(t).Interface().(Named).EventName()
	case reflect.PointerTo(t).Implements(namedType):
		return reflect.New(t).Interface().(Named).EventName()
	default:
		return ""
	}
}
