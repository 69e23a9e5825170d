package logging

import "reflect"

// EntryLoggerAdapter is satisfied by entry-style loggers such as *logrus.Entry.
// The type parameter lets loggers whose builder methods return their own
// concrete type be used without wrappers.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// NewEntryServiceLogger wraps an entry-style logger.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if isNil(entry) {
		panic("streamflow: entry logger cannot be nil")
	}
	return entryLogger[T]{entry: entry}
}

type entryLevel int

const (
	entryTrace entryLevel = iota
	entryDebug
	entryInfo
	entryError
)

type entryLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (e entryLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return entryLogger[T]{entry: withEntryFields(e.entry, fields)}
}

func (e entryLogger[T]) Debug(msg string, fields LogFields) { e.log(entryDebug, msg, nil, fields) }
func (e entryLogger[T]) Info(msg string, fields LogFields)  { e.log(entryInfo, msg, nil, fields) }
func (e entryLogger[T]) Trace(msg string, fields LogFields) { e.log(entryTrace, msg, nil, fields) }

func (e entryLogger[T]) Error(msg string, err error, fields LogFields) {
	e.log(entryError, msg, err, fields)
}

func (e entryLogger[T]) log(level entryLevel, msg string, err error, fields LogFields) {
	entry := withEntryFields(e.entry, fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	switch level {
	case entryTrace:
		entry.Trace(msg)
	case entryDebug:
		entry.Debug(msg)
	case entryInfo:
		entry.Info(msg)
	default:
		entry.Error(msg)
	}
}

func withEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	for key, value := range fields {
		entry = entry.WithField(key, value)
	}
	return entry
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
