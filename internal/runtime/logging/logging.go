// Package logging holds the logger abstraction shared by every streamflow
// component, with adapters for slog, Watermill and logrus-style entry loggers.
package logging

import (
	"io"
	"log/slog"
	"maps"
	"reflect"

	"github.com/ThreeDotsLabs/watermill"
)

// Field names used across components.
const (
	FieldEventName = "event_name"
	FieldSequence  = "sequence"
	FieldStream    = "stream"
	FieldState     = "state"
	FieldStore     = "store"
	FieldHandler   = "handler"
	FieldPolicy    = "failure_policy"
)

// LogFields represents structured logging key/value pairs used by streamflow.
type LogFields map[string]any

// EventFields names one event in a stream.
func EventFields(eventName string, sequence uint64) LogFields {
	return LogFields{FieldEventName: eventName, FieldSequence: sequence}
}

// Merge returns a copy of f extended with other. Keys in other win.
func (f LogFields) Merge(other LogFields) LogFields {
	if len(other) == 0 {
		return f
	}
	out := make(LogFields, len(f)+len(other))
	maps.Copy(out, f)
	maps.Copy(out, other)
	return out
}

// ServiceLogger is the logging contract of the Host Loop, the subscriptions
// and the storage engines. It maps directly onto Watermill's logging needs so
// applications can adapt their existing loggers without depending on slog.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// ForEvent returns a child logger carrying the event name and sequence. Typed
// handlers receive it through their message context.
func ForEvent(log ServiceLogger, eventName string, sequence uint64) ServiceLogger {
	return log.With(EventFields(eventName, sequence))
}

var slogLevels = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger wraps a slog.Logger. Trace messages are logged one
// level below debug.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("streamflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("streamflow: watermill logger cannot be nil")
	}
	return watermillLogger{inner: logger}
}

// NewDiscardServiceLogger returns a logger that drops everything.
func NewDiscardServiceLogger() ServiceLogger {
	return NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type watermillLogger struct {
	inner watermill.LoggerAdapter
}

func (w watermillLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return watermillLogger{inner: w.inner.With(watermill.LogFields(fields))}
}

func (w watermillLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermill(fields))
}

func (w watermillLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermill(fields))
}

func (w watermillLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermill(fields))
}

func (w watermillLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermill(fields))
}

// NewWatermillAdapter converts a ServiceLogger into the LoggerAdapter handed
// to the Watermill router and to the storage engines.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("streamflow: ServiceLogger cannot be nil")
	}
	if w, ok := log.(watermillLogger); ok {
		return w.inner
	}
	return routerLogger{base: log}
}

type routerLogger struct {
	base ServiceLogger
}

func (r routerLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.base.Error(msg, err, fromWatermill(fields))
}

func (r routerLogger) Info(msg string, fields watermill.LogFields) {
	r.base.Info(msg, fromWatermill(fields))
}

func (r routerLogger) Debug(msg string, fields watermill.LogFields) {
	r.base.Debug(msg, fromWatermill(fields))
}

func (r routerLogger) Trace(msg string, fields watermill.LogFields) {
	r.base.Trace(msg, fromWatermill(fields))
}

func (r routerLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return routerLogger{base: r.base.With(fromWatermill(fields))}
}

func toWatermill(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermill(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
