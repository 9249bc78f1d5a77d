package logging

import (
	"log/slog"
	"reflect"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields are structured key/value pairs attached to a log line.
type LogFields map[string]any

// ServiceLogger is the logging contract used throughout streamflow. It mirrors
// watermill.LoggerAdapter so that transports and channels share one logger.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// Entry is satisfied by logrus-style entry loggers whose builder methods return
// their own type.
type Entry[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

var slogLevels = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// FromSlog wraps a slog.Logger.
func FromSlog(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("streamflow: slog logger cannot be nil")
	}
	return FromWatermill(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// FromWatermill wraps a Watermill LoggerAdapter.
func FromWatermill(logger watermill.LoggerAdapter) ServiceLogger {
	if isNil(logger) {
		panic("streamflow: watermill logger cannot be nil")
	}
	return wmLogger{inner: logger}
}

// FromEntry wraps an entry-style logger such as *logrus.Entry.
func FromEntry[T Entry[T]](entry T) ServiceLogger {
	if isNil(entry) {
		panic("streamflow: entry logger cannot be nil")
	}
	return entryLogger[T]{entry: entry}
}

// isNil also catches nil pointers stored in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// Nop returns a logger that drops everything.
func Nop() ServiceLogger {
	return FromWatermill(watermill.NopLogger{})
}

// ToWatermill exposes a ServiceLogger as a Watermill LoggerAdapter so it can be
// handed to publishers and subscribers.
func ToWatermill(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("streamflow: service logger cannot be nil")
	}
	if wl, ok := log.(wmLogger); ok {
		return wl.inner
	}
	return adapter{base: log}
}

// RecordFields returns the fields identifying a record in log output.
func RecordFields(topic string, partition int32, offset int64) LogFields {
	return LogFields{"topic": topic, "partition": partition, "offset": offset}
}

type wmLogger struct {
	inner watermill.LoggerAdapter
}

func (w wmLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return wmLogger{inner: w.inner.With(watermill.LogFields(fields))}
}

func (w wmLogger) Debug(msg string, fields LogFields) { w.inner.Debug(msg, wmFields(fields)) }
func (w wmLogger) Info(msg string, fields LogFields)  { w.inner.Info(msg, wmFields(fields)) }
func (w wmLogger) Trace(msg string, fields LogFields) { w.inner.Trace(msg, wmFields(fields)) }

func (w wmLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, wmFields(fields))
}

type entryLogger[T Entry[T]] struct {
	entry T
}

func (e entryLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return entryLogger[T]{entry: withFields(e.entry, fields)}
}

func (e entryLogger[T]) Debug(msg string, fields LogFields) { withFields(e.entry, fields).Debug(msg) }
func (e entryLogger[T]) Info(msg string, fields LogFields)  { withFields(e.entry, fields).Info(msg) }
func (e entryLogger[T]) Trace(msg string, fields LogFields) { withFields(e.entry, fields).Trace(msg) }

func (e entryLogger[T]) Error(msg string, err error, fields LogFields) {
	entry := withFields(e.entry, fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

type adapter struct {
	base ServiceLogger
}

func (a adapter) Error(msg string, err error, fields watermill.LogFields) {
	a.base.Error(msg, err, LogFields(fields))
}
func (a adapter) Info(msg string, fields watermill.LogFields)  { a.base.Info(msg, LogFields(fields)) }
func (a adapter) Debug(msg string, fields watermill.LogFields) { a.base.Debug(msg, LogFields(fields)) }
func (a adapter) Trace(msg string, fields watermill.LogFields) { a.base.Trace(msg, LogFields(fields)) }

func (a adapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return adapter{base: a.base.With(LogFields(fields))}
}

func wmFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func withFields[T Entry[T]](entry T, fields LogFields) T {
	for key, value := range fields {
		entry = entry.WithField(key, value)
	}
	return entry
}
