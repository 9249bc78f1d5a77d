package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrChannelClosed    = sterrors.New("streamflow: channel is closed")
	ErrNoTopicName      = sterrors.New("streamflow: channel has no topic name")
	ErrProducerRequired = sterrors.New("streamflow: producer is required")
	ErrAppRequired      = sterrors.New("streamflow: app context is required")
	ErrTopicRequired    = sterrors.New("streamflow: topic is required")
	ErrCodecNotFound    = sterrors.New("streamflow: codec not found")
	ErrConfigRequired   = sterrors.New("streamflow: configuration is required")
	ErrLoggerRequired   = sterrors.New("streamflow: logger is required")
	ErrTransportClosed  = sterrors.New("streamflow: transport is closed")
	ErrFutureRequired   = sterrors.New("streamflow: future message is required")
)

// ConfigValidationError wraps the aggregated errors returned by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("streamflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// DeclareError reports a failed attempt to create the backing resource of a
// channel. Every caller waiting on the same declare cycle receives the same
// instance.
type DeclareError struct {
	Topic string
	Err   error
}

func (e *DeclareError) Error() string {
	return fmt.Sprintf("streamflow: declare topic %q: %v", e.Topic, e.Err)
}

func (e *DeclareError) Unwrap() error { return e.Err }

// DecodeError reports a record that could not be turned into an Event.
type DecodeError struct {
	Topic     string
	Partition int32
	Offset    int64
	// Field is either "key" or "value".
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("streamflow: decode %s of %s[%d]@%d: %v", e.Field, e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PublishError is attached to a FutureMessage when the transport rejects a send.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("streamflow: publish to %q: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SerializationError reports a type/serializer mismatch while preparing a key
// or value for the transport.
type SerializationError struct {
	Field      string
	Serializer string
	Type       string
	Err        error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("streamflow: serialize %s (%s) with %q: %v", e.Field, e.Type, e.Serializer, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
