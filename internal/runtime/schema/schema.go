// Package schema describes the Go type expected for record keys and values.
package schema

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/streamflow/internal/runtime/codecs"
)

var protoMessageType = reflect.TypeFor[proto.Message]()

// Type describes the key or value type of a channel. The zero value accepts
// anything.
type Type struct {
	rt         reflect.Type
	serializer string
}

// Option customises a Type.
type Option func(*Type)

// WithSerializer sets the serializer preferred for this type.
func WithSerializer(name string) Option {
	return func(t *Type) { t.serializer = name }
}

// Of describes T. Protobuf message types prefer the "proto" serializer.
func Of[T any](opts ...Option) Type {
	t := Type{rt: reflect.TypeFor[T]()}
	if t.rt.Implements(protoMessageType) {
		t.serializer = "proto"
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// Any accepts values of every type. Decoded values are whatever the codec
// produces for an untyped destination.
func Any(opts ...Option) Type {
	var t Type
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

func (t Type) IsAny() bool { return t.rt == nil }

// Serializer returns the preferred serializer or "".
func (t Type) Serializer() string { return t.serializer }

func (t Type) String() string {
	if t.rt == nil {
		return "any"
	}
	return t.rt.String()
}

// Check reports whether v may be sent as this type. nil is always accepted.
func (t Type) Check(v any) error {
	if v == nil || t.rt == nil {
		return nil
	}
	vt := reflect.TypeOf(v)
	if vt.AssignableTo(t.rt) {
		return nil
	}
	return fmt.Errorf("expected %s, got %s", t.rt, vt)
}

// Encode checks v and serializes it with the named codec.
func (t Type) Encode(reg *codecs.Registry, serializer string, v any) ([]byte, error) {
	if err := t.Check(v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return reg.Marshal(serializer, v)
}

// Decode deserializes data into a new value of this type. A nil payload
// decodes to nil.
func (t Type) Decode(reg *codecs.Registry, serializer string, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	target, value := t.alloc()
	if err := reg.Unmarshal(serializer, data, target); err != nil {
		return nil, err
	}
	return value(), nil
}

// alloc returns a pointer for the codec to fill and a function returning the
// decoded value in the shape callers asked for. Pointer types are allocated
// directly so that *pb.Msg decodes into a *pb.Msg.
func (t Type) alloc() (any, func() any) {
	if t.rt == nil {
		var v any
		return &v, func() any { return v }
	}
	if t.rt.Kind() == reflect.Pointer {
		p := reflect.New(t.rt.Elem())
		return p.Interface(), p.Interface
	}
	p := reflect.New(t.rt)
	return p.Interface(), func() any { return p.Elem().Interface() }
}
