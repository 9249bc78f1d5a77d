// Package codecs turns Go values into record payloads and back. Codecs are
// looked up by name and can be chained with "|", for example "json|binary"
// encodes with json first and then base64 encodes the result.
package codecs

import (
	"encoding"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
)

// ErrUnsupportedType is returned when a codec cannot handle the given value or
// decode target.
var ErrUnsupportedType = errors.New("unsupported type")

// Codec converts values to bytes and back. Unmarshal receives a non-nil
// pointer to the destination.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps codec names to implementations.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry preloaded with raw, binary, json, proto,
// protojson and yaml.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register("raw", Raw{})
	r.Register("binary", Binary{})
	r.Register("json", JSON{})
	r.Register("proto", Proto{})
	r.Register("protojson", ProtoJSON{})
	r.Register("yaml", YAML{})
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds or replaces a codec. Names may not contain "|".
func (r *Registry) Register(name string, c Codec) {
	if name == "" || strings.Contains(name, "|") {
		panic(fmt.Sprintf("streamflow: invalid codec name %q", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = c
}

// Get resolves name, building a chain when it contains "|".
func (r *Registry) Get(name string) (Codec, error) {
	parts := strings.Split(name, "|")
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := make(Chain, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		c, ok := r.codecs[part]
		if !ok {
			return nil, fmt.Errorf("%w: %q", sferrors.ErrCodecNotFound, part)
		}
		chain = append(chain, c)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

// Names lists registered codec names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Marshal(name string, v any) ([]byte, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return c.Marshal(v)
}

func (r *Registry) Unmarshal(name string, data []byte, v any) error {
	c, err := r.Get(name)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, v)
}

// Chain applies codecs left to right on Marshal and right to left on
// Unmarshal. Every codec after the first works on the bytes produced by its
// predecessor.
type Chain []Codec

func (c Chain) Marshal(v any) ([]byte, error) {
	if len(c) == 0 {
		return nil, errors.New("empty codec chain")
	}
	out, err := c[0].Marshal(v)
	if err != nil {
		return nil, err
	}
	for _, next := range c[1:] {
		if out, err = next.Marshal(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c Chain) Unmarshal(data []byte, v any) error {
	if len(c) == 0 {
		return errors.New("empty codec chain")
	}
	for i := len(c) - 1; i > 0; i-- {
		var inner []byte
		if err := c[i].Unmarshal(data, &inner); err != nil {
			return err
		}
		data = inner
	}
	return c[0].Unmarshal(data, v)
}

// toBytes accepts the value shapes that byte oriented codecs understand.
func toBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// assignBytes stores data into one of the destinations byte oriented codecs
// understand.
func assignBytes(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = data
	case *string:
		*t = string(data)
	case *any:
		*t = data
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}
