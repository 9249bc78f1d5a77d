package codecs

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"gopkg.in/yaml.v3"

	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
)

// Raw passes bytes through unchanged.
type Raw struct{}

func (Raw) Marshal(v any) ([]byte, error)      { return toBytes(v) }
func (Raw) Unmarshal(data []byte, v any) error { return assignBytes(data, v) }

// Binary base64 encodes bytes.
type Binary struct{}

func (Binary) Marshal(v any) ([]byte, error) {
	b, err := toBytes(v)
	if err != nil || b == nil {
		return b, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out, nil
}

func (Binary) Unmarshal(data []byte, v any) error {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return err
	}
	return assignBytes(out[:n], v)
}

// JSON uses sonic in encoding/json compatible mode.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return jsoncodec.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return jsoncodec.Unmarshal(data, v) }

// Proto uses the protobuf wire format. Values must be proto.Message.
type Proto struct{}

func (Proto) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return proto.Marshal(m)
}

func (Proto) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return proto.Unmarshal(data, m)
}

// ProtoJSON uses the canonical protobuf JSON mapping.
type ProtoJSON struct{}

func (ProtoJSON) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return protojson.Marshal(m)
}

func (ProtoJSON) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T is not a proto.Message", ErrUnsupportedType, v)
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, m)
}

type YAML struct{}

func (YAML) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (YAML) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }
