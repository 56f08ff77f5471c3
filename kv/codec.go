package kv

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts typed values to and from the opaque bytes the store
// holds. Callers pick one codec per keyspace and keep it stable.
type Codec interface {
	// Name identifies the encoding ("json" or "binary").
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec encodes values as JSON. Human-inspectable; the default.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Encode implements Codec.
func (JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return nil
}

// BinaryCodec encodes values as msgpack. Compact; preferred for
// high-churn keyspaces like the work queue.
type BinaryCodec struct{}

// Name implements Codec.
func (BinaryCodec) Name() string { return "binary" }

// Encode implements Codec.
func (BinaryCodec) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return data, nil
}

// Decode implements Codec.
func (BinaryCodec) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return nil
}

// CodecByName resolves a codec from its configured name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "binary", "msgpack":
		return BinaryCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}

// Compile-time interface checks.
var (
	_ Codec = JSONCodec{}
	_ Codec = BinaryCodec{}
)
