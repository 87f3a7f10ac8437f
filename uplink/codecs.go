package uplink

import (
	"encoding/json"
	"fmt"

	"github.com/cubesync/cubesync/common/types"
)

// KeyCodec (de)serializes chunk keys of one aggregation to and from the
// text form the store keeps.
type KeyCodec interface {
	EncodeKey(types.Key) (string, error)
	DecodeKey(string) (types.Key, error)
}

// KeyCodecs resolves a codec for an aggregation. An aggregation without a
// codec is unknown to the uplink and any chunk referencing it is rejected.
type KeyCodecs interface {
	Codec(types.AggregationID) (KeyCodec, bool)
}

// CodecMap is a KeyCodecs backed by a plain map. It is read-only after
// construction and safe for concurrent use.
type CodecMap map[types.AggregationID]KeyCodec

// Codec implements the KeyCodecs interface.
func (m CodecMap) Codec(aggregation types.AggregationID) (KeyCodec, bool) {
	codec, exists := m[aggregation]
	return codec, exists
}

// MeasuresValidator may reject a chunk whose measures don't match what the
// owning aggregation expects. A nil validator accepts everything.
type MeasuresValidator func(types.AggregationID, []string) error

// JSONKeyCodec stores key tuples as JSON arrays. Numeric key columns decode
// back as float64, which round-trips exactly for integers up to 2^53.
type JSONKeyCodec struct{}

// EncodeKey implements the KeyCodec interface.
func (JSONKeyCodec) EncodeKey(key types.Key) (string, error) {
	buf, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("encode key: %w", err)
	}
	return string(buf), nil
}

// DecodeKey implements the KeyCodec interface.
func (JSONKeyCodec) DecodeKey(text string) (types.Key, error) {
	var key types.Key
	if err := json.Unmarshal([]byte(text), &key); err != nil {
		return nil, fmt.Errorf("decode key %q: %w", text, err)
	}
	return key, nil
}
