// Package serializer encodes cache payloads behind a one-byte codec
// envelope so the codec used at write time is recoverable at read time.
package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/meshcache/meshcache/internal/types"
)

// Codec identifiers. The first payload byte names the codec that produced
// the rest; the ids are part of the stored format and must not be reused.
const (
	CodecRaw     byte = 0x00
	CodecJSON    byte = 0x01
	CodecMsgpack byte = 0x02
)

// Registry maps codec ids to serializers and picks the best codec per value.
type Registry struct {
	codecs map[byte]types.Serializer
}

// NewRegistry returns a registry with the raw, JSON and msgpack codecs
// installed.
func NewRegistry() *Registry {
	return &Registry{
		codecs: map[byte]types.Serializer{
			CodecJSON:    jsonSerializer{},
			CodecMsgpack: msgpackSerializer{},
		},
	}
}

// Encode serializes v and prepends the codec id. Byte slices and strings
// pass through raw; everything else goes through msgpack.
func (r *Registry) Encode(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return append([]byte{CodecRaw}, val...), nil
	case string:
		return append([]byte{CodecRaw}, val...), nil
	}

	id := CodecMsgpack
	s, ok := r.codecs[id]
	if !ok {
		id = CodecJSON
		s = r.codecs[id]
	}

	data, err := s.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerializationFailed, err)
	}
	return append([]byte{id}, data...), nil
}

// Decode recovers v from an envelope produced by Encode. Payloads whose
// first byte is not a known codec id are read as raw bytes: counters
// written by atomic increments are stored as bare ASCII decimals.
func (r *Registry) Decode(data []byte, dest any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", types.ErrSerializationFailed)
	}

	id, payload := data[0], data[1:]

	if id != CodecRaw {
		if s, ok := r.codecs[id]; ok {
			if err := s.Unmarshal(payload, dest); err != nil {
				return fmt.Errorf("%w: %v", types.ErrSerializationFailed, err)
			}
			return nil
		}
		payload = data
	}

	switch d := dest.(type) {
	case *[]byte:
		*d = append([]byte(nil), payload...)
		return nil
	case *string:
		*d = string(payload)
		return nil
	default:
		return fmt.Errorf("%w: raw payload needs *[]byte or *string destination", types.ErrSerializationFailed)
	}
}

// EncodeEntry serializes an Entry record for on-disk storage.
func (r *Registry) EncodeEntry(e *types.Entry) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerializationFailed, err)
	}
	return data, nil
}

// DecodeEntry deserializes an Entry produced by EncodeEntry. Truncated or
// corrupt payloads report ErrSerializationFailed so readers can treat the
// entry as a miss.
func (r *Registry) DecodeEntry(data []byte) (*types.Entry, error) {
	var e types.Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerializationFailed, err)
	}
	return &e, nil
}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonSerializer) Unmarshal(data []byte, dest any) error {
	return json.Unmarshal(data, dest)
}

type msgpackSerializer struct{}

func (msgpackSerializer) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackSerializer) Unmarshal(data []byte, dest any) error {
	return msgpack.Unmarshal(data, dest)
}

var (
	_ types.Serializer = jsonSerializer{}
	_ types.Serializer = msgpackSerializer{}
)
