package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"corerpc/message"
)

// JSONCodec uses encoding/json for a human-readable wire format, useful for debugging
// with tools like netcat or curl-style probes. Go's encoding/json sorts map keys
// alphabetically, which would violate the Message insertion-order invariant, so
// OrderedMap is marshaled by hand as a JSON object built in key order instead of going
// through json.Marshal(map[string]any).
type JSONCodec struct{}

func (c *JSONCodec) Type() CodecType { return CodecTypeJSON }

type jsonEnvelope struct {
	Head json.RawMessage `json:"head"`
	Data json.RawMessage `json:"data"`
}

func (c *JSONCodec) Encode(m *message.Message) ([]byte, error) {
	head, err := marshalOrderedMap(m.Head)
	if err != nil {
		return nil, err
	}
	data, err := marshalOrderedMap(m.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEnvelope{Head: head, Data: data})
}

func (c *JSONCodec) Decode(raw []byte) (*message.Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("codec: json decode envelope: %w", err)
	}
	head, err := unmarshalOrderedMap(env.Head)
	if err != nil {
		return nil, fmt.Errorf("codec: json decode head: %w", err)
	}
	data, err := unmarshalOrderedMap(env.Data)
	if err != nil {
		return nil, fmt.Errorf("codec: json decode data: %w", err)
	}
	return &message.Message{Head: head, Data: data}, nil
}

func marshalOrderedMap(m *message.OrderedMap) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		v, _ := m.Get(k)
		valJSON, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func unmarshalOrderedMap(raw json.RawMessage) (*message.OrderedMap, error) {
	if len(raw) == 0 {
		return message.NewOrderedMap(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, errors.New("expected JSON object")
	}
	m := message.NewOrderedMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("expected string key")
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		m.Set(key, normalizeJSONNumber(val))
	}
	if _, err := dec.Token(); err != nil { // consume closing '}'
		return nil, err
	}
	return m, nil
}

// normalizeJSONNumber collapses encoding/json's default float64-for-every-number
// behavior back toward the Message value space (int64 when the value has no
// fractional part), so a round trip through JSONCodec doesn't silently turn every
// integer into a float.
func normalizeJSONNumber(v any) any {
	f, ok := v.(float64)
	if !ok {
		if nested, ok := v.(map[string]any); ok {
			om := message.NewOrderedMap()
			for k, val := range nested {
				om.Set(k, normalizeJSONNumber(val))
			}
			return om
		}
		if list, ok := v.([]any); ok {
			out := make([]any, len(list))
			for i, e := range list {
				out[i] = normalizeJSONNumber(e)
			}
			return out
		}
		return v
	}
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}
