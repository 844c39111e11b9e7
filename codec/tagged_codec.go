package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"corerpc/message"
)

// Value tags. Every value written to the wire is preceded by exactly one of these
// bytes; the decoder switches on it and never does anything else with the bytes that
// follow. There is deliberately no "object" tag and no class-name field anywhere in
// this format, which makes it an allow-list by construction (see codec.go doc).
const (
	tagNull    byte = 0
	tagString  byte = 1
	tagInt32   byte = 2
	tagInt64   byte = 3
	tagFloat64 byte = 4
	tagBool    byte = 5
	tagBytes   byte = 6
	tagMap     byte = 7
	tagList    byte = 8
)

// TaggedCodec implements Codec with the format described in codec.go.
//
// Message wire layout:
//
//	┌────────────┬────────────┐
//	│ Head (map) │ Data (map) │
//	└────────────┴────────────┘
//
// Map wire layout: 4-byte entry count, then for each entry a 2-byte key-length prefix
// + key bytes, followed by one tagged value.
//
// List wire layout: 4-byte element count, then that many tagged values.
type TaggedCodec struct{}

func (c *TaggedCodec) Type() CodecType { return CodecTypeTagged }

func (c *TaggedCodec) Encode(m *message.Message) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = appendMap(buf, m.Head)
	buf = appendMap(buf, m.Data)
	return buf, nil
}

func (c *TaggedCodec) Decode(data []byte) (*message.Message, error) {
	head, rest, err := readMap(data)
	if err != nil {
		return nil, fmt.Errorf("codec: decode head: %w", err)
	}
	dataSection, rest, err := readMap(rest)
	if err != nil {
		return nil, fmt.Errorf("codec: decode data: %w", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("codec: trailing bytes after message")
	}
	return &message.Message{Head: head, Data: dataSection}, nil
}

func appendMap(buf []byte, m *message.OrderedMap) []byte {
	keys := m.Keys()
	buf = appendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		v, _ := m.Get(k)
		buf = appendString16(buf, k)
		buf = appendValue(buf, v)
	}
	return buf
}

func readMap(data []byte) (*message.OrderedMap, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("truncated map count")
	}
	count := binary.BigEndian.Uint32(data[:4])
	rest := data[4:]
	m := message.NewOrderedMap()
	for i := uint32(0); i < count; i++ {
		key, next, err := readString16(rest)
		if err != nil {
			return nil, nil, err
		}
		val, next2, err := readValue(next)
		if err != nil {
			return nil, nil, err
		}
		m.Set(key, val)
		rest = next2
	}
	return m, rest, nil
}

func appendValue(buf []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(buf, tagNull)
	case string:
		buf = append(buf, tagString)
		return appendBytes32(buf, []byte(t))
	case int32:
		buf = append(buf, tagInt32)
		return appendUint32(buf, uint32(t))
	case int:
		buf = append(buf, tagInt64)
		return appendUint64(buf, uint64(int64(t)))
	case int64:
		buf = append(buf, tagInt64)
		return appendUint64(buf, uint64(t))
	case float64:
		buf = append(buf, tagFloat64)
		return appendUint64(buf, math.Float64bits(t))
	case bool:
		buf = append(buf, tagBool)
		if t {
			return append(buf, 1)
		}
		return append(buf, 0)
	case []byte:
		buf = append(buf, tagBytes)
		return appendBytes32(buf, t)
	case *message.OrderedMap:
		buf = append(buf, tagMap)
		return appendMap(buf, t)
	case []any:
		buf = append(buf, tagList)
		buf = appendUint32(buf, uint32(len(t)))
		for _, elem := range t {
			buf = appendValue(buf, elem)
		}
		return buf
	default:
		// Anything outside the declared value space is not representable on the wire.
		// Encode it as a string via fmt rather than failing the whole message.
		buf = append(buf, tagString)
		return appendBytes32(buf, []byte(fmt.Sprintf("%v", t)))
	}
}

func readValue(data []byte) (any, []byte, error) {
	if len(data) < 1 {
		return nil, nil, errors.New("truncated value tag")
	}
	tag := data[0]
	rest := data[1:]
	switch tag {
	case tagNull:
		return nil, rest, nil
	case tagString:
		s, next, err := readBytes32(rest)
		if err != nil {
			return nil, nil, err
		}
		return string(s), next, nil
	case tagInt32:
		if len(rest) < 4 {
			return nil, nil, errors.New("truncated int32")
		}
		return int32(binary.BigEndian.Uint32(rest[:4])), rest[4:], nil
	case tagInt64:
		if len(rest) < 8 {
			return nil, nil, errors.New("truncated int64")
		}
		return int64(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case tagFloat64:
		if len(rest) < 8 {
			return nil, nil, errors.New("truncated float64")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case tagBool:
		if len(rest) < 1 {
			return nil, nil, errors.New("truncated bool")
		}
		return rest[0] != 0, rest[1:], nil
	case tagBytes:
		b, next, err := readBytes32(rest)
		if err != nil {
			return nil, nil, err
		}
		return b, next, nil
	case tagMap:
		return readMap(rest)
	case tagList:
		if len(rest) < 4 {
			return nil, nil, errors.New("truncated list count")
		}
		count := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		list := make([]any, 0, count)
		for i := uint32(0); i < count; i++ {
			v, next, err := readValue(rest)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, v)
			rest = next
		}
		return list, rest, nil
	default:
		return nil, nil, fmt.Errorf("codec: unknown value tag %d (not in the allow-listed tag space)", tag)
	}
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes32(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readBytes32(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, errors.New("truncated payload")
	}
	out := make([]byte, n)
	copy(out, data[:n])
	return out, data[n:], nil
}

func appendString16(buf []byte, s string) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}

func readString16(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, errors.New("truncated key length")
	}
	n := binary.BigEndian.Uint16(data[:2])
	data = data[2:]
	if len(data) < int(n) {
		return "", nil, errors.New("truncated key")
	}
	return string(data[:n]), data[n:], nil
}
