package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corerpc/message"
)

func buildSampleMessage() *message.Message {
	m := message.New()
	m.Head.Set(message.HeadTarget, "/user/get")
	m.Head.Set(message.HeadID, "chan-42")
	m.Head.Set(message.HeadExtTrxID, int64(9001))
	m.Data.Set("userId", int32(7))
	m.Data.Set("name", "Ada")
	m.Data.Set("active", true)
	m.Data.Set("balance", 12.5)
	m.Data.Set("tags", []any{"a", "b", int32(3)})
	nested := message.NewOrderedMap()
	nested.Set("city", "Lagos")
	m.Data.Set("address", nested)
	m.Data.Set("nothing", nil)
	return m
}

func TestTaggedCodecRoundTrip(t *testing.T) {
	c := GetCodec(CodecTypeTagged)
	orig := buildSampleMessage()

	raw, err := c.Encode(orig)
	require.NoError(t, err)

	decoded, err := c.Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, orig.Head.Keys(), decoded.Head.Keys())
	assert.Equal(t, orig.Data.Keys(), decoded.Data.Keys())
	assert.Equal(t, "/user/get", decoded.Target())
	assert.Equal(t, int32(7), decoded.Data.GetInt("userId"))
	assert.Equal(t, "Ada", decoded.Data.GetString("name"))
	assert.True(t, decoded.Data.GetBool("active"))
	assert.Equal(t, 12.5, decoded.Data.GetDouble("balance"))

	nestedVal, ok := decoded.Data.Get("address")
	require.True(t, ok)
	nestedMap, ok := nestedVal.(*message.OrderedMap)
	require.True(t, ok)
	assert.Equal(t, "Lagos", nestedMap.GetString("city"))

	listVal, ok := decoded.Data.Get("tags")
	require.True(t, ok)
	list, ok := listVal.([]any)
	require.True(t, ok)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0])
	assert.Equal(t, int32(3), list[2])
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := GetCodec(CodecTypeJSON)
	orig := buildSampleMessage()

	raw, err := c.Encode(orig)
	require.NoError(t, err)

	decoded, err := c.Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, orig.Head.Keys(), decoded.Head.Keys())
	assert.Equal(t, "/user/get", decoded.Target())
	assert.Equal(t, int64(7), decoded.Data.GetLong("userId"))
	assert.Equal(t, "Ada", decoded.Data.GetString("name"))
	assert.True(t, decoded.Data.GetBool("active"))
}

func TestTaggedCodecRejectsUnknownTag(t *testing.T) {
	c := GetCodec(CodecTypeTagged)
	orig := message.New()
	orig.Data.Set("k", "v")
	raw, err := c.Encode(orig)
	require.NoError(t, err)

	// Corrupt the tag byte of the "k" value (first value after head's empty map and
	// data's one entry) with a value outside the allow-listed tag space. Layout: head
	// count (4) | data count (4) | key length (2) | "k" (1) | value tag.
	tagOffset := 4 + 4 + 2 + len("k")
	corrupted := make([]byte, len(raw))
	copy(corrupted, raw)
	corrupted[tagOffset] = 0xFE

	_, err = c.Decode(corrupted)
	assert.Error(t, err)
}

func TestGetCodecFallsBackToTagged(t *testing.T) {
	c := GetCodec(CodecType(99))
	_, ok := c.(*TaggedCodec)
	assert.True(t, ok)
}

func TestTaggedCodecEmptyMessage(t *testing.T) {
	c := GetCodec(CodecTypeTagged)
	orig := message.New()
	raw, err := c.Encode(orig)
	require.NoError(t, err)
	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.Head.Len())
	assert.Equal(t, 0, decoded.Data.Len())
}
