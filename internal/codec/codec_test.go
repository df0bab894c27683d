package codec

import (
	"testing"

	"github.com/hamba/avro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) avro.Schema {
	t.Helper()
	schema, err := avro.Parse(s)
	require.NoError(t, err)
	return schema
}

func TestFrameMessageRoundTrip(t *testing.T) {
	framed := FrameMessage([]byte("hello"), []byte("world"))

	payload, consumed, err := ConcatFrames(framed)
	require.NoError(t, err)
	assert.Equal(t, []byte("helloworld"), payload)
	assert.Equal(t, len(framed), consumed)
}

func TestConcatFramesStopsAtTerminatorAndReportsConsumed(t *testing.T) {
	first := FrameMessage([]byte("AAAA"))
	second := FrameMessage([]byte("BBBB"))
	body := append(append([]byte{}, first...), second...)

	payload, consumed, err := ConcatFrames(body)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAA"), payload)
	assert.Equal(t, len(first), consumed)

	rest, consumed2, err := ConcatFrames(body[consumed:])
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBB"), rest)
	assert.Equal(t, len(second), consumed2)
}

func TestConcatFramesTruncatedLengthPrefix(t *testing.T) {
	_, _, err := ConcatFrames([]byte{0, 0, 0})
	require.Error(t, err)
}

func TestConcatFramesTruncatedPayload(t *testing.T) {
	_, _, err := ConcatFrames([]byte{0, 0, 0, 10, 1, 2, 3})
	require.Error(t, err)
}

type widget struct {
	Name  string `avro:"name"`
	Count int32  `avro:"count"`
}

func TestEncodeDecodeSingleSchemaRoundTrip(t *testing.T) {
	schema := mustParse(t, `{"type":"record","name":"Widget","fields":[
		{"name":"name","type":"string"},
		{"name":"count","type":"int"}
	]}`)

	b, err := Encode(schema, widget{Name: "sprocket", Count: 7})
	require.NoError(t, err)

	var out widget
	require.NoError(t, Decode(schema, b, &out))
	assert.Equal(t, widget{Name: "sprocket", Count: 7}, out)
}

func TestResolvingDecoderAppliesIntToLongPromotion(t *testing.T) {
	writer := mustParse(t, `{"type":"record","name":"W","fields":[{"name":"n","type":"int"}]}`)
	reader := mustParse(t, `{"type":"record","name":"W","fields":[{"name":"n","type":"long"}]}`)

	b, err := Encode(writer, map[string]any{"n": int32(42)})
	require.NoError(t, err)

	type out struct {
		N int64 `avro:"n"`
	}
	var dst out
	require.NoError(t, NewResolvingDecoder(writer, reader).Decode(b, &dst))
	assert.Equal(t, int64(42), dst.N)
}

func TestResolvingDecoderFillsMissingFieldWithDefault(t *testing.T) {
	writer := mustParse(t, `{"type":"record","name":"W","fields":[{"name":"a","type":"int"}]}`)
	reader := mustParse(t, `{"type":"record","name":"W","fields":[
		{"name":"a","type":"int"},
		{"name":"b","type":"string","default":"fallback"}
	]}`)

	b, err := Encode(writer, map[string]any{"a": int32(1)})
	require.NoError(t, err)

	type out struct {
		A int32  `avro:"a"`
		B string `avro:"b"`
	}
	var dst out
	require.NoError(t, NewResolvingDecoder(writer, reader).Decode(b, &dst))
	assert.Equal(t, out{A: 1, B: "fallback"}, dst)
}

func TestResolvingDecoderSkipsUnknownWriterField(t *testing.T) {
	writer := mustParse(t, `{"type":"record","name":"W","fields":[
		{"name":"a","type":"int"},
		{"name":"obsolete","type":"string"}
	]}`)
	reader := mustParse(t, `{"type":"record","name":"W","fields":[{"name":"a","type":"int"}]}`)

	b, err := Encode(writer, map[string]any{"a": int32(9), "obsolete": "drop me"})
	require.NoError(t, err)

	type out struct {
		A int32 `avro:"a"`
	}
	var dst out
	require.NoError(t, NewResolvingDecoder(writer, reader).Decode(b, &dst))
	assert.Equal(t, out{A: 9}, dst)
}

func TestResolvingDecoderReaderUnionAcceptsWriterNonUnionBranch(t *testing.T) {
	writer := mustParse(t, `{"type":"record","name":"W","fields":[{"name":"v","type":"string"}]}`)
	reader := mustParse(t, `{"type":"record","name":"W","fields":[{"name":"v","type":["null","string"]}]}`)

	b, err := Encode(writer, map[string]any{"v": "hi"})
	require.NoError(t, err)

	type out struct {
		V *string `avro:"v"`
	}
	var dst out
	require.NoError(t, NewResolvingDecoder(writer, reader).Decode(b, &dst))
	require.NotNil(t, dst.V)
	assert.Equal(t, "hi", *dst.V)
}

func TestResolvingDecoderArrayElementsResolved(t *testing.T) {
	writer := mustParse(t, `{"type":"record","name":"W","fields":[{"name":"items","type":{"type":"array","items":"int"}}]}`)
	reader := mustParse(t, `{"type":"record","name":"W","fields":[{"name":"items","type":{"type":"array","items":"long"}}]}`)

	b, err := Encode(writer, map[string]any{"items": []any{int32(1), int32(2), int32(3)}})
	require.NoError(t, err)

	type out struct {
		Items []int64 `avro:"items"`
	}
	var dst out
	require.NoError(t, NewResolvingDecoder(writer, reader).Decode(b, &dst))
	assert.Equal(t, []int64{1, 2, 3}, dst.Items)
}

func TestResolvingDecoderEnumSymbolFallsBackToDefault(t *testing.T) {
	writer := mustParse(t, `{"type":"enum","name":"Suit","symbols":["SPADES","HEARTS","CLUBS","DIAMONDS"]}`)
	reader := mustParse(t, `{"type":"enum","name":"Suit","symbols":["SPADES","HEARTS"],"default":"SPADES"}`)

	b, err := Encode(writer, "CLUBS")
	require.NoError(t, err)

	var dst string
	require.NoError(t, NewResolvingDecoder(writer, reader).Decode(b, &dst))
	assert.Equal(t, "SPADES", dst)
}
