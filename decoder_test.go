package streamproxy

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunked(payloads ...[]byte) []byte {
	var buf bytes.Buffer

	for _, p := range payloads {
		fmt.Fprintf(&buf, "%x\r\n", len(p))
		buf.Write(p)
		buf.WriteString("\r\n")
	}

	return buf.Bytes()
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func zlibbed(t *testing.T, b []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := zlib.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestDechunkRoundTrip(t *testing.T) {
	raw := chunked([]byte("Wiki"), []byte("pedia "), []byte("in \r\nchunks."))
	raw = append(raw, terminalChunk...)

	payload, done := Dechunk(raw)

	assert.True(t, done)
	assert.Equal(t, []byte("Wikipedia in \r\nchunks."), payload)
}

func TestDechunkWithoutTerminalMarker(t *testing.T) {
	raw := chunked([]byte("hello"))

	payload, done := Dechunk(raw)

	assert.False(t, done)
	assert.Equal(t, []byte("hello"), payload)
}

func TestDechunkMalformedLengthStopsWithoutError(t *testing.T) {
	raw := chunked([]byte("first"))
	raw = append(raw, []byte("zz\r\nbroken\r\n")...)

	payload, done := Dechunk(raw)

	assert.False(t, done)
	assert.Equal(t, []byte("first"), payload)
}

func TestDechunkInsufficientPayload(t *testing.T) {
	raw := chunked([]byte("done"))
	raw = append(raw, []byte("ff\r\nshort")...)

	payload, done := Dechunk(raw)

	assert.False(t, done)
	assert.Equal(t, []byte("done"), payload)
}

func TestChunkDecoderIncremental(t *testing.T) {
	raw := chunked([]byte("Wiki"), []byte("pedia "), []byte("in \r\nchunks."))
	raw = append(raw, terminalChunk...)

	// Feed one byte at a time; the decoder must produce exactly the
	// same payload as the one-shot call.
	d := &ChunkDecoder{}

	var payload []byte
	var done bool

	for i := range raw {
		out, fed := d.Feed(raw[i : i+1])
		payload = append(payload, out...)
		done = fed
	}

	assert.True(t, done)
	assert.True(t, d.Done())
	assert.Equal(t, []byte("Wikipedia in \r\nchunks."), payload)
}

func TestChunkDecoderLatchesOnMalformedLine(t *testing.T) {
	d := &ChunkDecoder{}

	out, done := d.Feed([]byte("zz\r\n"))
	assert.Empty(t, out)
	assert.False(t, done)

	// Once latched, later feeds recover nothing.
	out, done = d.Feed(chunked([]byte("late")))
	assert.Empty(t, out)
	assert.False(t, done)
}

func TestInflateGzip(t *testing.T) {
	out, err := Inflate(gzipped(t, []byte("payload")))

	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)
}

func TestInflateZlib(t *testing.T) {
	out, err := Inflate(zlibbed(t, []byte("payload")))

	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)
}

func TestInflateTruncatedStreamIsPartial(t *testing.T) {
	full := zlibbed(t, bytes.Repeat([]byte("abcdefgh"), 512))

	out, err := Inflate(full[:len(full)/2])

	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestInflateCorruptStream(t *testing.T) {
	_, err := Inflate([]byte("this is not a compressed stream"))

	assert.ErrorIs(t, err, ErrInflate)
}

func TestInflateEmpty(t *testing.T) {
	out, err := Inflate(nil)

	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParseStreamBodyFragment(t *testing.T) {
	delta, err := ParseStream([]byte(`[[[null,"Hello"]],"model"]`))

	require.NoError(t, err)
	assert.Equal(t, "Hello", delta.Body)
	assert.Empty(t, delta.Reason)
	assert.Empty(t, delta.Function)
}

func TestParseStreamAccumulatesFragments(t *testing.T) {
	text := `[[[null,"Hel"]],"model"]garbage[[[null,"lo"]],"model"]`

	delta, err := ParseStream([]byte(text))

	require.NoError(t, err)
	assert.Equal(t, "Hello", delta.Body)
}

func TestParseStreamReasonFragment(t *testing.T) {
	delta, err := ParseStream([]byte(`[[[null,"thinking",null,1]],"model"]`))

	require.NoError(t, err)
	assert.Equal(t, "thinking", delta.Reason)
	assert.Empty(t, delta.Body)
}

func TestParseStreamFunctionCall(t *testing.T) {
	text := `[[[null,null,null,null,null,null,null,null,null,null,["get_time",[[["arg1",[3,0,"abc"]]]]]]],"model"]`

	delta, err := ParseStream([]byte(text))

	require.NoError(t, err)
	require.Len(t, delta.Function, 1)
	assert.Equal(t, "get_time", delta.Function[0].Name)
	assert.Equal(t, map[string]interface{}{"arg1": "abc"}, delta.Function[0].Params)
}

func TestParseStreamSkipsUnparsableMatches(t *testing.T) {
	// The second fragment matches the scan pattern but is not valid JSON.
	text := `[[[null,"keep"]],"model"][[[null,]],"model"]`

	delta, err := ParseStream([]byte(text))

	require.NoError(t, err)
	assert.Equal(t, "keep", delta.Body)
}

func TestParseFunctionParamsTypes(t *testing.T) {
	text := `[[[null,null,null,null,null,null,null,null,null,null,["f",[[` +
		`["s",[3,0,"str"]],` +
		`["n",[2,42]],` +
		`["t",[0,0,0,1]],` +
		`["f2",[0,0,0,0]],` +
		`["nul",[0]],` +
		`["obj",[0,0,0,0,[[["inner",[3,0,"deep"]]]]]]` +
		`]]]]],"model"]`

	delta, err := ParseStream([]byte(text))

	require.NoError(t, err)
	require.Len(t, delta.Function, 1)

	params := delta.Function[0].Params
	assert.Equal(t, "str", params["s"])
	assert.Equal(t, float64(42), params["n"])
	assert.Equal(t, true, params["t"])
	assert.Equal(t, false, params["f2"])
	assert.Nil(t, params["nul"])
	assert.Equal(t, map[string]interface{}{"inner": "deep"}, params["obj"])
}

func TestParseFunctionParamsUnknownTagLength(t *testing.T) {
	text := `[[[null,null,null,null,null,null,null,null,null,null,["f",[[["bad",[0,0,0,0,0,0]]]]]]],"model"]`

	_, err := ParseStream([]byte(text))

	assert.ErrorIs(t, err, ErrBadParam)
}

func TestProcessResponsePassthroughPath(t *testing.T) {
	delta, err := ProcessResponse([]byte("anything"), "example.com", "/v1/other")

	require.NoError(t, err)
	assert.Nil(t, delta)
}

func TestProcessResponseFullPipeline(t *testing.T) {
	compressed := gzipped(t, []byte(`[[[null,"Hello"]],"model"]`))

	raw := chunked(compressed)
	raw = append(raw, terminalChunk...)

	delta, err := ProcessResponse(raw, "example.com", "/v1/GenerateContent")

	require.NoError(t, err)
	require.NotNil(t, delta)
	assert.Equal(t, "Hello", delta.Body)
	assert.True(t, delta.Done)
	assert.Equal(t, "example.com", delta.Host)
}

func TestSniffPath(t *testing.T) {
	assert.True(t, sniffPath("/v1/models:streamGenerateContent"))
	assert.True(t, sniffPath("/v1beta/models/x:generateContent"))
	assert.False(t, sniffPath("/v1/models"))
}
