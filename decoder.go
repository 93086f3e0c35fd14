package streamproxy

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrInflate indicates a response body that could not be
	// decompressed at all. Unlike match-level parse failures this is a
	// hard error: the stream cannot be interpreted.
	ErrInflate = errors.New("inflate: corrupt stream")

	// ErrBadParam indicates a function-call parameter list that does not
	// follow the tagged-array encoding.
	ErrBadParam = errors.New("decode: malformed function parameter")
)

// streamPattern matches one top-level fragment of the service's
// nested-array stream format. The format carries no schema or version
// marker; this shape is purely observed behavior.
var streamPattern = regexp.MustCompile(`\[\[\[null,.*?\]\],"model"\]`)

var (
	crlf          = []byte("\r\n")
	terminalChunk = []byte("0\r\n\r\n")
)

// ChunkDecoder removes HTTP chunked-transfer framing incrementally.
// Unconsumed framing bytes are retained across Feed calls, so the decoder
// is correct under arbitrary TCP segmentation. A malformed length line
// latches the decoder: parsing stops and later feeds return nothing new.
type ChunkDecoder struct {
	pending []byte
	stopped bool
	done    bool
}

// Done reports whether the terminal chunk marker has been seen.
func (d *ChunkDecoder) Done() bool {
	return d.done
}

// Feed appends p to the retained buffer and consumes as many complete
// chunks as are available. It returns the newly recovered payload bytes
// and whether the terminal marker has been observed.
func (d *ChunkDecoder) Feed(p []byte) ([]byte, bool) {
	if d.done || d.stopped {
		return nil, d.done
	}

	d.pending = append(d.pending, p...)

	var out []byte

	for {
		idx := bytes.Index(d.pending, crlf)
		if idx == -1 {
			break
		}

		length, err := strconv.ParseUint(string(d.pending[:idx]), 16, 32)
		if err != nil {
			// Malformed framing. Keep what was recovered so far and
			// stop; the caller still gets the accumulated payload.
			d.stopped = true
			break
		}

		if length == 0 {
			if bytes.Contains(d.pending, terminalChunk) {
				d.done = true
			}

			break
		}

		// Wait for the full payload plus its trailing CRLF before
		// consuming anything.
		end := idx + 2 + int(length)
		if end+2 > len(d.pending) {
			break
		}

		out = append(out, d.pending[idx+2:end]...)
		d.pending = d.pending[end+2:]
	}

	return out, d.done
}

// Dechunk strips chunked-transfer framing from a self-contained buffer.
// It returns the concatenated chunk payloads and whether the terminal
// 0\r\n\r\n marker was present. Malformed or insufficient framing stops
// parsing and returns what was accumulated; it never returns an error.
func Dechunk(buf []byte) ([]byte, bool) {
	d := &ChunkDecoder{}
	return d.Feed(buf)
}

// Inflate decompresses a zlib or gzip stream, auto-detected from the
// header. A truncated stream is not an error: the bytes recovered so far
// are returned, matching a response that is still in flight. Corrupt
// input propagates as ErrInflate.
func Inflate(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}

	var (
		r   io.ReadCloser
		err error
	)

	if len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b {
		r, err = gzip.NewReader(bytes.NewReader(b))
	} else {
		r, err = zlib.NewReader(bytes.NewReader(b))
	}

	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %v", ErrInflate, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", ErrInflate, err)
	}

	return out, nil
}

// ParseStream scans decompressed response text for stream fragments and
// folds them into a Delta. Fragments that fail to parse as JSON, or whose
// payload doesn't fit a known shape, are skipped; a malformed function
// parameter list is a hard error.
func ParseStream(text []byte) (*Delta, error) {
	delta := &Delta{Function: []FunctionCall{}}

	for _, match := range streamPattern.FindAll(text, -1) {
		if !gjson.ValidBytes(match) {
			continue
		}

		payload := gjson.ParseBytes(match).Get("0.0")
		if !payload.IsArray() {
			continue
		}

		items := payload.Array()

		switch {
		case len(items) == 2:
			delta.Body += items[1].String()
		case len(items) == 11 && items[1].Type == gjson.Null && items[10].IsArray():
			call := items[10].Array()
			if len(call) < 2 {
				return nil, fmt.Errorf("%w: truncated call entry", ErrBadParam)
			}

			params, err := parseFunctionParams(call[1])
			if err != nil {
				return nil, err
			}

			delta.Function = append(delta.Function, FunctionCall{
				Name:   call[0].String(),
				Params: params,
			})
		case len(items) > 2:
			delta.Reason += items[1].String()
		}
	}

	return delta, nil
}

// parseFunctionParams decodes the tagged parameter encoding: each
// parameter is a [name, value] pair whose value is a list, and the list
// length selects the type. 1=null, 2=number, 3=string, 4=boolean,
// 5=nested object (recursed through the same decoder).
func parseFunctionParams(args gjson.Result) (map[string]interface{}, error) {
	if !args.IsArray() {
		return nil, fmt.Errorf("%w: expected argument wrapper", ErrBadParam)
	}

	wrapper := args.Array()
	if len(wrapper) == 0 {
		return nil, fmt.Errorf("%w: empty argument wrapper", ErrBadParam)
	}

	if !wrapper[0].IsArray() {
		return nil, fmt.Errorf("%w: expected parameter list", ErrBadParam)
	}

	params := make(map[string]interface{})

	for _, p := range wrapper[0].Array() {
		pair := p.Array()
		if len(pair) < 2 {
			return nil, fmt.Errorf("%w: truncated pair", ErrBadParam)
		}

		name := pair[0].String()

		value := pair[1]
		if !value.IsArray() {
			continue
		}

		items := value.Array()

		switch len(items) {
		case 1:
			params[name] = nil
		case 2:
			params[name] = items[1].Value()
		case 3:
			params[name] = items[2].String()
		case 4:
			params[name] = items[3].Int() == 1
		case 5:
			nested, err := parseFunctionParams(items[4])
			if err != nil {
				return nil, err
			}

			params[name] = nested
		default:
			return nil, fmt.Errorf("%w: unknown tag length %d", ErrBadParam, len(items))
		}
	}

	return params, nil
}

// sniffPath reports whether the request path targets the streaming
// generation endpoint. Both spellings appear in the wild.
func sniffPath(path string) bool {
	return strings.Contains(path, "GenerateContent") || strings.Contains(path, "generateContent")
}

// ProcessResponse runs the full decode pipeline over a raw response
// buffer: dechunk, inflate, parse. It only engages for paths that carry
// the generation endpoint marker; for any other path it returns
// (nil, nil), meaning the bytes should pass through undecoded.
func ProcessResponse(raw []byte, host, path string) (*Delta, error) {
	if !sniffPath(path) {
		return nil, nil
	}

	payload, done := Dechunk(raw)

	text, err := Inflate(payload)
	if err != nil {
		return nil, err
	}

	delta, err := ParseStream(text)
	if err != nil {
		return nil, err
	}

	delta.Done = done
	delta.Host = host
	delta.Path = path

	return delta, nil
}
