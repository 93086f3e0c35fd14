package streamproxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
)

var errNotConnect = errors.New("request is not CONNECT")

var headerSep = []byte("\r\n\r\n")

// readConnectRequest reads and parses the first request line of an
// accepted connection and drains the remaining CONNECT headers. An empty
// line (peer closed before sending) or a non-CONNECT method is an error;
// the caller closes the connection.
func readConnectRequest(br *bufio.Reader) (host string, port int, err error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return "", 0, err
	}

	if line == "" {
		return "", 0, errNotConnect
	}

	method, target, ok := parseRequestLine(line)
	if !ok || method != "CONNECT" {
		return "", 0, fmt.Errorf("%w: %q", errNotConnect, line)
	}

	h, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("malformed CONNECT target %q: %w", target, err)
	}

	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("malformed CONNECT port %q: %w", portStr, err)
	}

	// Drain the rest of the CONNECT request; the tunnel carries
	// everything from here on.
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return "", 0, fmt.Errorf("reading CONNECT headers: %w", err)
	}

	return h, port, nil
}

// parseRequestLine splits "METHOD target HTTP/1.1".
func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", false
	}

	return parts[0], parts[1], true
}

// parseStatusLine extracts the status code and message from a raw
// response head, e.g. "HTTP/1.1 429 Too Many Requests".
func parseStatusLine(head []byte) (code int, message string, ok bool) {
	end := bytes.Index(head, crlf)
	if end == -1 {
		end = len(head)
	}

	parts := strings.SplitN(string(head[:end]), " ", 3)
	if len(parts) < 2 {
		return 0, "", false
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", false
	}

	if len(parts) > 2 {
		message = parts[2]
	}

	return code, message, true
}

// requestScanner watches the decrypted client-to-upstream byte stream for
// request heads and reports the path of the most recent request. Bytes
// are forwarded verbatim elsewhere; the scanner only observes.
type requestScanner struct {
	buf []byte
}

// observe consumes a read's worth of client bytes. It returns the request
// path and true whenever a complete request head went by.
func (s *requestScanner) observe(p []byte) (path string, ok bool) {
	s.buf = append(s.buf, p...)

	for {
		idx := bytes.Index(s.buf, headerSep)
		if idx == -1 {
			// Cap retained bytes: request bodies are uninteresting and
			// a head larger than this never names the target endpoint.
			if len(s.buf) > 64*1024 {
				s.buf = nil
			}

			return path, ok
		}

		line := s.buf[:idx]
		if end := bytes.Index(line, crlf); end != -1 {
			line = line[:end]
		}

		if _, target, valid := parseRequestLine(string(line)); valid {
			path, ok = target, true
		}

		s.buf = s.buf[idx+len(headerSep):]
	}
}
