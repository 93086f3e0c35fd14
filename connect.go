package streamproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// intercept performs the man-in-the-middle leg: mint or fetch the leaf
// for host, complete a server-side TLS upgrade of the client connection,
// open a TLS upstream leg, then relay with response sniffing. Failures
// terminate only this connection.
func (s *Server) intercept(ctx context.Context, sid string, client net.Conn, host string, port int) {
	// Issue the leaf before answering the CONNECT so a CA failure turns
	// into a closed tunnel rather than a broken handshake.
	if _, err := s.mitmCfg.GetLeaf(host); err != nil {
		s.logErrorf("[%s] Leaf certificate for %s failed: %v", sid, host, err)
		return
	}

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		s.logErrorf("[%s] Writing tunnel response failed: %v", sid, err)
		return
	}

	tlsClient, err := s.clientTLSConn(ctx, client, s.mitmCfg.TLSConfigForHost(host))
	if err != nil {
		s.logErrorf("[%s] Securing client connection failed: %v", sid, err)
		return
	}

	upstream, err := s.connector.Connect(ctx, host, port, true)
	if err != nil {
		s.logErrorf("[%s] Connecting to %s:%d failed: %v", sid, host, port, err)
		tlsClient.Close()

		return
	}
	defer upstream.Close()

	s.relayIntercepted(ctx, sid, tlsClient, upstream, host)
}

func (s *Server) clientTLSConn(ctx context.Context, conn net.Conn, config *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("handshake error: %w", err)
	}

	return tlsConn, nil
}

// interceptState is the sniffing state shared between the two relay
// directions of one intercepted connection. The client direction arms
// sniffing when it sees a request for the generation endpoint; the
// upstream direction decodes while armed.
type interceptState struct {
	sniffing atomic.Bool
	path     atomic.Value // string
}

func (st *interceptState) arm(path string) {
	st.path.Store(path)
	st.sniffing.Store(sniffPath(path))
}

func (st *interceptState) currentPath() string {
	if p, ok := st.path.Load().(string); ok {
		return p
	}

	return ""
}

func (s *Server) relayIntercepted(ctx context.Context, sid string, client, upstream net.Conn, host string) {
	stop := context.AfterFunc(ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	state := &interceptState{}

	var g errgroup.Group

	g.Go(func() error {
		defer client.Close()
		defer upstream.Close()

		return s.relayRequests(sid, state, upstream, client)
	})

	g.Go(func() error {
		defer client.Close()
		defer upstream.Close()

		return s.relayResponses(sid, state, client, upstream, host)
	})

	if err := g.Wait(); err != nil && !isClosedErr(err) && ctx.Err() == nil {
		s.logErrorf("[%s] Intercept relay error: %v", sid, err)
	}
}

// relayRequests forwards decrypted client bytes verbatim and watches the
// stream for request heads so responses can be matched to the endpoint
// they answer.
func (s *Server) relayRequests(sid string, state *interceptState, upstream net.Conn, client net.Conn) error {
	scanner := &requestScanner{}
	buf := make([]byte, 8192)

	for {
		n, readErr := client.Read(buf)
		if n > 0 {
			if path, ok := scanner.observe(buf[:n]); ok {
				state.arm(path)

				if state.sniffing.Load() {
					s.logDebugf("[%s] Generation request detected: %.60s", sid, path)
				}
			}

			if _, err := upstream.Write(buf[:n]); err != nil {
				return err
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}

			return readErr
		}
	}
}

// responseState tracks decoding progress for one upstream response.
type responseState struct {
	headBuf    []byte
	headerDone bool
	abandoned  bool
	chunker    ChunkDecoder
	payload    []byte
}

// relayResponses forwards upstream bytes to the client (unless the server
// was configured not to) and, while sniffing is armed, runs the decoded
// body through the protocol decoder, publishing a cumulative delta per
// read. Decode failures are logged and never tear down the relay.
func (s *Server) relayResponses(sid string, state *interceptState, client, upstream net.Conn, host string) error {
	res := &responseState{}
	buf := make([]byte, 8192)

	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			if s.forward {
				if _, err := client.Write(buf[:n]); err != nil {
					return err
				}
			}

			if state.sniffing.Load() {
				if done := s.sniffResponse(sid, state, res, buf[:n], host); done {
					res = &responseState{}
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}

			return readErr
		}
	}
}

// sniffResponse feeds one read's worth of response bytes through the
// decode pipeline. It reports true when the terminal chunk marker was
// seen and the response state should be reset.
func (s *Server) sniffResponse(sid string, state *interceptState, res *responseState, data []byte, host string) bool {
	body := data

	if !res.headerDone {
		res.headBuf = append(res.headBuf, data...)

		idx := bytes.Index(res.headBuf, headerSep)
		if idx == -1 {
			return false
		}

		res.headerDone = true
		head := res.headBuf[:idx]
		body = res.headBuf[idx+len(headerSep):]

		if code, message, ok := parseStatusLine(head); ok && code >= 400 {
			s.logErrorf("[%s] Upstream error for %s: %d %s", sid, host, code, message)
			res.abandoned = true

			s.publish(sid, state, &Delta{
				Error:   true,
				Status:  code,
				Message: fmt.Sprintf("%d %s", code, message),
				Done:    true,
				Host:    host,
			})

			return false
		}
	}

	if res.abandoned {
		return false
	}

	newPayload, done := res.chunker.Feed(body)
	res.payload = append(res.payload, newPayload...)

	text, err := Inflate(res.payload)
	if err != nil {
		s.logErrorf("[%s] Inflating response failed: %v", sid, err)
		return done
	}

	delta, err := ParseStream(text)
	if err != nil {
		s.logErrorf("[%s] Decoding response failed: %v", sid, err)
		return done
	}

	delta.Done = done
	delta.Host = host

	s.publish(sid, state, delta)

	if done {
		s.logDebugf("[%s] Stream complete: body=%d reason=%d functions=%d",
			sid, len(delta.Body), len(delta.Reason), len(delta.Function))
	}

	return done
}

func (s *Server) publish(sid string, state *interceptState, delta *Delta) {
	if s.sink == nil {
		return
	}

	delta.Session = sid
	if delta.Path == "" {
		delta.Path = state.currentPath()
	}

	if err := s.sink.Publish(delta); err != nil {
		s.logErrorf("[%s] Publishing delta failed: %v", sid, err)
	}
}

