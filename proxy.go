package streamproxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hupe1980/golog"
	"golang.org/x/sync/errgroup"
)

// bufferPool feeds the relay hot path so verbatim splicing doesn't
// allocate per connection.
var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 32*1024)
		return &b
	},
}

type Options struct {
	// MITMConfig issues the leaf certificates used to impersonate
	// intercepted origins. If nil, a fresh in-memory CA is generated.
	MITMConfig *MITMConfig

	// Connector opens the outbound leg. If nil, connections are direct.
	Connector *UpstreamConnector

	// InterceptDomains is the ordered list of exact or *.suffix domain
	// patterns whose connections get the TLS man-in-the-middle
	// treatment. Everything else is spliced verbatim.
	InterceptDomains []string

	// Sink receives decoded deltas. If nil, deltas are dropped after
	// driving forwarding decisions.
	Sink Sink

	// ForwardIntercepted controls whether decrypted response bytes are
	// still relayed to the original caller. When false, intercepted
	// responses are consumed by the decoder only.
	ForwardIntercepted bool

	// OnReady is invoked once the listener is accepting connections.
	OnReady func(addr net.Addr)

	// Logger specifies an optional logger.
	// If nil, logging is done via the log package's standard logger.
	Logger golog.Logger
}

// Server accepts proxy clients, decides per domain whether to intercept,
// and drives the bidirectional relays.
type Server struct {
	*logger
	mitmCfg   *MITMConfig
	connector *UpstreamConnector
	domains   []string
	sink      Sink
	forward   bool
	onReady   func(addr net.Addr)
}

func New(optFns ...func(*Options)) (*Server, error) {
	options := Options{
		Logger:             golog.NewGoLogger(golog.INFO, log.Default()),
		ForwardIntercepted: true,
	}

	for _, fn := range optFns {
		fn(&options)
	}

	if options.MITMConfig == nil {
		mitmCfg, err := NewMITMConfig(func(m *MITMOptions) {
			m.Logger = options.Logger
		})
		if err != nil {
			return nil, err
		}

		options.MITMConfig = mitmCfg
	}

	if options.Connector == nil {
		connector, err := NewUpstreamConnector("", func(o *UpstreamConnectorOptions) {
			o.Logger = options.Logger
		})
		if err != nil {
			return nil, err
		}

		options.Connector = connector
	}

	return &Server{
		logger:    &logger{options.Logger},
		mitmCfg:   options.MITMConfig,
		connector: options.Connector,
		domains:   options.InterceptDomains,
		sink:      options.Sink,
		forward:   options.ForwardIntercepted,
		onReady:   options.OnReady,
	}, nil
}

// ShouldIntercept reports whether connections to host get the TLS
// interception treatment. A pattern matches either exactly, or as a
// *.suffix wildcard covering subdomains only: pattern *.example.com
// matches sub.example.com but not example.com itself.
func (s *Server) ShouldIntercept(host string) bool {
	for _, d := range s.domains {
		if host == d {
			return true
		}

		if strings.HasPrefix(d, "*.") && strings.HasSuffix(host, d[1:]) {
			return true
		}
	}

	return false
}

// ListenAndServe accepts proxy clients on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(ctx, ln)
}

// Serve accepts proxy clients on ln until ctx is cancelled. No
// per-connection failure ever stops the accept loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	s.logDebugf("Listening on %s", ln.Addr())

	if s.onReady != nil {
		s.onReady(ln.Addr())
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			return err
		}

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	sid := uuid.NewString()

	br := bufio.NewReader(conn)

	host, port, err := readConnectRequest(br)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logDebugf("[%s] Rejecting connection: %v", sid, err)
		}

		return
	}

	client := &bufferedConn{r: br, Conn: conn}

	if s.ShouldIntercept(host) {
		s.logDebugf("[%s] Intercepting %s:%d", sid, host, port)
		s.intercept(ctx, sid, client, host, port)

		return
	}

	s.logDebugf("[%s] Passing through %s:%d", sid, host, port)
	s.passthrough(ctx, sid, client, host, port)
}

func (s *Server) passthrough(ctx context.Context, sid string, client net.Conn, host string, port int) {
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		s.logErrorf("[%s] Writing tunnel response failed: %v", sid, err)
		return
	}

	upstream, err := s.connector.Connect(ctx, host, port, false)
	if err != nil {
		s.logErrorf("[%s] Connecting to %s:%d failed: %v", sid, host, port, err)
		return
	}
	defer upstream.Close()

	s.splice(ctx, sid, client, upstream)
}

// splice relays bytes verbatim in both directions until either side
// closes. When one direction ends, both transports are closed so the
// other direction unblocks.
func (s *Server) splice(ctx context.Context, sid string, client, upstream net.Conn) {
	stop := context.AfterFunc(ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	var g errgroup.Group

	copyDir := func(dst, src net.Conn) func() error {
		return func() error {
			defer client.Close()
			defer upstream.Close()

			bufPtr := bufferPool.Get().(*[]byte)
			defer bufferPool.Put(bufPtr)

			_, err := io.CopyBuffer(dst, src, *bufPtr)

			return err
		}
	}

	g.Go(copyDir(upstream, client))
	g.Go(copyDir(client, upstream))

	if err := g.Wait(); err != nil && !isClosedErr(err) && ctx.Err() == nil {
		s.logErrorf("[%s] Relay error: %v", sid, err)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
