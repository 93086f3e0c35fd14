package streamproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hupe1980/golog"
	xproxy "golang.org/x/net/proxy"
	"h12.io/socks"
)

// ErrUnsupportedProxyScheme is returned at construction time for an
// upstream proxy URL with a scheme other than http, https, socks4 or
// socks5.
var ErrUnsupportedProxyScheme = errors.New("unsupported upstream proxy scheme")

type UpstreamConnectorOptions struct {
	// DialTimeout bounds the TCP connect to the target or the upstream
	// proxy.
	DialTimeout time.Duration

	// VerifyUpstream enables certificate and hostname verification on
	// the outbound TLS leg. It is off by default: the proxy already
	// vouches for the connection to its own client via the locally
	// issued leaf, so the origin's certificate is not checked. This is a
	// deliberate trust-boundary shift; enabling it hardens against a
	// second man-in-the-middle between this proxy and the origin.
	VerifyUpstream bool

	// Logger specifies an optional logger.
	// If nil, logging is done via the log package's standard logger.
	Logger golog.Logger
}

// UpstreamConnector opens the outbound leg of a proxied connection,
// either directly or through a configured upstream proxy.
type UpstreamConnector struct {
	*logger
	proxyURL       *url.URL
	dialTimeout    time.Duration
	verifyUpstream bool
}

// NewUpstreamConnector validates the optional upstream proxy URL and
// returns a connector. An empty rawURL means direct connections.
func NewUpstreamConnector(rawURL string, optFns ...func(*UpstreamConnectorOptions)) (*UpstreamConnector, error) {
	options := UpstreamConnectorOptions{
		DialTimeout: 30 * time.Second,
		Logger:      golog.NewGoLogger(golog.INFO, log.Default()),
	}

	for _, fn := range optFns {
		fn(&options)
	}

	c := &UpstreamConnector{
		logger:         &logger{options.Logger},
		dialTimeout:    options.DialTimeout,
		verifyUpstream: options.VerifyUpstream,
	}

	if rawURL == "" {
		return c, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream proxy url: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "socks4", "socks5":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxyScheme, u.Scheme)
	}

	c.proxyURL = u

	return c, nil
}

// Connect opens a connection to host:port, tunneling through the
// configured upstream proxy if any, and optionally layers client TLS on
// top with ServerName set to host.
func (c *UpstreamConnector) Connect(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error) {
	conn, err := c.dial(ctx, host, port)
	if err != nil {
		return nil, err
	}

	if !useTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, c.clientTLSConfig(host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream handshake error: %w", err)
	}

	return tlsConn, nil
}

func (c *UpstreamConnector) clientTLSConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS13,
		InsecureSkipVerify: !c.verifyUpstream, //nolint: gosec // see UpstreamConnectorOptions.VerifyUpstream
	}
}

func (c *UpstreamConnector) dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	if c.proxyURL == nil {
		d := &net.Dialer{Timeout: c.dialTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}

	switch c.proxyURL.Scheme {
	case "socks5":
		return c.dialSOCKS5(ctx, addr)
	case "socks4":
		dialFn := socks.Dial(c.proxyURL.String())
		return dialFn("tcp", addr)
	default: // http, https
		return c.dialHTTPTunnel(ctx, addr)
	}
}

func (c *UpstreamConnector) dialSOCKS5(ctx context.Context, addr string) (net.Conn, error) {
	var auth *xproxy.Auth
	if u := c.proxyURL.User; u != nil {
		password, _ := u.Password()
		auth = &xproxy.Auth{User: u.Username(), Password: password}
	}

	d, err := xproxy.SOCKS5("tcp", c.proxyURL.Host, auth, &net.Dialer{Timeout: c.dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}

	if cd, ok := d.(xproxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}

	return d.Dial("tcp", addr)
}

// dialHTTPTunnel connects to an http(s) upstream proxy and issues a
// CONNECT for the target.
func (c *UpstreamConnector) dialHTTPTunnel(ctx context.Context, addr string) (net.Conn, error) {
	proxyAddr := c.proxyURL.Host
	if c.proxyURL.Port() == "" {
		if c.proxyURL.Scheme == "https" {
			proxyAddr = net.JoinHostPort(c.proxyURL.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(c.proxyURL.Hostname(), "80")
		}
	}

	d := &net.Dialer{Timeout: c.dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy dial: %w", err)
	}

	if c.proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName: c.proxyURL.Hostname(),
			MinVersion: tls.VersionTLS12,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("upstream proxy handshake: %w", err)
		}

		conn = tlsConn
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if u := c.proxyURL.User; u != nil {
		password, _ := u.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream CONNECT write: %w", err)
	}

	br := bufio.NewReader(conn)

	res, err := http.ReadResponse(br, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream CONNECT response: %w", err)
	}
	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream CONNECT refused: %s", res.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{r: br, Conn: conn}, nil
	}

	return conn, nil
}

// bufferedConn replays bytes a bufio.Reader has already consumed from the
// underlying connection.
type bufferedConn struct {
	r *bufio.Reader
	net.Conn
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
