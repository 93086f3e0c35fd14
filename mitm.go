package streamproxy

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/golog"
)

var (
	DefaultTLSServerConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}
)

type MITMOptions struct {
	CA *x509.Certificate

	PrivateKey crypto.PrivateKey

	// Directory the per-domain key/cert pairs are persisted to.
	// If empty, leaves are kept in memory only.
	CertDir string

	// Organization (will be used for generated certificates)
	Organization string

	// Validity of the generated certificates
	Validity time.Duration

	// Config structure is used to configure the TLS server.
	TLSServerConfig *tls.Config

	// Storage for generated certificates
	CertStorage CertStorage

	// Logger specifies an optional logger.
	// If nil, logging is done via the log package's standard logger.
	Logger golog.Logger
}

// MITMConfig owns the root pair and issues the per-domain leaf
// certificates the proxy presents to its clients.
type MITMConfig struct {
	*logger
	ca           *x509.Certificate // Root certificate authority
	caPrivateKey crypto.PrivateKey // CA private key

	certDir         string
	validity        time.Duration
	organization    string
	tlsServerConfig *tls.Config
	certStorage     CertStorage

	// Serializes first-access issuance per domain so two connections
	// racing on an unseen domain don't both sign a leaf.
	mu      sync.Mutex
	issuing map[string]*sync.Mutex
}

// NewMITMConfig creates a new MITM configuration
func NewMITMConfig(optFns ...func(*MITMOptions)) (*MITMConfig, error) {
	options := MITMOptions{
		CertStorage:     NewMapCertStorage(),
		Organization:    "Proxy Server",
		Validity:        365 * 24 * time.Hour,
		TLSServerConfig: DefaultTLSServerConfig,
		Logger:          golog.NewGoLogger(golog.INFO, log.Default()),
	}

	for _, fn := range optFns {
		fn(&options)
	}

	if options.CA == nil || options.PrivateKey == nil {
		ca, privKey, err := NewCA()
		if err != nil {
			return nil, err
		}

		options.CA = ca
		options.PrivateKey = privKey
	}

	if _, ok := options.PrivateKey.(crypto.Signer); !ok {
		return nil, fmt.Errorf("unsupported CA key type %T", options.PrivateKey)
	}

	return &MITMConfig{
		logger:          &logger{options.Logger},
		ca:              options.CA,
		caPrivateKey:    options.PrivateKey,
		certDir:         options.CertDir,
		validity:        options.Validity,
		organization:    options.Organization,
		tlsServerConfig: options.TLSServerConfig,
		certStorage:     options.CertStorage,
		issuing:         make(map[string]*sync.Mutex),
	}, nil
}

// CA returns the authority cert
func (c *MITMConfig) CA() *x509.Certificate {
	return c.ca
}

// TLSConfigForHost creates a *tls.Config for the client-facing leg of an
// intercepted connection. The certificate is selected by the already
// parsed CONNECT target; SNI is not consulted.
func (c *MITMConfig) TLSConfigForHost(hostname string) *tls.Config {
	tlsConfig := c.tlsServerConfig.Clone()

	tlsConfig.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return c.GetLeaf(hostname)
	}

	return tlsConfig
}

// GetLeaf gets or creates a leaf certificate for the specified hostname.
// Cached leaves are returned as-is, without re-checking their validity
// window; a leaf past its NotAfter date keeps being served until the
// cache entry and the on-disk pair are removed by hand.
func (c *MITMConfig) GetLeaf(hostname string) (*tls.Certificate, error) {
	// Remove the port if it exists.
	host, _, err := net.SplitHostPort(hostname)
	if err == nil {
		hostname = host
	}

	if tlsCertificate, ok := c.certStorage.Get(hostname); ok {
		c.logDebugf("Cache hit for %s", hostname)
		return tlsCertificate, nil
	}

	lock := c.issuingLock(hostname)
	lock.Lock()
	defer lock.Unlock()

	// Another connection may have issued while we waited.
	if tlsCertificate, ok := c.certStorage.Get(hostname); ok {
		return tlsCertificate, nil
	}

	if tlsCertificate, err := c.loadLeaf(hostname); err == nil {
		c.logDebugf("Loaded leaf for %s from disk", hostname)
		c.certStorage.Add(hostname, tlsCertificate)

		return tlsCertificate, nil
	}

	c.logDebugf("Cache miss for %s", hostname)

	tlsCertificate, err := c.issueLeaf(hostname)
	if err != nil {
		return nil, err
	}

	c.certStorage.Add(hostname, tlsCertificate)

	return tlsCertificate, nil
}

func (c *MITMConfig) issuingLock(hostname string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.issuing[hostname]
	if !ok {
		lock = &sync.Mutex{}
		c.issuing[hostname] = lock
	}

	return lock
}

func (c *MITMConfig) issueLeaf(hostname string) (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, MaxSerialNumber)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{c.organization},
		},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		SignatureAlgorithm:    x509.SHA256WithRSA,
		BasicConstraintsValid: true,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(c.validity),
	}

	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{hostname}
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, c.ca, priv.Public(), c.caPrivateKey)
	if err != nil {
		return nil, err
	}

	// Parse certificate bytes so that we have a leaf certificate.
	x509c, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}

	if c.certDir != "" {
		if err := c.persistLeaf(hostname, priv, raw); err != nil {
			return nil, err
		}
	}

	return &tls.Certificate{
		Certificate: [][]byte{raw, c.ca.Raw},
		PrivateKey:  priv,
		Leaf:        x509c,
	}, nil
}

func (c *MITMConfig) loadLeaf(hostname string) (*tls.Certificate, error) {
	if c.certDir == "" {
		return nil, os.ErrNotExist
	}

	cert, err := tls.LoadX509KeyPair(c.leafPath(hostname, "crt"), c.leafPath(hostname, "key"))
	if err != nil {
		return nil, err
	}

	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}

	cert.Certificate = append(cert.Certificate, c.ca.Raw)

	return &cert, nil
}

func (c *MITMConfig) persistLeaf(hostname string, priv *rsa.PrivateKey, raw []byte) error {
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("cannot convert leaf key to DER format: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(c.leafPath(hostname, "key"), keyPEM, 0600); err != nil {
		return fmt.Errorf("cannot write leaf key to disk: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: raw})
	if err := os.WriteFile(c.leafPath(hostname, "crt"), certPEM, 0644); err != nil {
		return fmt.Errorf("cannot write leaf certificate to disk: %w", err)
	}

	return nil
}

func (c *MITMConfig) leafPath(hostname, ext string) string {
	return filepath.Join(c.certDir, hostname+"."+ext)
}
