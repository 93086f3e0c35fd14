package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/hupe1980/golog"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"streamproxy"
	"streamproxy/store"
)

// Config is the YAML configuration surface. Command-line flags override
// anything set here.
type Config struct {
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Domains       []string `yaml:"domains"`
	UpstreamProxy string   `yaml:"upstream_proxy"`
	CertDir       string   `yaml:"cert_dir"`
	Admin         string   `yaml:"admin"`
	DB            string   `yaml:"db"`
	LogFile       string   `yaml:"log_file"`
	SinkWS        string   `yaml:"sink_ws"`
	NoForward     bool     `yaml:"no_forward"`
	Debug         bool     `yaml:"debug"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Host:    "127.0.0.1",
		Port:    3120,
		Domains: []string{"*.google.com"},
		CertDir: "certs",
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		host       = flag.String("host", "", "host to bind the proxy server")
		port       = flag.Int("port", 0, "port to bind the proxy server")
		domains    = flag.String("domains", "", "comma-separated domain patterns to intercept")
		proxyURL   = flag.String("proxy", "", "upstream proxy URL (http(s)://, socks4://, socks5://)")
		certDir    = flag.String("cert-dir", "", "directory for the CA and leaf certificates")
		admin      = flag.String("admin", "", "optional admin listen address serving /ca.crt")
		dbPath     = flag.String("db", "", "optional sqlite path recording decoded deltas")
		logFile    = flag.String("log-file", "", "optional rotating log file")
		sinkWS     = flag.String("sink-ws", "", "optional WebSocket URL to publish deltas to")
		noForward  = flag.Bool("no-forward", false, "consume intercepted responses instead of relaying them")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	// Flags given explicitly win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "domains":
			cfg.Domains = strings.Split(*domains, ",")
		case "proxy":
			cfg.UpstreamProxy = *proxyURL
		case "cert-dir":
			cfg.CertDir = *certDir
		case "admin":
			cfg.Admin = *admin
		case "db":
			cfg.DB = *dbPath
		case "log-file":
			cfg.LogFile = *logFile
		case "sink-ws":
			cfg.SinkWS = *sinkWS
		case "no-forward":
			cfg.NoForward = *noForward
		case "debug":
			cfg.Debug = *debug
		}
	})

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *Config) error {
	logOut := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		logOut = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		})
	}

	level := golog.INFO
	if cfg.Debug {
		level = golog.DEBUG
	}

	logger := golog.NewGoLogger(level, log.New(logOut, "", log.LstdFlags))

	if err := os.MkdirAll(cfg.CertDir, 0755); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}

	ca, privateKey, err := streamproxy.LoadOrCreateCA(
		filepath.Join(cfg.CertDir, "ca.crt"),
		filepath.Join(cfg.CertDir, "ca.key"),
	)
	if err != nil {
		return fmt.Errorf("root certificate: %w", err)
	}

	mitmCfg, err := streamproxy.NewMITMConfig(func(m *streamproxy.MITMOptions) {
		m.CA = ca
		m.PrivateKey = privateKey
		m.CertDir = cfg.CertDir
		m.Logger = logger
	})
	if err != nil {
		return err
	}

	connector, err := streamproxy.NewUpstreamConnector(cfg.UpstreamProxy, func(o *streamproxy.UpstreamConnectorOptions) {
		o.Logger = logger
	})
	if err != nil {
		return err
	}

	sinks := streamproxy.MultiSink{streamproxy.NewWriterSink(os.Stdout)}

	if cfg.DB != "" {
		recorder, err := store.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer recorder.Close()

		sinks = append(sinks, recorder)
	}

	if cfg.SinkWS != "" {
		wsSink, err := streamproxy.DialWebSocketSink(cfg.SinkWS, nil)
		if err != nil {
			return fmt.Errorf("connecting delta sink: %w", err)
		}
		defer wsSink.Close()

		sinks = append(sinks, wsSink)
	}

	server, err := streamproxy.New(func(o *streamproxy.Options) {
		o.MITMConfig = mitmCfg
		o.Connector = connector
		o.InterceptDomains = cfg.Domains
		o.Sink = sinks
		o.ForwardIntercepted = !cfg.NoForward
		o.Logger = logger
		o.OnReady = func(addr net.Addr) {
			logger.Printf(golog.INFO, "Proxy listening on %s, intercepting %v", addr, cfg.Domains)
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Admin != "" {
		router := mux.NewRouter()
		router.Handle("/ca.crt", streamproxy.NewCertHandler(mitmCfg.CA()))
		router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "ok")
		})

		go func() {
			if err := http.ListenAndServe(cfg.Admin, router); err != nil {
				logger.Printf(golog.ERROR, "Admin server failed: %v", err)
			}
		}()
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	if err := server.ListenAndServe(ctx, addr); err != nil && err != context.Canceled {
		return err
	}

	logger.Printf(golog.INFO, "Shutting down proxy server")

	return nil
}
