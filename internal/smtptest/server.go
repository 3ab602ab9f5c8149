package smtptest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	tlsutil "github.com/shineum/smtp-send-lite/internal/tls"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions on Close.
const shutdownTimeout = 5 * time.Second

// ServerConfig holds the configuration for a test server.
type ServerConfig struct {
	// ListenAddr defaults to 127.0.0.1:0.
	ListenAddr string

	// Hostname defaults to localhost.
	Hostname string

	// Username and Password form the only account AUTH accepts.
	Username string
	Password string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// RejectRecipients lists addresses refused at RCPT.
	RejectRecipients []string
}

// Server accepts connections on a loopback port and records each session.
type Server struct {
	config   ServerConfig
	listener net.Listener
	journal  journal

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server. Call Start to begin accepting connections.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	return &Server{config: cfg}
}

// Start listens and serves in the background until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	sessionCfg := SessionConfig{
		Hostname:         s.config.Hostname,
		Auth:             NewAuthenticator(s.config.Username, s.config.Password),
		TLSConfig:        s.config.TLSConfig,
		RejectRecipients: s.config.RejectRecipients,
	}

	slog.Debug("test SMTP server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				newSession(conn, sessionCfg, &s.journal).Handle(ctx)
			}()
		}
	}()

	return nil
}

// Close stops accepting connections and waits for in-flight sessions.
func (s *Server) Close() {
	if s.listener == nil {
		return
	}
	s.listener.Close()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, sessions still open")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// Sessions returns a copy of the records of every session so far, in
// connection order.
func (s *Server) Sessions() []Record {
	return s.journal.snapshot()
}

// TLSServer is a started Server offering STARTTLS with a fresh self-signed
// certificate. CAFile is a PEM file clients can trust.
type TLSServer struct {
	*Server
	CAFile string
}

// Start runs a Server for the duration of t with STARTTLS enabled and the
// given account. It is stopped with t.Cleanup.
func Start(t testing.TB, username, password string) *TLSServer {
	t.Helper()
	return StartWithConfig(t, ServerConfig{Username: username, Password: password})
}

// StartWithConfig is Start with full control over the server. A STARTTLS
// certificate is generated unless cfg.TLSConfig is set.
func StartWithConfig(t testing.TB, cfg ServerConfig) *TLSServer {
	t.Helper()

	cert, certPEM, err := tlsutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}

	caFile := filepath.Join(t.TempDir(), "smtptest-ca.pem")
	if err := os.WriteFile(caFile, certPEM, 0o600); err != nil {
		t.Fatalf("failed to write CA file: %v", err)
	}

	if cfg.TLSConfig == nil {
		cfg.TLSConfig = tlsutil.ServerConfig(cert)
	}

	srv := New(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start SMTP server: %v", err)
	}
	t.Cleanup(srv.Close)

	return &TLSServer{Server: srv, CAFile: caFile}
}

// StartPlain runs a Server for the duration of t without STARTTLS.
func StartPlain(t testing.TB, username, password string) *Server {
	t.Helper()

	srv := New(ServerConfig{Username: username, Password: password})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start SMTP server: %v", err)
	}
	t.Cleanup(srv.Close)

	return srv
}
