// Package smtp adapts the go-smtp protocol server to the dispatch
// pipeline. The SMTP state machine, STARTTLS negotiation, and AUTH
// challenge/response all live in go-smtp; this package supplies the
// per-recipient verdicts and the DATA handoff.
package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/YoRyan/mailrise/internal/dispatch"
	mailrisetls "github.com/YoRyan/mailrise/internal/tls"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// sessionTimeout bounds reads and writes on a client connection.
const sessionTimeout = 60 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8025").
	ListenAddr string

	// Hostname is the server hostname used in greetings and EHLO responses.
	Hostname string

	// MaxMessageSize caps the DATA payload in bytes.
	MaxMessageSize int64

	// Orchestrator converts accepted messages into notifications.
	Orchestrator *dispatch.Orchestrator

	// TLSConfig enables TLS according to TLSMode. Required for any mode
	// other than off.
	TLSConfig *tls.Config

	// TLSMode selects how TLS is offered.
	TLSMode mailrisetls.Mode

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string
}

// Server accepts SMTP connections and hands accepted messages to the
// dispatch orchestrator.
type Server struct {
	config ServerConfig
	inner  *gosmtp.Server
}

// New creates a Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	be := &backend{
		orch:       cfg.Orchestrator,
		username:   cfg.AuthUsername,
		password:   cfg.AuthPassword,
		requireTLS: cfg.TLSMode == mailrisetls.ModeSTARTTLSRequire,
	}

	inner := gosmtp.NewServer(be)
	inner.Addr = cfg.ListenAddr
	inner.Domain = cfg.Hostname
	inner.ReadTimeout = sessionTimeout
	inner.WriteTimeout = sessionTimeout
	inner.MaxMessageBytes = cfg.MaxMessageSize
	inner.MaxRecipients = 100
	if cfg.TLSMode != mailrisetls.ModeOff {
		inner.TLSConfig = cfg.TLSConfig
	}
	// Without TLS there is no secure channel for credentials, so plaintext
	// AUTH must be allowed explicitly.
	inner.AllowInsecureAuth = cfg.TLSMode == mailrisetls.ModeOff

	return &Server{config: cfg, inner: inner}
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting new connections and waits
// up to 30 seconds for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSMode == mailrisetls.ModeOnConnect {
			errCh <- s.inner.ListenAndServeTLS()
		} else {
			errCh <- s.inner.ListenAndServe()
		}
	}()

	slog.Info("SMTP server listening",
		"addr", s.config.ListenAddr,
		"hostname", s.config.Hostname,
		"tls_mode", string(s.config.TLSMode),
		"auth_enabled", s.config.AuthUsername != "",
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down SMTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.inner.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown timeout reached, forcing close", "error", err)
			s.inner.Close()
		}
		return nil
	}
}
