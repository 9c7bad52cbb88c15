package smtp

import (
	"context"
	"io"
	"log/slog"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/YoRyan/mailrise/internal/dispatch"
	"github.com/YoRyan/mailrise/internal/message"
)

var (
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errTLSRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Must issue a STARTTLS command first",
	}
	errAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errNoRoute = &gosmtp.SMTPError{
		Code:         551,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "Recipient has no configured notification route",
	}
	errNoMatches = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "No recipient matched a configured route",
	}
	errBadMessage = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be processed",
	}
)

// backend creates a session per connection.
type backend struct {
	orch       *dispatch.Orchestrator
	username   string
	password   string
	requireTLS bool
}

func (b *backend) authEnabled() bool {
	return b.username != "" && b.password != ""
}

// NewSession initializes a session for a new connection. The session
// context is cancelled when the client disconnects, aborting any sink
// deliveries still in flight for that client's message.
func (b *backend) NewSession(conn *gosmtp.Conn) (gosmtp.Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		backend: b,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// session tracks one SMTP transaction at a time.
type session struct {
	backend *backend
	conn    *gosmtp.Conn
	ctx     context.Context
	cancel  context.CancelFunc

	authed bool
	from   string
	rcpts  []string
}

// AuthMechanisms advertises AUTH only when credentials are configured.
func (s *session) AuthMechanisms() []string {
	if !s.backend.authEnabled() {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// Auth verifies credentials for the advertised mechanisms.
func (s *session) Auth(mech string) (sasl.Server, error) {
	verify := func(username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			slog.Warn("authentication failed", "username", username)
			return errAuthFailed
		}
		s.authed = true
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return verify(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(verify), nil
	}
	return nil, gosmtp.ErrAuthUnsupported
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.backend.requireTLS {
		if _, ok := s.conn.TLSConnectionState(); !ok {
			return errTLSRequired
		}
	}
	if s.backend.authEnabled() && !s.authed {
		return errAuthRequired
	}
	s.from = from
	return nil
}

// Rcpt gives the per-recipient verdict: a recipient without a matching
// route is refused here so the sender learns which addresses were useless.
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if !s.backend.orch.AcceptsRecipient(to) {
		slog.Info("refused recipient", "recipient", to)
		return errNoRoute
	}
	slog.Info("accepted recipient", "recipient", to)
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data parses the message payload and hands it to the orchestrator. The
// overall verdict follows the aggregation rule: rejection only when zero
// recipients matched a route.
func (s *session) Data(r io.Reader) error {
	msg, err := message.Parse(s.from, s.rcpts, r)
	if err != nil {
		slog.Error("failed to parse message", "error", err)
		return errBadMessage
	}
	slog.Info("accepted message",
		"sender", msg.Sender,
		"subject", msg.Subject,
		"recipients", len(msg.Recipients),
	)

	outcome := s.backend.orch.Dispatch(s.ctx, msg)
	if !outcome.Accepted {
		return errNoMatches
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	s.cancel()
	return nil
}

var _ gosmtp.AuthSession = (*session)(nil)
