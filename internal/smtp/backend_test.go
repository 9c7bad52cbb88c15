package smtp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/YoRyan/mailrise/internal/dispatch"
	"github.com/YoRyan/mailrise/internal/notify"
	"github.com/YoRyan/mailrise/internal/router"
)

type recordingSink struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingSink) Notify(_ context.Context, targets []string, _ *notify.Notification) []notify.TargetResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	results := make([]notify.TargetResult, len(targets))
	for i, target := range targets {
		results[i] = notify.TargetResult{Target: target}
	}
	return results
}

func testOrchestrator(t *testing.T, sink dispatch.Sink) *dispatch.Orchestrator {
	t.Helper()
	rule, err := router.NewRule("ops", "mailrise.xyz")
	if err != nil {
		t.Fatal(err)
	}
	rule.Targets = []string{"stdout://"}
	rule.TitleTemplate = "$subject"
	rule.BodyTemplate = "$body"
	table := router.NewTable("mailrise.xyz", []*router.Rule{rule})
	return dispatch.New(table, sink, notify.SeverityInfo)
}

func newTestSession(t *testing.T, b *backend) *session {
	t.Helper()
	sess, err := b.NewSession(nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess.(*session)
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("got %v, want *gosmtp.SMTPError", err)
	}
	return smtpErr.Code
}

func TestRcptVerdicts(t *testing.T) {
	t.Parallel()

	b := &backend{orch: testOrchestrator(t, &recordingSink{})}
	s := newTestSession(t, b)

	if err := s.Rcpt("ops@mailrise.xyz", nil); err != nil {
		t.Errorf("routed recipient: unexpected error: %v", err)
	}
	if err := s.Rcpt("ops.failure@mailrise.xyz", nil); err != nil {
		t.Errorf("flagged recipient: unexpected error: %v", err)
	}

	err := s.Rcpt("nobody@mailrise.xyz", nil)
	if err == nil {
		t.Fatal("unrouted recipient: expected error")
	}
	if code := smtpCode(t, err); code != 551 {
		t.Errorf("code: got %d, want 551", code)
	}

	if len(s.rcpts) != 2 {
		t.Errorf("accepted recipients: got %d, want 2", len(s.rcpts))
	}
}

func TestMailRequiresAuth(t *testing.T) {
	t.Parallel()

	b := &backend{orch: testOrchestrator(t, &recordingSink{}), username: "admin", password: "secret"}
	s := newTestSession(t, b)

	err := s.Mail("sender@example.com", nil)
	if err == nil {
		t.Fatal("expected auth-required error")
	}
	if code := smtpCode(t, err); code != 530 {
		t.Errorf("code: got %d, want 530", code)
	}

	s.authed = true
	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Errorf("after auth: unexpected error: %v", err)
	}
}

func TestAuthPlain(t *testing.T) {
	t.Parallel()

	b := &backend{orch: testOrchestrator(t, &recordingSink{}), username: "admin", password: "secret"}
	s := newTestSession(t, b)

	mechs := s.AuthMechanisms()
	if len(mechs) != 2 || mechs[0] != sasl.Plain {
		t.Fatalf("AuthMechanisms: got %v", mechs)
	}

	srv, err := s.Auth(sasl.Plain)
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if _, _, err := srv.Next(nil); err != nil {
		t.Fatalf("initial challenge: %v", err)
	}
	if _, _, err := srv.Next([]byte("\x00admin\x00secret")); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if !s.authed {
		t.Error("authed: got false, want true")
	}

	s2 := newTestSession(t, b)
	srv, _ = s2.Auth(sasl.Plain)
	srv.Next(nil)
	if _, _, err := srv.Next([]byte("\x00admin\x00wrong")); err == nil {
		t.Error("invalid credentials accepted")
	}
	if s2.authed {
		t.Error("authed after failed login: got true, want false")
	}
}

func TestAuthDisabled(t *testing.T) {
	t.Parallel()

	b := &backend{orch: testOrchestrator(t, &recordingSink{})}
	s := newTestSession(t, b)

	if mechs := s.AuthMechanisms(); mechs != nil {
		t.Errorf("AuthMechanisms: got %v, want nil", mechs)
	}
	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDataDispatches(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	b := &backend{orch: testOrchestrator(t, sink)}
	s := newTestSession(t, b)

	s.from = "sender@example.com"
	s.rcpts = []string{"ops@mailrise.xyz"}

	raw := strings.Join([]string{
		"From: sender@example.com",
		"Subject: hello",
		"Content-Type: text/plain",
		"",
		"body text",
	}, "\r\n")

	if err := s.Data(strings.NewReader(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.calls != 1 {
		t.Errorf("sink calls: got %d, want 1", sink.calls)
	}
}

func TestDataZeroMatchesRejected(t *testing.T) {
	t.Parallel()

	// A route removed between RCPT and DATA (table reload) leaves zero
	// matching recipients: the message is rejected outright.
	sink := &recordingSink{}
	orch := testOrchestrator(t, sink)
	b := &backend{orch: orch}
	s := newTestSession(t, b)

	s.from = "sender@example.com"
	s.rcpts = []string{"ops@mailrise.xyz"}
	orch.ReplaceTable(router.NewTable("mailrise.xyz", nil))

	err := s.Data(strings.NewReader("Subject: x\r\n\r\nbody"))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if code := smtpCode(t, err); code != 554 {
		t.Errorf("code: got %d, want 554", code)
	}
	if sink.calls != 0 {
		t.Errorf("sink calls: got %d, want 0", sink.calls)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	b := &backend{orch: testOrchestrator(t, &recordingSink{})}
	s := newTestSession(t, b)
	s.from = "x@example.com"
	s.rcpts = []string{"ops@mailrise.xyz"}

	s.Reset()

	if s.from != "" || s.rcpts != nil {
		t.Errorf("Reset left state: from=%q rcpts=%v", s.from, s.rcpts)
	}
}
