package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/YoRyan/mailrise/internal/notify"
)

func testNotification() *notify.Notification {
	return &notify.Notification{
		Title:    "Backup complete (backups@example.com)",
		Body:     "All systems nominal.",
		Format:   notify.FormatText,
		Severity: notify.SeveritySuccess,
	}
}

// target rewrites an httptest server URL into a json:// target.
func target(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "json://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestNotify_Success(t *testing.T) {
	t.Parallel()

	var gotBody payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %q, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type: got %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWithClient(srv.Client())
	if err := s.Notify(context.Background(), target(t, srv), testNotification()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotBody.Title != "Backup complete (backups@example.com)" {
		t.Errorf("title: got %q", gotBody.Title)
	}
	if gotBody.Severity != "success" {
		t.Errorf("severity: got %q, want %q", gotBody.Severity, "success")
	}
	if gotBody.Format != "text" {
		t.Errorf("format: got %q, want %q", gotBody.Format, "text")
	}
	if len(gotBody.Attachments) != 0 {
		t.Errorf("attachments: got %d, want 0", len(gotBody.Attachments))
	}
}

func TestNotify_AttachmentPayload(t *testing.T) {
	t.Parallel()

	var gotBody payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotification()
	n.Attachments = []notify.Attachment{
		{Filename: "report.txt", ContentType: "text/plain", Content: []byte("weekly numbers")},
	}

	s := NewWithClient(srv.Client())
	if err := s.Notify(context.Background(), target(t, srv), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(gotBody.Attachments) != 1 {
		t.Fatalf("attachments: got %d, want 1", len(gotBody.Attachments))
	}
	att := gotBody.Attachments[0]
	if att.Filename != "report.txt" {
		t.Errorf("filename: got %q, want %q", att.Filename, "report.txt")
	}
	// encoding/json round-trips []byte through base64 transparently.
	if string(att.Data) != "weekly numbers" {
		t.Errorf("data: got %q, want %q", att.Data, "weekly numbers")
	}
}

func TestNotify_RetryOn5xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWithClient(srv.Client())
	if err := s.Notify(context.Background(), target(t, srv), testNotification()); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("call count: got %d, want 2", got)
	}
}

func TestNotify_PermanentErrorNoRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewWithClient(srv.Client())
	err := s.Notify(context.Background(), target(t, srv), testNotification())
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("call count: got %d, want 1", got)
	}
	if !strings.Contains(err.Error(), "HTTP 400") {
		t.Errorf("error message: got %q, want to contain 'HTTP 400'", err.Error())
	}
}

func TestNotify_RateLimitHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWithClient(srv.Client())
	if err := s.Notify(context.Background(), target(t, srv), testNotification()); err != nil {
		t.Fatalf("expected success after rate limit, got: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("call count: got %d, want 2", got)
	}
}

func TestNotify_BadTarget(t *testing.T) {
	t.Parallel()

	s := New()
	if err := s.Notify(context.Background(), "ses://ops@example.com", testNotification()); err == nil {
		t.Error("expected error for non-webhook target")
	}
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		target  string
		want    string
		wantErr bool
	}{
		{"json://host/hook", "http://host/hook", false},
		{"jsons://host/hook", "https://host/hook", false},
		{"stdout://", "", true},
		{"host/hook", "", true},
	}
	for _, tc := range tests {
		got, err := endpointURL(tc.target)
		if tc.wantErr {
			if err == nil {
				t.Errorf("endpointURL(%q): expected error", tc.target)
			}
			continue
		}
		if err != nil {
			t.Errorf("endpointURL(%q): unexpected error: %v", tc.target, err)
			continue
		}
		if got != tc.want {
			t.Errorf("endpointURL(%q): got %q, want %q", tc.target, got, tc.want)
		}
	}
}
