// Package webhook implements a Sink that POSTs notifications as JSON to
// HTTP endpoints. Targets use the schemes "json://host/path" (HTTP) and
// "jsons://host/path" (HTTPS).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/YoRyan/mailrise/internal/notify"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Sink delivers notifications to webhook endpoints.
type Sink struct {
	httpClient *http.Client
}

// New creates a webhook Sink with a default HTTP client.
func New() *Sink {
	return &Sink{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// NewWithClient creates a webhook Sink with a custom HTTP client, used for
// testing.
func NewWithClient(client *http.Client) *Sink {
	return &Sink{httpClient: client}
}

// payload is the JSON document delivered to the endpoint.
type payload struct {
	Title       string              `json:"title"`
	Body        string              `json:"body"`
	Format      string              `json:"format"`
	Severity    string              `json:"severity"`
	Attachments []payloadAttachment `json:"attachments,omitempty"`
}

type payloadAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"` // base64 by encoding/json convention
}

// Notify POSTs the notification to the endpoint named by target. Transient
// failures are retried with exponential backoff, honoring a Retry-After
// header on HTTP 429.
func (s *Sink) Notify(ctx context.Context, target string, n *notify.Notification) error {
	endpoint, err := endpointURL(target)
	if err != nil {
		return err
	}

	bodyJSON, err := json.Marshal(buildPayload(n))
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying webhook request",
				"endpoint", endpoint,
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := s.doPost(ctx, endpoint, bodyJSON)
		if err == nil {
			return nil
		}
		lastErr = err

		sendErr, ok := err.(*sendError)
		if !ok {
			return err
		}

		switch {
		case sendErr.permanent:
			return sendErr
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay := retryAfterDelay(sendErr.retryAfter, attempt)
			slog.Info("rate limited by webhook endpoint",
				"endpoint", endpoint,
				"retry_after", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case sendErr.transient:
			delay := backoffDelay(attempt)
			slog.Info("transient webhook error, retrying",
				"endpoint", endpoint,
				"status", sendErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return sendErr
		}
	}

	return fmt.Errorf("webhook request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "webhook"
}

// endpointURL converts a json:// or jsons:// target into an HTTP URL.
func endpointURL(target string) (string, error) {
	switch {
	case strings.HasPrefix(target, "json://"):
		return "http://" + strings.TrimPrefix(target, "json://"), nil
	case strings.HasPrefix(target, "jsons://"):
		return "https://" + strings.TrimPrefix(target, "jsons://"), nil
	}
	return "", fmt.Errorf("target %q is not a webhook target", target)
}

func buildPayload(n *notify.Notification) payload {
	p := payload{
		Title:    n.Title,
		Body:     n.Body,
		Format:   string(n.Format),
		Severity: string(n.Severity),
	}
	for _, att := range n.Attachments {
		p.Attachments = append(p.Attachments, payloadAttachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Data:        att.Content,
		})
	}
	return p
}

// doPost performs a single HTTP request to the endpoint.
func (s *Sink) doPost(ctx context.Context, endpoint string, bodyJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// sendError represents an HTTP delivery failure with classification for
// retry logic.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("webhook error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses a Retry-After header value, falling back to
// exponential backoff if it is missing or unparseable.
func retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter == "" {
		return backoffDelay(attempt)
	}
	seconds, err := strconv.Atoi(retryAfter)
	if err != nil || seconds <= 0 {
		return backoffDelay(attempt)
	}
	return time.Duration(seconds) * time.Second
}

// backoffDelay returns the exponential backoff delay for the given attempt.
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for d or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
