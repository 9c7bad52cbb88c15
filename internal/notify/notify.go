// Package notify defines the notification payload model and the sink
// contract that delivery transports implement.
package notify

import (
	"context"
	"strings"
)

// Severity classifies a notification for downstream styling.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityFailure Severity = "failure"
)

// ParseSeverity converts a string into a Severity, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(s)) {
	case SeverityInfo:
		return SeverityInfo, true
	case SeveritySuccess:
		return SeveritySuccess, true
	case SeverityWarning:
		return SeverityWarning, true
	case SeverityFailure:
		return SeverityFailure, true
	}
	return "", false
}

// Format identifies the markup of a notification body. The zero value means
// the format has not been decided yet.
type Format string

const (
	FormatUnset    Format = ""
	FormatText     Format = "text"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

// ParseFormat converts a string into a Format, case-insensitively.
func ParseFormat(s string) (Format, bool) {
	switch Format(strings.ToLower(s)) {
	case FormatText:
		return FormatText, true
	case FormatHTML:
		return FormatHTML, true
	case FormatMarkdown:
		return FormatMarkdown, true
	}
	return FormatUnset, false
}

// Attachment is a file carried along with a notification.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Notification is a fully rendered notification, ready for delivery.
type Notification struct {
	Title       string
	Body        string
	Format      Format
	Severity    Severity
	Attachments []Attachment
}

// Sink delivers a notification to a single target. The target identifier
// syntax is owned by the sink implementation; the rest of the system treats
// targets as opaque strings.
type Sink interface {
	// Notify delivers the notification to the given target.
	// It returns an error if the delivery fails.
	Notify(ctx context.Context, target string, n *Notification) error

	// Name returns the human-readable name of this sink.
	Name() string
}

// TargetResult records the outcome of one target delivery.
type TargetResult struct {
	Target string
	Err    error
}
