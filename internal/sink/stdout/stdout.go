// Package stdout implements a Sink that prints notifications to standard
// output. Useful for development and as a delivery target of last resort.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/YoRyan/mailrise/internal/notify"
)

// Sink prints notifications in a human-readable format.
type Sink struct {
	writer io.Writer
}

// New creates a stdout Sink that writes to os.Stdout.
func New() *Sink {
	return &Sink{writer: os.Stdout}
}

// NewWithWriter creates a stdout Sink that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Sink {
	return &Sink{writer: w}
}

// Notify prints the notification. It always succeeds.
func (s *Sink) Notify(_ context.Context, target string, n *notify.Notification) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Target: %s\n", target)
	fmt.Fprintf(&b, "Severity: %s\n", n.Severity)
	fmt.Fprintf(&b, "Title: %s\n", n.Title)
	fmt.Fprintf(&b, "Body (%s):\n%s\n", n.Format, n.Body)

	if len(n.Attachments) > 0 {
		names := make([]string, 0, len(n.Attachments))
		for _, att := range n.Attachments {
			names = append(names, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}

	b.WriteString("========================================\n")

	fmt.Fprint(s.writer, b.String())
	return nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
