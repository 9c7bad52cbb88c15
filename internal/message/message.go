// Package message defines the inbound email model and converts protocol
// payloads into it. A parsed message keeps its MIME parts in document order
// so downstream negotiation and attachment handling stay deterministic.
package message

import (
	"strings"

	"github.com/YoRyan/mailrise/internal/notify"
)

// Part is one MIME part of an inbound message.
type Part struct {
	// ContentType is the media type, e.g. "text/plain".
	ContentType string

	// Filename is the declared filename, if any.
	Filename string

	// Content is the decoded payload.
	Content []byte

	// Inline is true for parts that are candidates for the notification
	// body; attachments have it false.
	Inline bool
}

// Message is an inbound email accepted for notifying. It is immutable once
// constructed.
type Message struct {
	// Sender is the address the message claims to be from.
	Sender string

	// Recipients are the envelope recipients, in envelope order.
	// Duplicates are kept.
	Recipients []string

	// Subject is the decoded subject line.
	Subject string

	// Parts are the MIME parts in document order.
	Parts []Part
}

// bodyCandidate reports whether a part can serve as the notification body.
func bodyCandidate(p Part) bool {
	if !p.Inline {
		return false
	}
	switch mediaType(p.ContentType) {
	case "text/plain", "text/html", "text/markdown":
		return true
	}
	return false
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Negotiate selects the notification body and its format from the message.
//
// With a configured format, the candidate part whose native type matches is
// chosen; if there is none, the plain-text content is used but the
// configured format is kept, so the sink still honors the operator's
// intent. With no configured format, the format is inferred from whichever
// candidate is present, preferring plain text when the message carries both
// alternatives.
func (m *Message) Negotiate(configured notify.Format) (string, notify.Format) {
	var plain, html, markdown *Part
	for i := range m.Parts {
		p := &m.Parts[i]
		if !bodyCandidate(*p) {
			continue
		}
		switch mediaType(p.ContentType) {
		case "text/plain":
			if plain == nil {
				plain = p
			}
		case "text/html":
			if html == nil {
				html = p
			}
		case "text/markdown":
			if markdown == nil {
				markdown = p
			}
		}
	}

	content := func(p *Part) string {
		if p == nil {
			return ""
		}
		return strings.TrimSpace(string(p.Content))
	}

	switch configured {
	case notify.FormatText:
		return content(plain), notify.FormatText
	case notify.FormatHTML:
		if html != nil {
			return content(html), notify.FormatHTML
		}
		return content(plain), notify.FormatHTML
	case notify.FormatMarkdown:
		if markdown != nil {
			return content(markdown), notify.FormatMarkdown
		}
		return content(plain), notify.FormatMarkdown
	}

	switch {
	case plain != nil:
		return content(plain), notify.FormatText
	case html != nil:
		return content(html), notify.FormatHTML
	case markdown != nil:
		return content(markdown), notify.FormatMarkdown
	}
	return "", notify.FormatText
}

// Attachments returns the message's attachments as notification
// attachments, preserving document order.
func (m *Message) Attachments() []notify.Attachment {
	var out []notify.Attachment
	for _, p := range m.Parts {
		if bodyCandidate(p) {
			continue
		}
		out = append(out, notify.Attachment{
			Filename:    p.Filename,
			ContentType: mediaType(p.ContentType),
			Content:     p.Content,
		})
	}
	return out
}
