package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	// Registers extended charsets so non-UTF-8 mail decodes instead of erroring.
	_ "github.com/emersion/go-message/charset"
)

const (
	noSubject = "[no subject]"
	noSender  = "[no sender]"
)

// Parse reads a raw RFC 5322 message and builds a Message. The envelope
// sender and recipients come from the protocol layer; the subject and
// displayed sender come from the message headers when present.
//
// A payload that cannot be parsed as MIME at all degrades to a single
// plain-text part rather than failing, matching how mail clients treat
// malformed messages.
func Parse(envelopeFrom string, recipients []string, raw io.Reader) (*Message, error) {
	data, err := io.ReadAll(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read message payload: %w", err)
	}

	msg := &Message{
		Sender:     envelopeFrom,
		Recipients: recipients,
		Subject:    noSubject,
	}
	if msg.Sender == "" {
		msg.Sender = noSender
	}

	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil {
		msg.Parts = []Part{{ContentType: "text/plain", Content: data, Inline: true}}
		return msg, nil
	}
	defer mr.Close()

	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		msg.Subject = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = from[0].String()
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever parsed cleanly before the bad part.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, ctErr := h.ContentType()
			if ctErr != nil {
				contentType = "text/plain"
			}
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			msg.Parts = append(msg.Parts, Part{
				ContentType: contentType,
				Content:     content,
				Inline:      true,
			})

		case *mail.AttachmentHeader:
			contentType, _, ctErr := h.ContentType()
			if ctErr != nil {
				contentType = "application/octet-stream"
			}
			filename, _ := h.Filename()
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			msg.Parts = append(msg.Parts, Part{
				ContentType: contentType,
				Filename:    fallbackFilename(filename, contentType),
				Content:     content,
			})
		}
	}

	return msg, nil
}

// fallbackFilename supplies a name for attachments that arrive without one,
// derived from the media subtype.
func fallbackFilename(filename, contentType string) string {
	if filename != "" {
		return filename
	}
	if _, subtype, ok := strings.Cut(mediaType(contentType), "/"); ok {
		return "attachment." + subtype
	}
	return "attachment"
}
