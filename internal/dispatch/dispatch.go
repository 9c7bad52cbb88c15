// Package dispatch drives recipient resolution, notification assembly, and
// sink fan-out for each inbound message, and folds the per-recipient
// outcomes into a single protocol-level verdict.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/YoRyan/mailrise/internal/message"
	"github.com/YoRyan/mailrise/internal/notify"
	"github.com/YoRyan/mailrise/internal/router"
	"github.com/YoRyan/mailrise/internal/template"
)

// Sink is the delivery capability the orchestrator fans out to. Its target
// identifier syntax is opaque here.
type Sink interface {
	Notify(ctx context.Context, targets []string, n *notify.Notification) []notify.TargetResult
}

// RecipientResult records the outcome for one envelope recipient.
type RecipientResult struct {
	// Address is the raw recipient address.
	Address string

	// Matched reports whether a routing rule matched the recipient.
	Matched bool

	// Delivered reports whether every target delivery succeeded.
	// Meaningless when Matched is false.
	Delivered bool

	// Err carries the render or delivery failure, if any.
	Err error
}

// Outcome is the aggregate verdict for one message.
type Outcome struct {
	// Accepted is true if at least one recipient matched a route. Sink
	// delivery failures do not withdraw acceptance.
	Accepted bool

	// Recipients holds one result per envelope recipient, in envelope
	// order.
	Recipients []RecipientResult
}

// Orchestrator converts inbound messages into notifications. The route
// table it consults can be swapped wholesale at any time; in-flight
// dispatches keep the snapshot they started with.
type Orchestrator struct {
	table           atomic.Pointer[router.Table]
	sink            Sink
	defaultSeverity notify.Severity
}

// New creates an Orchestrator over the given route table and sink.
func New(table *router.Table, sink Sink, defaultSeverity notify.Severity) *Orchestrator {
	o := &Orchestrator{
		sink:            sink,
		defaultSeverity: defaultSeverity,
	}
	o.table.Store(table)
	return o
}

// ReplaceTable atomically installs a new route table. Dispatches already
// running continue against the table they captured.
func (o *Orchestrator) ReplaceTable(table *router.Table) {
	o.table.Store(table)
}

// Table returns the active route table.
func (o *Orchestrator) Table() *router.Table {
	return o.table.Load()
}

// AcceptsRecipient reports whether addr currently resolves to a configured
// route. The protocol layer uses it for per-recipient accept/reject
// responses.
func (o *Orchestrator) AcceptsRecipient(addr string) bool {
	rcpt := router.ParseRecipient(addr, o.defaultSeverity)
	_, ok := o.Table().Resolve(rcpt.BareName)
	return ok
}

// Dispatch converts msg into notifications, one per recipient with a
// matching route, and delivers them. Recipient failures are isolated: a
// failed render or delivery never blocks the remaining recipients.
func (o *Orchestrator) Dispatch(ctx context.Context, msg *message.Message) Outcome {
	table := o.Table()
	attachments := msg.Attachments()

	// Negotiation depends only on the rule's configured format, so it is
	// computed at most once per format across all recipients.
	type negotiated struct {
		body   string
		format notify.Format
	}
	negotiations := make(map[notify.Format]negotiated)
	negotiate := func(configured notify.Format) negotiated {
		if n, ok := negotiations[configured]; ok {
			return n
		}
		body, format := msg.Negotiate(configured)
		n := negotiated{body: body, format: format}
		negotiations[configured] = n
		return n
	}

	outcome := Outcome{
		Recipients: make([]RecipientResult, len(msg.Recipients)),
	}

	var wg sync.WaitGroup
	for i, addr := range msg.Recipients {
		result := &outcome.Recipients[i]
		result.Address = addr

		rcpt := router.ParseRecipient(addr, o.defaultSeverity)
		rule, ok := table.Resolve(rcpt.BareName)
		if !ok {
			slog.Warn("recipient has no configured route", "recipient", addr)
			continue
		}
		result.Matched = true
		outcome.Accepted = true

		content := negotiate(rule.BodyFormat)
		n, err := buildNotification(rule, rcpt, msg, content.body, content.format, attachments, table.DefaultDomain())
		if err != nil {
			slog.Error("failed to render notification",
				"recipient", addr,
				"error", err,
			)
			result.Err = err
			continue
		}

		// Only the sink calls block; run them off the resolution loop so
		// no recipient's delivery stalls the others.
		wg.Add(1)
		go func(result *RecipientResult, targets []string, n *notify.Notification) {
			defer wg.Done()
			result.Delivered = true
			var errs []error
			for _, tr := range o.sink.Notify(ctx, targets, n) {
				if tr.Err != nil {
					result.Delivered = false
					errs = append(errs, tr.Err)
					slog.Error("notification delivery failed",
						"recipient", result.Address,
						"target", tr.Target,
						"error", tr.Err,
					)
				}
			}
			result.Err = errors.Join(errs...)
		}(result, rule.Targets, n)
	}
	wg.Wait()

	if !outcome.Accepted {
		slog.Warn("message matched no configured route",
			"sender", msg.Sender,
			"recipients", len(msg.Recipients),
		)
	}
	return outcome
}

// buildNotification renders the notification for one matched recipient.
func buildNotification(rule *router.Rule, rcpt router.Recipient, msg *message.Message,
	body string, format notify.Format, attachments []notify.Attachment, defaultDomain string) (*notify.Notification, error) {

	if rule.BodyPattern != nil {
		match := rule.BodyPattern.FindString(body)
		if match == "" {
			return nil, fmt.Errorf("no body content matches pattern %q", rule.BodyPattern)
		}
		body = match
	}

	vars := &template.Variables{
		Subject: msg.Subject,
		From:    msg.Sender,
		Body:    body,
		To:      rcpt.BareName,
		Config:  rcpt.ConfigName(defaultDomain),
		Type:    string(rcpt.Severity),
	}

	title, err := template.Render(rule.TitleTemplate, vars)
	if err != nil {
		return nil, fmt.Errorf("title template: %w", err)
	}
	rendered, err := template.Render(rule.BodyTemplate, vars)
	if err != nil {
		return nil, fmt.Errorf("body template: %w", err)
	}

	return &notify.Notification{
		Title:       title,
		Body:        rendered,
		Format:      format,
		Severity:    rcpt.Severity,
		Attachments: attachments,
	}, nil
}
