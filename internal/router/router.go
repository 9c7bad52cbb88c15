// Package router resolves recipient addresses to configured notification
// routes. A route table is an ordered list of rules matched first-to-last,
// so operators can place specific rules ahead of a catch-all wildcard.
package router

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/YoRyan/mailrise/internal/notify"
)

// FlagSeparator introduces a severity flag in the local part of a recipient
// address, as in "alerts.failure@mailrise.xyz". It is reserved for that use:
// rule patterns may not contain it in their local part.
const FlagSeparator = "."

// Recipient is the routing information carried by one recipient address.
type Recipient struct {
	// Raw is the address as it appeared in the envelope.
	Raw string

	// BareName is the address with any severity flag removed from the
	// local part.
	BareName string

	// Severity is the notification severity for this recipient.
	Severity notify.Severity

	// Flagged reports whether Severity came from an explicit address flag
	// rather than the configured default.
	Flagged bool
}

// ConfigName returns the recipient's name as an operator would have written
// it in the configuration: the local part alone when the domain is the
// default domain, the full address otherwise.
func (r Recipient) ConfigName(defaultDomain string) string {
	if local, ok := strings.CutSuffix(r.BareName, "@"+defaultDomain); ok && !strings.Contains(local, "@") {
		return local
	}
	return r.BareName
}

// ParseRecipient splits addr into its bare name and optional severity flag.
// It never fails: input without a recognizable flag passes through unchanged
// with the default severity. Only the suffix after the first separator in
// the local part is considered as a flag.
func ParseRecipient(addr string, defaultSeverity notify.Severity) Recipient {
	rcpt := Recipient{Raw: addr, Severity: defaultSeverity}

	bare := addr
	if parsed, err := mail.ParseAddress(addr); err == nil {
		bare = parsed.Address
	} else {
		bare = strings.TrimSpace(addr)
	}
	rcpt.BareName = bare

	at := strings.LastIndex(bare, "@")
	if at < 0 {
		return rcpt
	}
	local, domain := bare[:at], bare[at+1:]

	sep := strings.Index(local, FlagSeparator)
	if sep < 0 {
		return rcpt
	}
	if severity, ok := notify.ParseSeverity(local[sep+1:]); ok {
		rcpt.BareName = local[:sep] + "@" + domain
		rcpt.Severity = severity
		rcpt.Flagged = true
	}
	return rcpt
}

// Rule maps an address pattern to notification targets and rendering
// defaults. Rules are constructed at configuration load and not modified
// afterwards.
type Rule struct {
	// Pattern is the configured address pattern, possibly containing the
	// glob tokens "*", "?" and "[...]". A pattern without "@" is matched
	// against the table's default domain.
	Pattern string

	// Targets are opaque sink destination identifiers.
	Targets []string

	// TitleTemplate and BodyTemplate render the notification texts.
	TitleTemplate string
	BodyTemplate  string

	// BodyFormat, when not FormatUnset, forces the notification body
	// format regardless of what the email provides.
	BodyFormat notify.Format

	// BodyPattern, when non-nil, extracts the $body template variable
	// from the negotiated email content.
	BodyPattern *regexp.Regexp

	matcher *regexp.Regexp
}

// NewRule validates pattern and compiles its matcher. Bare patterns (no "@")
// are expanded with defaultDomain before compilation. The caller fills in
// the remaining rule fields before handing the rule to NewTable.
func NewRule(pattern, defaultDomain string) (*Rule, error) {
	full := pattern
	local := pattern
	if at := strings.LastIndex(pattern, "@"); at >= 0 {
		local = pattern[:at]
	} else {
		full = pattern + "@" + defaultDomain
	}
	if strings.Contains(local, FlagSeparator) {
		return nil, fmt.Errorf("rule pattern %q: local part must not contain %q, which is reserved for severity flags",
			pattern, FlagSeparator)
	}

	matcher, err := globRegexp(full)
	if err != nil {
		return nil, fmt.Errorf("rule pattern %q: %w", pattern, err)
	}
	return &Rule{Pattern: pattern, matcher: matcher}, nil
}

// Matches reports whether the rule's pattern matches the full local@domain
// name. Matching is case-sensitive.
func (r *Rule) Matches(name string) bool {
	return r.matcher.MatchString(name)
}

// Table is an immutable, ordered route table. Replace the whole table to
// change routing; concurrent readers always observe a consistent rule list.
type Table struct {
	defaultDomain string
	rules         []*Rule
}

// NewTable builds a table over rules, which are evaluated in the given
// order.
func NewTable(defaultDomain string, rules []*Rule) *Table {
	return &Table{defaultDomain: defaultDomain, rules: rules}
}

// DefaultDomain returns the domain used to expand bare names and patterns.
func (t *Table) DefaultDomain() string { return t.defaultDomain }

// Rules returns the table's rules in evaluation order.
func (t *Table) Rules() []*Rule { return t.rules }

// Len returns the number of rules.
func (t *Table) Len() int { return len(t.rules) }

// Resolve returns the first rule matching bareName, expanding a name
// without "@" with the default domain. The second return value is false if
// no rule matches.
func (t *Table) Resolve(bareName string) (*Rule, bool) {
	name := bareName
	if !strings.Contains(name, "@") {
		name += "@" + t.defaultDomain
	}
	for _, rule := range t.rules {
		if rule.Matches(name) {
			return rule, true
		}
	}
	return nil, false
}

// globRegexp translates a shell glob into an anchored regular expression,
// compiled once at rule load so recipient matching never re-parses the
// pattern.
func globRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`\A`)
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i + 1
			negate := false
			if j < len(glob) && (glob[j] == '!' || glob[j] == '^') {
				negate = true
				j++
			}
			// A ']' directly after the opening bracket is a class member.
			if j < len(glob) && glob[j] == ']' {
				j++
			}
			for j < len(glob) && glob[j] != ']' {
				j++
			}
			if j >= len(glob) {
				// Unclosed bracket matches itself.
				b.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			b.WriteByte('[')
			if negate {
				b.WriteByte('^')
			}
			b.WriteString(escapeClass(glob[i+1+boolToInt(negate) : j]))
			b.WriteByte(']')
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`\z`)
	return regexp.Compile(b.String())
}

// escapeClass escapes characters that are special inside a regexp character
// class while keeping "-" ranges intact.
func escapeClass(class string) string {
	var b strings.Builder
	for i := 0; i < len(class); i++ {
		switch c := class[i]; c {
		case '\\', '^', ']':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
