// Package template implements the $variable substitution language used by
// notification title and body templates.
//
// A template may reference the variables $subject, $from, $body, $to,
// $config and $type, either bare ("$subject") or braced ("${subject}").
// "$$" produces a literal dollar sign. Substitution is a single pass:
// rendered variable values are never re-scanned for further references.
package template

import "fmt"

// Error reports a template reference to a variable outside the recognized
// set, written in the braced form.
type Error struct {
	Ref string
}

func (e *Error) Error() string {
	return fmt.Sprintf("template references unknown variable %s", e.Ref)
}

// Variables holds the values available to a template. The field set is
// fixed; templates cannot reach anything else.
type Variables struct {
	Subject string
	From    string
	Body    string
	To      string
	Config  string
	Type    string
}

func (v *Variables) lookup(name string) (string, bool) {
	switch name {
	case "subject":
		return v.Subject, true
	case "from":
		return v.From, true
	case "body":
		return v.Body, true
	case "to":
		return v.To, true
	case "config":
		return v.Config, true
	case "type":
		return v.Type, true
	}
	return "", false
}

// Render substitutes variable references in tmpl. A bare reference to an
// unrecognized name is kept as literal text, so incidental dollar signs in
// free-form templates do not break rendering. A braced reference to an
// unrecognized name returns an *Error.
func Render(tmpl string, vars *Variables) (string, error) {
	return scan(tmpl, vars)
}

// Validate checks tmpl without rendering it. It reports the errors Render
// would report for any variable set, which lets configuration loading fail
// before the first message arrives.
func Validate(tmpl string) error {
	_, err := scan(tmpl, nil)
	return err
}

func scan(tmpl string, vars *Variables) (string, error) {
	var out []byte
	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c != '$' {
			out = append(out, c)
			i++
			continue
		}
		if i+1 >= len(tmpl) {
			// Trailing marker with nothing after it is literal.
			out = append(out, c)
			break
		}
		switch next := tmpl[i+1]; {
		case next == '$':
			out = append(out, '$')
			i += 2
		case next == '{':
			end := i + 2
			for end < len(tmpl) && tmpl[end] != '}' {
				end++
			}
			if end >= len(tmpl) {
				return "", &Error{Ref: tmpl[i:]}
			}
			name := tmpl[i+2 : end]
			if vars == nil {
				if !known(name) {
					return "", &Error{Ref: tmpl[i : end+1]}
				}
				i = end + 1
				continue
			}
			value, ok := vars.lookup(name)
			if !ok {
				return "", &Error{Ref: tmpl[i : end+1]}
			}
			out = append(out, value...)
			i = end + 1
		default:
			name := identifier(tmpl[i+1:])
			if name == "" {
				out = append(out, '$')
				i++
				continue
			}
			if vars == nil {
				i += 1 + len(name)
				continue
			}
			if value, ok := vars.lookup(name); ok {
				out = append(out, value...)
			} else {
				// Unrecognized bare reference stays literal.
				out = append(out, tmpl[i:i+1+len(name)]...)
			}
			i += 1 + len(name)
		}
	}
	return string(out), nil
}

func known(name string) bool {
	switch name {
	case "subject", "from", "body", "to", "config", "type":
		return true
	}
	return false
}

// identifier returns the leading identifier of s, or "" if s does not start
// with one.
func identifier(s string) string {
	i := 0
	for i < len(s) && isIdent(s[i], i == 0) {
		i++
	}
	return s[:i]
}

func isIdent(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}
