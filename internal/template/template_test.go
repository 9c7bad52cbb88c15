package template

import (
	"errors"
	"testing"
)

func TestRenderLiteralTextUnchanged(t *testing.T) {
	t.Parallel()

	tmpl := "plain text with no markers"
	got, err := Render(tmpl, &Variables{Subject: "ignored"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != tmpl {
		t.Errorf("got %q, want %q", got, tmpl)
	}
}

func TestRenderSubstitution(t *testing.T) {
	t.Parallel()

	vars := &Variables{
		Subject: "Disk alert",
		From:    "monitor@example.com",
		Body:    "disk is full",
		To:      "ops@mailrise.xyz",
		Config:  "ops",
		Type:    "warning",
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"bare", "$subject ($from)", "Disk alert (monitor@example.com)"},
		{"braced", "${subject}: ${body}", "Disk alert: disk is full"},
		{"adjacent braced", "${config}${type}", "opswarning"},
		{"escaped marker", "cost: $$5 for $config", "cost: $5 for ops"},
		{"to and type", "[$type] $to", "[warning] ops@mailrise.xyz"},
		{"marker before non identifier", "100$ and $1", "100$ and $1"},
		{"trailing marker", "balance: $", "balance: $"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Render(tc.tmpl, vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRenderUnknownBareIsLiteral(t *testing.T) {
	t.Parallel()

	got, err := Render("$nope", &Variables{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "$nope" {
		t.Errorf("got %q, want %q", got, "$nope")
	}
}

func TestRenderUnknownBracedFails(t *testing.T) {
	t.Parallel()

	_, err := Render("${nope}", &Variables{})
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want *Error", err)
	}
	if terr.Ref != "${nope}" {
		t.Errorf("Ref: got %q, want %q", terr.Ref, "${nope}")
	}
}

func TestRenderUnterminatedBraceFails(t *testing.T) {
	t.Parallel()

	if _, err := Render("${subject", &Variables{}); err == nil {
		t.Error("expected error for unterminated brace, got nil")
	}
}

func TestRenderSinglePass(t *testing.T) {
	t.Parallel()

	// A substituted value containing a reference must not be expanded again.
	got, err := Render("$body", &Variables{Body: "$subject", Subject: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "$subject" {
		t.Errorf("got %q, want %q", got, "$subject")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tmpl    string
		wantErr bool
	}{
		{"literal", "no references here", false},
		{"known braced", "${subject} ${from} ${body} ${to} ${config} ${type}", false},
		{"known bare", "$subject ($from)", false},
		{"unknown bare tolerated", "price is $100 or $cheap", false},
		{"unknown braced", "${missing}", true},
		{"empty braces", "${}", true},
		{"unterminated", "x ${subject", true},
		{"escaped", "$$body", false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tc.tmpl)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate(%q): got err %v, wantErr %v", tc.tmpl, err, tc.wantErr)
			}
		})
	}
}
