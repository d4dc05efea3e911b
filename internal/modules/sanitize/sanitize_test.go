package sanitize

import (
	"strings"
	"testing"
)

// ─── Sanitize ────────────────────────────────────────────────────────────────

func TestSanitize_Vectors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"img onerror", "<img src=x onerror=alert(1)>", "img src=x alert(1)"},
		{"script tag", "<script>alert('x')</script>", "scriptalert('x')/script"},
		{"javascript scheme", "JavaScript:alert(1)", "alert(1)"},
		{"handler with spaces", `a onClick  = "go()"`, `a  "go()"`},
		{"trim", "   hello world  ", "hello world"},
		{"plain text", "I love music", "I love music"},
		{"empty", "", ""},
		{"nested scheme", "javajavascript:script:alert(1)", "alert(1)"},
		{"nested handler", "oonclick=nclick=x", "x"},
		{"unicode", "  café <b>olé</b> ", "café bolé/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitize_NoDangerousSubstrings(t *testing.T) {
	got := Sanitize("<img src=x onerror=alert(1)>")
	for _, bad := range []string{"<", ">", "onerror="} {
		if strings.Contains(got, bad) {
			t.Errorf("Sanitize output %q still contains %q", got, bad)
		}
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		"<img src=x onerror=alert(1)>",
		"javajavascript:script:",
		"<<>>onload=onload==",
		"  <a href='javascript:void(0)' onmouseover = 'x'>link</a>  ",
		"on =x",
		"oonnclick==",
		"normal comment with no markup",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestChanged(t *testing.T) {
	if Changed("  hello  ") {
		t.Error("whitespace-only difference should not count as a change")
	}
	if !Changed("<b>hi</b>") {
		t.Error("markup should count as a change")
	}
}

func TestMatched(t *testing.T) {
	got := Matched("<a onclick=x href=javascript:y>")
	if len(got) != 3 {
		t.Errorf("Matched = %v, want all three rules", got)
	}
	if len(Matched("hello")) != 0 {
		t.Error("plain text should match no rules")
	}
}

// ─── RichText ────────────────────────────────────────────────────────────────

func TestRichText_KeepsFormatting(t *testing.T) {
	r := NewRichText()
	got := r.Sanitize(`<p>Hello <strong>world</strong><script>alert(1)</script></p>`)
	if !strings.Contains(got, "<strong>world</strong>") {
		t.Errorf("formatting lost: %q", got)
	}
	if strings.Contains(got, "script") {
		t.Errorf("script survived: %q", got)
	}
}

func TestRichText_DropsHandlers(t *testing.T) {
	r := NewRichText()
	got := r.Sanitize(`<img src="https://cdn.example.com/a.png" onerror="alert(1)">`)
	if strings.Contains(got, "onerror") {
		t.Errorf("event handler survived: %q", got)
	}
}

func TestStripTags(t *testing.T) {
	if got := StripTags("<p>Hi <b>there</b></p>"); got != "Hi there" {
		t.Errorf("StripTags = %q, want %q", got, "Hi there")
	}
}
