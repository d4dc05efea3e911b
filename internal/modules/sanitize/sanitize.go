// Package sanitize strips markup and script vectors from untrusted free text.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Rule is one stripping step applied to free text.
type Rule struct {
	Name  string
	Regex *regexp.Regexp
}

var rules = []Rule{
	{Name: "angle_brackets", Regex: regexp.MustCompile(`[<>]`)},
	{Name: "javascript_scheme", Regex: regexp.MustCompile(`(?i)javascript:`)},
	{Name: "event_handler", Regex: regexp.MustCompile(`(?i)on\w+\s*=`)},
}

// Sanitize removes angle brackets, javascript: schemes and inline event
// handler assignments, then trims surrounding whitespace. The rules are
// reapplied until the text stops changing, so removing one vector can never
// assemble another (e.g. "javajavascript:script:").
func Sanitize(text string) string {
	for {
		next := strip(text)
		if next == text {
			return next
		}
		text = next
	}
}

func strip(text string) string {
	for _, r := range rules {
		text = r.Regex.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

// Changed reports whether Sanitize would alter text, ignoring surrounding
// whitespace.
func Changed(text string) bool {
	return Sanitize(text) != strings.TrimSpace(text)
}

// Matched returns the names of the rules that fire on text.
func Matched(text string) []string {
	var names []string
	for _, r := range rules {
		if r.Regex.MatchString(text) {
			names = append(names, r.Name)
		}
	}
	return names
}

// RichText sanitizes fields that legitimately carry markup (article bodies,
// community posts) with an allow-list HTML policy instead of stripping every
// bracket.
type RichText struct {
	policy *bluemonday.Policy
}

// NewRichText returns a RichText using the user-generated-content policy:
// formatting tags and safe links survive, scripts, styles and event handlers
// do not.
func NewRichText() *RichText {
	p := bluemonday.UGCPolicy()
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return &RichText{policy: p}
}

// Sanitize returns html with every disallowed element and attribute removed.
func (r *RichText) Sanitize(html string) string {
	return strings.TrimSpace(r.policy.Sanitize(html))
}

// StripTags removes all markup, keeping only text content.
func StripTags(html string) string {
	return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(html))
}
