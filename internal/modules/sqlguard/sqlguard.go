// Package sqlguard rejects injection-shaped input before it reaches a query.
//
// The rules are a coarse heuristic, not a SQL parser: ordinary prose that
// contains a keyword ("please update me") or an apostrophe ("don't") is
// rejected too, and callers are expected to handle that.
package sqlguard

import (
	"regexp"

	"github.com/flowguard-project/flowguard/internal/core"
)

// Pattern is a named rejection rule.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

func compilePatterns() []Pattern {
	return []Pattern{
		{Name: "sql_keyword",
			Regex: regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|create|alter|exec|union)\b`)},
		{Name: "comment_or_terminator",
			Regex: regexp.MustCompile(`--|;|/\*|\*/`)},
		{Name: "quote",
			Regex: regexp.MustCompile("['\"`]")},
	}
}

// Guard checks text against the rejection rules and reports rejections as
// critical sql_injection_attempt events.
type Guard struct {
	patterns []Pattern
	emitter  core.Emitter
	clock    core.Clock
}

// New creates a Guard. A nil emitter discards events; a nil clock uses wall time.
func New(emitter core.Emitter, clock core.Clock) *Guard {
	if emitter == nil {
		emitter = core.NopEmitter
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Guard{
		patterns: compilePatterns(),
		emitter:  emitter,
		clock:    clock,
	}
}

// Match returns the name of the first rule text violates, or "" when the
// text is safe. It has no side effects.
func (g *Guard) Match(text string) string {
	for _, p := range g.patterns {
		if p.Regex.MatchString(text) {
			return p.Name
		}
	}
	return ""
}

// IsSafe reports whether text passes every rule. Rejections are recorded with
// an unknown origin.
func (g *Guard) IsSafe(text string) bool {
	return g.Check(text, core.Origin{})
}

// Check is IsSafe with the caller's origin attached to the emitted event.
func (g *Guard) Check(text string, origin core.Origin) bool {
	rule := g.Match(text)
	if rule == "" {
		return true
	}
	g.emitter.Emit(core.NewSecurityEvent(
		core.EventSQLInjectionAttempt,
		core.SeverityCritical,
		origin,
		g.clock.Now(),
		core.SQLInjectionDetails(text, rule),
	))
	return false
}
