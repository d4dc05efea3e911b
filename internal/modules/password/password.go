// Package password scores the quality of a chosen credential.
package password

import "unicode/utf8"

const (
	MinLength      = 8
	pointsPerCheck = 20
	validScore     = 80
)

// Result is the outcome of Evaluate.
type Result struct {
	Valid    bool     `json:"valid"`
	Score    int      `json:"score"`
	Feedback []string `json:"feedback"`
}

type criterion struct {
	feedback string
	met      func(pw string) bool
}

var criteria = []criterion{
	{"Password must be at least 8 characters long", func(pw string) bool { return utf8.RuneCountInString(pw) >= MinLength }},
	{"Password must contain an uppercase letter", hasRune(isUpper)},
	{"Password must contain a lowercase letter", hasRune(isLower)},
	{"Password must contain a digit", hasRune(isDigit)},
	{"Password must contain a special character", hasRune(func(r rune) bool {
		return !isUpper(r) && !isLower(r) && !isDigit(r)
	})},
}

// Character classes are ASCII only: any other rune, accented letters
// included, counts as special.
func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func hasRune(pred func(rune) bool) func(string) bool {
	return func(pw string) bool {
		for _, r := range pw {
			if pred(r) {
				return true
			}
		}
		return false
	}
}

// Evaluate awards 20 points for each criterion the password meets and
// explains every one it misses. A password is valid with at most one miss.
func Evaluate(pw string) Result {
	res := Result{Feedback: []string{}}
	for _, c := range criteria {
		if c.met(pw) {
			res.Score += pointsPerCheck
		} else {
			res.Feedback = append(res.Feedback, c.feedback)
		}
	}
	res.Valid = res.Score >= validScore
	return res
}
