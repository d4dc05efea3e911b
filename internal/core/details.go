package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Field is a single key/value entry of an event's details.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Details is the ordered detail payload of a SecurityEvent. The fields carried
// by each event type are fixed by the constructors below:
//
//	rate_limit_exceeded    category, attempts, max_allowed
//	sql_injection_attempt  input, rule
//	csrf_detected          token_fingerprint
//	account_locked         reason, duration
//	suspicious_activity    activity_type, suspicion_score, then the caller's context keys (sorted)
//	xss_attempt            field, input
type Details []Field

// Get returns the value stored under key.
func (d Details) Get(key string) (string, bool) {
	for _, f := range d {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Int returns the value stored under key parsed as an integer.
func (d Details) Int(key string) int {
	v, ok := d.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Map flattens the details into a map, mainly for alert descriptions.
func (d Details) Map() map[string]string {
	out := make(map[string]string, len(d))
	for _, f := range d {
		out[f.Key] = f.Value
	}
	return out
}

// String renders the details as a JSON object.
func (d Details) String() string {
	data, err := json.Marshal(d.Map())
	if err != nil {
		return "{}"
	}
	return string(data)
}

func RateLimitDetails(category string, attempts, maxAllowed int) Details {
	return Details{
		{Key: "category", Value: category},
		{Key: "attempts", Value: strconv.Itoa(attempts)},
		{Key: "max_allowed", Value: strconv.Itoa(maxAllowed)},
	}
}

func SQLInjectionDetails(input, rule string) Details {
	return Details{
		{Key: "input", Value: input},
		{Key: "rule", Value: rule},
	}
}

// CSRFDetails records a fingerprint of the presented token rather than the
// token itself.
func CSRFDetails(token string) Details {
	return Details{{Key: "token_fingerprint", Value: Fingerprint(token)}}
}

// BlockDetails records why a source was blocked. A zero duration means the
// block is permanent.
func BlockDetails(reason string, duration time.Duration) Details {
	d := "permanent"
	if duration > 0 {
		d = duration.String()
	}
	return Details{
		{Key: "reason", Value: reason},
		{Key: "duration", Value: d},
	}
}

func SuspiciousActivityDetails(activityType string, score int, context map[string]string) Details {
	details := Details{
		{Key: "activity_type", Value: activityType},
		{Key: "suspicion_score", Value: strconv.Itoa(score)},
	}
	return append(details, DetailsFromMap(context)...)
}

// DetailsFromMap converts m to Details ordered by key.
func DetailsFromMap(m map[string]string) Details {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	details := make(Details, 0, len(keys))
	for _, k := range keys {
		details = append(details, Field{Key: k, Value: m[k]})
	}
	return details
}

func XSSDetails(field, input string) Details {
	return Details{
		{Key: "field", Value: field},
		{Key: "input", Value: input},
	}
}

// Fingerprint returns a short, non-reversible identifier for a secret value.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}

func (f Field) String() string {
	return fmt.Sprintf("%s=%s", f.Key, f.Value)
}
