package guard

import (
	"context"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/flowguard-project/flowguard/internal/modules/sanitize"
)

// Denial reasons reported in Decision.Reason.
const (
	ReasonBlocked      = "source_blocked"
	ReasonRateLimited  = "rate_limited"
	ReasonSQLInjection = "unsafe_input"
	ReasonCSRF         = "invalid_token"
)

// Field is one piece of untrusted input. SQL marks values that will be
// interpolated into a query and must pass the SQL guard.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	SQL   bool   `json:"sql,omitempty"`
}

// Request describes one guarded action.
type Request struct {
	ActorID         string  `json:"actor_id,omitempty"`
	SourceAddress   string  `json:"source_address"`
	ClientSignature string  `json:"client_signature,omitempty"`
	Category        string  `json:"category"`
	Fields          []Field `json:"fields,omitempty"`
	// Mutating requests must carry a token issued to ActorID.
	Mutating  bool   `json:"mutating,omitempty"`
	CSRFToken string `json:"csrf_token,omitempty"`
	// Activity, when set on an identified request, triggers an anomaly
	// evaluation. The verdict is advisory.
	Activity string `json:"activity,omitempty"`
}

func (r Request) origin() core.Origin {
	return core.Origin{ActorID: r.ActorID, SourceAddress: r.SourceAddress, ClientSignature: r.ClientSignature}
}

// identifier is the rate limit key: the actor when known, else the source.
func (r Request) identifier() string {
	if r.ActorID != "" {
		return r.ActorID
	}
	if r.SourceAddress != "" {
		return r.SourceAddress
	}
	return core.UnknownSource
}

// RateLimitInfo mirrors the limiter verdict.
type RateLimitInfo struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Decision is the outcome of Guard. Fields holds the sanitized value of
// every input field, keyed by name.
type Decision struct {
	Allowed    bool              `json:"allowed"`
	Reason     string            `json:"reason,omitempty"`
	Field      string            `json:"field,omitempty"`
	RateLimit  *RateLimitInfo    `json:"rate_limit,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Suspicious bool              `json:"suspicious,omitempty"`
}

// Guard runs req through the pipeline: block list, rate limiter, sanitizer,
// SQL guard, then the token vault for mutating requests. The first failing
// stage decides. Violations are recorded by the stage that found them.
func (s *Service) Guard(ctx context.Context, req Request) Decision {
	if req.SourceAddress != "" && s.Blocks.IsBlocked(ctx, req.SourceAddress) {
		return Decision{Reason: ReasonBlocked}
	}

	rl := s.RateLimiter.Check(ctx, req.identifier(), req.Category)
	d := Decision{RateLimit: &RateLimitInfo{Allowed: rl.Allowed, Remaining: rl.Remaining, ResetAt: rl.ResetAt}}
	if !rl.Allowed {
		d.Reason = ReasonRateLimited
		return d
	}

	origin := req.origin()
	d.Fields = make(map[string]string, len(req.Fields))
	for _, f := range req.Fields {
		clean := sanitize.Sanitize(f.Value)
		if sanitize.Changed(f.Value) {
			s.Recorder.Emit(core.NewSecurityEvent(core.EventXSSAttempt, core.SeverityHigh, origin,
				s.clock.Now(), core.XSSDetails(f.Name, f.Value)))
		}
		d.Fields[f.Name] = clean

		if f.SQL && !s.SQL.Check(f.Value, origin) {
			d.Reason = ReasonSQLInjection
			d.Field = f.Name
			d.Fields = nil
			return d
		}
	}

	if req.Mutating && !s.Tokens.Check(ctx, req.CSRFToken, origin) {
		d.Reason = ReasonCSRF
		d.Fields = nil
		return d
	}

	if req.ActorID != "" && req.Activity != "" {
		attrs := map[string]string{"category": req.Category}
		if req.SourceAddress != "" {
			attrs["source_address"] = req.SourceAddress
		}
		if req.ClientSignature != "" {
			attrs["client_signature"] = req.ClientSignature
		}
		d.Suspicious = s.Anomaly.Evaluate(ctx, req.ActorID, req.Activity, attrs)
	}

	d.Allowed = true
	return d
}
