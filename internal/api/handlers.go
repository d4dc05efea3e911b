package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/flowguard-project/flowguard/internal/guard"
	"github.com/flowguard-project/flowguard/internal/modules/cryptobox"
	"github.com/flowguard-project/flowguard/internal/modules/password"
	"github.com/flowguard-project/flowguard/internal/modules/sanitize"
)

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body into v, writing the error response
// itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func methodAllowed(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleGuardCheck runs a request through the full guard pipeline. A denial
// is a normal 200 response carrying allowed=false.
func (s *Server) handleGuardCheck(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var req guard.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Category == "" {
		writeError(w, http.StatusBadRequest, "missing_category", "category is required")
		return
	}
	if req.SourceAddress == "" {
		req.SourceAddress = clientIP(r)
	}
	if req.ClientSignature == "" {
		req.ClientSignature = r.UserAgent()
	}
	writeJSON(w, http.StatusOK, s.svc.Guard(r.Context(), req))
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var body struct {
		OwnerID string `json:"owner_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "missing_owner", "owner_id is required")
		return
	}
	token, err := s.svc.Tokens.Issue(r.Context(), body.OwnerID)
	if err != nil {
		s.logger.Error().Err(err).Msg("issuing token")
		writeError(w, http.StatusServiceUnavailable, "token_store_unavailable", "could not issue token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":      token,
		"expires_in": int(s.svc.Tokens.Lifetime().Seconds()),
	})
}

func (s *Server) handleCSRFValidate(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Token   string `json:"token"`
		OwnerID string `json:"owner_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"valid": s.svc.Tokens.Validate(r.Context(), body.Token, body.OwnerID),
	})
}

func (s *Server) handlePasswordStrength(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, password.Evaluate(body.Password))
}

// handleSanitize cleans text. Mode "plain" (default) strips script vectors,
// "rich" applies the HTML allow-list and "strip" removes all markup.
func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Text string `json:"text"`
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	var out string
	switch body.Mode {
	case "", "plain":
		out = sanitize.Sanitize(body.Text)
	case "rich":
		out = s.svc.RichText.Sanitize(body.Text)
	case "strip":
		out = sanitize.StripTags(body.Text)
	default:
		writeError(w, http.StatusBadRequest, "invalid_mode", "mode must be plain, rich or strip")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sanitized": out,
		"changed":   out != body.Text,
		"rules":     sanitize.Matched(body.Text),
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		entries, err := s.svc.Blocks.Entries(ctx)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": entries, "total": len(entries)})

	case http.MethodPost:
		var body struct {
			Source   string `json:"source"`
			Reason   string `json:"reason"`
			Duration string `json:"duration"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Source == "" {
			writeError(w, http.StatusBadRequest, "missing_source", "source is required")
			return
		}
		var d time.Duration
		if body.Duration != "" {
			var err error
			if d, err = time.ParseDuration(body.Duration); err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "invalid_duration", "duration must be a positive Go duration such as 15m")
				return
			}
		}
		if err := s.svc.Blocks.Block(ctx, body.Source, body.Reason, d); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"source":    body.Source,
			"permanent": d == 0,
		})

	case http.MethodDelete:
		source := r.URL.Query().Get("source")
		if source == "" {
			writeError(w, http.StatusBadRequest, "missing_source", "source query parameter is required")
			return
		}
		removed, err := s.svc.Blocks.Unblock(ctx, source)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		if !removed {
			writeError(w, http.StatusNotFound, "not_found", "source is not blocked")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"unblocked": source})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleAnomalyEvaluate(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var body struct {
		ActorID      string            `json:"actor_id"`
		ActivityType string            `json:"activity_type"`
		Context      map[string]string `json:"context"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ActorID == "" {
		writeError(w, http.StatusBadRequest, "missing_actor", "actor_id is required")
		return
	}
	suspicious := s.svc.Anomaly.Evaluate(r.Context(), body.ActorID, body.ActivityType, body.Context)
	resp := map[string]interface{}{"suspicious": suspicious}
	if a, err := s.svc.Anomaly.Assess(r.Context(), body.ActorID); err == nil {
		resp["assessment"] = a
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents records a host-reported event on POST. On GET it lists events
// for ?actor= (default limit 50) or, without an actor, the events of the last
// ?window= (default 24h).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.recordEvent(w, r)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		events interface{}
		count  int
		err    error
	)
	if actor := q.Get("actor"); actor != "" {
		list, e := s.svc.Recorder.EventsByActor(r.Context(), actor, limit)
		events, count, err = list, len(list), e
	} else {
		window, ok := parseWindow(w, q.Get("window"))
		if !ok {
			return
		}
		list, e := s.svc.Recorder.Recent(r.Context(), window)
		if e == nil && limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		events, count, err = list, len(list), e
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "total": count})
}

func (s *Server) recordEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventType       string            `json:"event_type"`
		Severity        string            `json:"severity"`
		ActorID         string            `json:"actor_id"`
		SourceAddress   string            `json:"source_address"`
		ClientSignature string            `json:"client_signature"`
		Details         map[string]string `json:"details"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	sev := core.SeverityLow
	if body.Severity != "" {
		var ok bool
		if sev, ok = core.ParseSeverity(body.Severity); !ok {
			writeError(w, http.StatusBadRequest, "invalid_severity", "severity must be low, medium, high or critical")
			return
		}
	}
	origin := core.Origin{
		ActorID:         body.ActorID,
		SourceAddress:   body.SourceAddress,
		ClientSignature: body.ClientSignature,
	}
	if origin.SourceAddress == "" {
		origin.SourceAddress = clientIP(r)
	}
	if origin.ClientSignature == "" {
		origin.ClientSignature = r.UserAgent()
	}

	err := s.svc.Record(r.Context(), core.EventType(body.EventType), sev, origin, core.DetailsFromMap(body.Details))
	if errors.Is(err, guard.ErrUnknownEventType) {
		writeError(w, http.StatusBadRequest, "invalid_event_type", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "record_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleEncrypt seals plaintext with the configured secret. The crypto
// endpoints answer 503 when no secret is configured.
func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) || !s.cryptoReady(w) {
		return
	}
	var body struct {
		Plaintext string `json:"plaintext"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	blob, err := s.svc.Crypto.Encrypt(r.Context(), []byte(body.Plaintext))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encrypt_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ciphertext": blob})
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) || !s.cryptoReady(w) {
		return
	}
	var body struct {
		Ciphertext string `json:"ciphertext"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	plain, err := s.svc.Crypto.Decrypt(r.Context(), body.Ciphertext)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decrypt_failed", "ciphertext is malformed or was sealed with another key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plaintext": string(plain)})
}

// handleHash returns the SHA-256 digest of text, or a bcrypt credential hash
// when credential is set. With verify_against it checks text against an
// existing bcrypt hash instead.
func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Text          string `json:"text"`
		Credential    bool   `json:"credential"`
		VerifyAgainst string `json:"verify_against"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !body.Credential && body.VerifyAgainst == "" {
		writeJSON(w, http.StatusOK, map[string]string{"hash": cryptobox.Hash(body.Text)})
		return
	}
	if !s.cryptoReady(w) {
		return
	}
	ctx := r.Context()
	if body.VerifyAgainst != "" {
		ok, err := s.svc.Crypto.VerifyCredential(ctx, body.VerifyAgainst, body.Text)
		if err != nil {
			writeError(w, http.StatusBadRequest, "verify_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"match": ok})
		return
	}
	hash, err := s.svc.Crypto.HashCredential(ctx, body.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hash_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": hash})
}

func (s *Server) cryptoReady(w http.ResponseWriter) bool {
	if s.svc.Crypto == nil {
		writeError(w, http.StatusServiceUnavailable, "crypto_disabled", "no crypto secret configured")
		return false
	}
	return true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	window, ok := parseWindow(w, r.URL.Query().Get("window"))
	if !ok {
		return
	}
	stats, err := s.svc.Recorder.Stats(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	dl := s.svc.DeadLetters(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": dl, "total": len(dl)})
}

func parseWindow(w http.ResponseWriter, v string) (time.Duration, bool) {
	if v == "" {
		return 24 * time.Hour, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_window", "window must be a positive Go duration such as 24h")
		return 0, false
	}
	return d, true
}
