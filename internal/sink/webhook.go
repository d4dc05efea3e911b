package sink

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/rs/zerolog"
)

const maxDeadLetters = 500

// DeadLetter is an alert delivery that exhausted its retries.
type DeadLetter struct {
	AlertID   string    `json:"alert_id"`
	URL       string    `json:"url"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// WebhookAlerter posts admin alerts as JSON to each configured URL. 5xx, 429
// and transport errors are retried with exponential backoff; other 4xx
// responses fail immediately.
type WebhookAlerter struct {
	urls   []string
	cfg    core.WebhookConfig
	client *http.Client
	logger zerolog.Logger

	mu          sync.RWMutex
	deadLetters []DeadLetter
}

func NewWebhookAlerter(urls []string, cfg core.WebhookConfig, logger zerolog.Logger) *WebhookAlerter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &WebhookAlerter{
		urls:   urls,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "webhook_alerter").Logger(),
	}
}

// Alert delivers alert to every URL. It returns the last delivery error, if
// any URL failed.
func (w *WebhookAlerter) Alert(ctx context.Context, alert *core.Alert) error {
	data, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	var lastErr error
	for _, url := range w.urls {
		if err := w.deliver(ctx, url, alert.ID, data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (w *WebhookAlerter) deliver(ctx context.Context, url, alertID string, body []byte) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		attempts = attempt + 1
		retry, err := w.post(ctx, url, alertID, attempts, body)
		if err == nil {
			w.logger.Debug().Str("alert_id", alertID).Str("url", url).Int("attempts", attempts).Msg("alert delivered")
			return nil
		}
		lastErr = err
		if !retry || attempt == w.cfg.MaxRetries {
			break
		}
		if !w.backoff(ctx, attempt) {
			lastErr = ctx.Err()
			break
		}
	}

	w.addDeadLetter(DeadLetter{
		AlertID:   alertID,
		URL:       url,
		Attempts:  attempts,
		LastError: lastErr.Error(),
		FailedAt:  time.Now().UTC(),
	})
	return fmt.Errorf("delivering alert to %s: %w", url, lastErr)
}

// post performs one attempt and reports whether a failure is retryable.
func (w *WebhookAlerter) post(ctx context.Context, url, alertID string, attempt int, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("request creation error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flowguard-alerter/1.0")
	req.Header.Set("X-Flowguard-Alert-ID", alertID)
	req.Header.Set("X-Flowguard-Attempt", fmt.Sprintf("%d", attempt))

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("server error: HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("client error: HTTP %d", resp.StatusCode)
	}
}

func (w *WebhookAlerter) backoff(ctx context.Context, attempt int) bool {
	delay := time.Duration(float64(w.cfg.InitialBackoff) * math.Pow(2, float64(attempt)))
	if delay > w.cfg.MaxBackoff {
		delay = w.cfg.MaxBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *WebhookAlerter) addDeadLetter(dl DeadLetter) {
	w.mu.Lock()
	if len(w.deadLetters) >= maxDeadLetters {
		w.deadLetters = w.deadLetters[maxDeadLetters/10:]
	}
	w.deadLetters = append(w.deadLetters, dl)
	w.mu.Unlock()
	w.logger.Warn().
		Str("alert_id", dl.AlertID).
		Str("url", dl.URL).
		Int("attempts", dl.Attempts).
		Str("error", dl.LastError).
		Msg("alert moved to dead letter")
}

// DeadLetters returns up to limit failed deliveries, oldest first.
func (w *WebhookAlerter) DeadLetters(limit int) []DeadLetter {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if limit <= 0 || limit > len(w.deadLetters) {
		limit = len(w.deadLetters)
	}
	out := make([]DeadLetter, limit)
	copy(out, w.deadLetters[len(w.deadLetters)-limit:])
	return out
}
