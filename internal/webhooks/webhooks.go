// Package webhooks delivers job lifecycle events to caller-supplied URLs.
//
// Payloads are JSON and, when a secret is configured, signed with
// HMAC-SHA256 over the raw body in the X-SybilScan-Signature header.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/sybilscan/internal/jobs"
	"github.com/mbd888/sybilscan/internal/metrics"
	"github.com/mbd888/sybilscan/internal/retry"
	"github.com/mbd888/sybilscan/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventJobCompleted EventType = "job.completed"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-SybilScan-Event"
	HeaderTimestamp = "X-SybilScan-Timestamp"
	HeaderSignature = "X-SybilScan-Signature"
)

// Event represents a webhook event
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// JobCompletedData is the payload of a job.completed event.
type JobCompletedData struct {
	JobID       string       `json:"job_id"`
	Chain       string       `json:"chain"`
	Total       int          `json:"total"`
	Completed   int          `json:"completed"`
	Summary     jobs.Summary `json:"summary"`
	CompletedAt *time.Time   `json:"completed_at"`
}

// Dispatcher sends webhook events
type Dispatcher struct {
	secret       string
	client       *http.Client
	maxAttempts  int
	retryDelay   time.Duration
	urlValidator func(string) error
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default HTTP client and with it the dial-time
// address check.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRetry sets the delivery attempt budget.
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.maxAttempts = maxAttempts
		d.retryDelay = delay
	}
}

// WithURLValidator replaces the SSRF check applied to callback URLs and to
// the resolved address at dial time.
func WithURLValidator(v func(string) error) Option {
	return func(d *Dispatcher) { d.urlValidator = v }
}

// NewDispatcher creates a new webhook dispatcher. An empty secret sends
// unsigned payloads.
func NewDispatcher(secret string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		secret:       secret,
		maxAttempts:  3,
		retryDelay:   time.Second,
		urlValidator: security.ValidateEndpointURL,
		logger:       slog.Default(),
		now:          time.Now,
	}
	d.client = &http.Client{
		Timeout:   10 * time.Second,
		Transport: d.guardedTransport(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// guardedTransport re-checks the address actually dialed, after DNS, so a
// host that resolved to a public address at validation time cannot rebind to
// a private one for the delivery.
func (d *Dispatcher) guardedTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			if err := d.urlValidator("http://" + address); err != nil {
				return fmt.Errorf("dial %s: %w", address, err)
			}
			return nil
		},
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = dialer.DialContext
	return t
}

// ValidateURL rejects callback URLs that point at private or local hosts.
func (d *Dispatcher) ValidateURL(rawURL string) error {
	return d.urlValidator(rawURL)
}

// Send delivers one event, retrying transport errors and 5xx responses.
func (d *Dispatcher) Send(ctx context.Context, url string, event *Event) error {
	if err := d.urlValidator(url); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "rejected").Inc()
		return fmt.Errorf("callback url rejected: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = retry.Do(ctx, d.maxAttempts, d.retryDelay, func(int) error {
		return d.post(ctx, url, event, payload)
	})
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), result).Inc()
	return err
}

func (d *Dispatcher) post(ctx context.Context, url string, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))

	// Sign the payload if secret is set
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// JobCompleted notifies the job's callback URL. Failures are logged, never
// returned; the job result is unaffected.
func (d *Dispatcher) JobCompleted(ctx context.Context, job *jobs.Job) {
	if job.CallbackURL == "" {
		return
	}
	sum := job.Summarize()
	event := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      EventJobCompleted,
		Timestamp: d.now().UTC(),
		Data: JobCompletedData{
			JobID:       job.ID,
			Chain:       job.Chain,
			Total:       job.Total,
			Completed:   job.Completed,
			Summary:     sum,
			CompletedAt: job.CompletedAt,
		},
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.Send(ctx, job.CallbackURL, event); err != nil {
		d.logger.Warn("webhook delivery failed", "job_id", job.ID, "event", event.Type, "error", err)
		return
	}
	d.logger.Info("webhook delivered", "job_id", job.ID, "event", event.Type)
}
