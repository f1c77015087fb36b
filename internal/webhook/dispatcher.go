// Package webhook notifies job owners when a job completes.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

const (
	// SignatureHeader carries "sha256=<hex hmac>" of the body when a secret is configured.
	SignatureHeader = "X-Webhook-Signature"
	// TimestampHeader carries the Unix send time.
	TimestampHeader = "X-Webhook-Timestamp"

	// EventCompleted is the only event delivered today.
	EventCompleted = "job.completed"

	defaultTimeout = 10 * time.Second
)

// Payload is the JSON body POSTed to the webhook URL.
type Payload struct {
	Event     string             `json:"event"`
	Job       crawler.Job        `json:"job"`
	Result    *crawler.JobResult `json:"result,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Config controls outbound delivery.
type Config struct {
	Secret    string
	Timeout   time.Duration
	UserAgent string
}

// Dispatcher sends one POST per completed job. Delivery is attempted once.
type Dispatcher struct {
	client *http.Client
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

// NewDispatcher builds a Dispatcher. A nil client gets one with cfg.Timeout.
func NewDispatcher(client *http.Client, cfg Config, clock crawler.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "grant-harvester-webhook/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{client: client, cfg: cfg, clock: clock, logger: logger}
}

// JobCompleted notifies job.WebhookURL, if set. Failures are logged and
// returned but never retried.
func (d *Dispatcher) JobCompleted(ctx context.Context, job crawler.Job) error {
	if d == nil || job.WebhookURL == "" {
		return nil
	}
	payload := Payload{
		Event:     EventCompleted,
		Job:       job,
		Result:    job.Result,
		Timestamp: d.clock.Now(),
	}
	err := d.send(ctx, job.WebhookURL, payload)
	if err != nil {
		d.logger.Warn("webhook delivery failed",
			zap.String("job_id", job.ID),
			zap.String("url", job.WebhookURL),
			zap.Error(err),
		)
		return err
	}
	d.logger.Info("webhook delivered", zap.String("job_id", job.ID), zap.String("url", job.WebhookURL))
	return nil
}

func (d *Dispatcher) send(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(TimestampHeader, strconv.FormatInt(payload.Timestamp.Unix(), 10))
	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign([]byte(d.cfg.Secret), body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
