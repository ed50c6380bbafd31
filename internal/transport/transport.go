// Package transport sends outreach email through a delivery provider and
// turns the provider's webhooks and bounce mail into engagement events.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LeadHeader carries the lead id on outbound mail so bounces can be matched.
const LeadHeader = "X-Lead-Id"

// Message is one outbound email.
type Message struct {
	LeadID  uuid.UUID
	To      string
	Subject string
	Body    string
	// IdempotencyKey lets the provider drop a resend of the same step.
	IdempotencyKey string
}

// Handle identifies a sent message at the provider.
type Handle struct {
	MessageID string    `json:"message_id"`
	Provider  string    `json:"provider"`
	SentAt    time.Time `json:"sent_at"`
}

// Sender delivers messages. Delivery itself is asynchronous; the outcome is
// reported later through engagement events.
type Sender interface {
	Send(ctx context.Context, msg Message) (Handle, error)
}

// SendError is a failed send. Rejected sends will not succeed on retry.
type SendError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *SendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("send failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("send failed: %s", e.Message)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

// Rejected reports whether the provider refused the message outright.
func (e *SendError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests && e.StatusCode != http.StatusRequestTimeout
}

// LogSender only logs messages. It is used when no provider is configured.
type LogSender struct {
	Now func() time.Time
}

// Send logs msg and returns a locally generated message id.
func (s LogSender) Send(_ context.Context, msg Message) (Handle, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	h := Handle{MessageID: "log-" + uuid.NewString(), Provider: "log", SentAt: now()}
	log.Printf("[transport] (log only) to=%s lead=%s subject=%q id=%s", msg.To, msg.LeadID, msg.Subject, h.MessageID)
	return h, nil
}

// HTTPConfig configures an HTTP JSON delivery provider.
type HTTPConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	APIKey   string        `json:"-" yaml:"-"`
	From     string        `json:"from" yaml:"from" validate:"omitempty,email"`
	ReplyTo  string        `json:"reply_to" yaml:"reply_to" validate:"omitempty,email"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	Client   *http.Client  `json:"-" yaml:"-"`
}

// HTTPSender posts messages to a provider's JSON send endpoint.
type HTTPSender struct {
	cfg    HTTPConfig
	client *http.Client
	now    func() time.Time
}

// NewHTTPSender creates a sender for cfg.
func NewHTTPSender(cfg HTTPConfig) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSender{cfg: cfg, client: client, now: time.Now}
}

type sendRequest struct {
	From           string            `json:"from"`
	To             string            `json:"to"`
	ReplyTo        string            `json:"reply_to,omitempty"`
	Subject        string            `json:"subject"`
	Text           string            `json:"text"`
	Headers        map[string]string `json:"headers,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type sendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send posts msg and returns the provider's message id.
func (s *HTTPSender) Send(ctx context.Context, msg Message) (Handle, error) {
	if strings.TrimSpace(msg.To) == "" {
		return Handle{}, &SendError{StatusCode: http.StatusBadRequest, Message: "recipient is empty"}
	}

	payload := sendRequest{
		From:           s.cfg.From,
		To:             msg.To,
		ReplyTo:        s.cfg.ReplyTo,
		Subject:        msg.Subject,
		Text:           msg.Body,
		IdempotencyKey: msg.IdempotencyKey,
	}
	if msg.LeadID != uuid.Nil {
		payload.Headers = map[string]string{LeadHeader: msg.LeadID.String()}
		payload.Metadata = map[string]string{"lead_id": msg.LeadID.String()}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, &SendError{Message: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Handle{}, &SendError{Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Handle{}, &SendError{Message: "request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Handle{}, &SendError{StatusCode: resp.StatusCode, Message: "failed to read response", Cause: err}
	}

	var decoded sendResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := decoded.Error
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return Handle{}, &SendError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, detail)}
	}

	id := decoded.MessageID
	if id == "" {
		id = decoded.ID
	}
	if id == "" {
		return Handle{}, &SendError{StatusCode: resp.StatusCode, Message: "provider response has no message id"}
	}
	return Handle{MessageID: id, Provider: "http", SentAt: s.now()}, nil
}
