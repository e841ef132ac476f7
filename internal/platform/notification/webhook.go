package notification

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
)

const (
	SignatureHeader = "X-Consent-Signature"
	EventHeader     = "X-Consent-Event"
	JobIDHeader     = "X-Consent-Job-ID"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// WebhookEvent is the body POSTed for a job.
type WebhookEvent struct {
	ID        int64          `json:"id,string"`
	Type      string         `json:"type"`
	Recipient string         `json:"recipient"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// WebhookDeliverer signs jobs and POSTs them to one organization endpoint.
type WebhookDeliverer struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookDeliverer(url, secret string, client *http.Client) *WebhookDeliverer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookDeliverer{url: url, secret: secret, client: client}
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, j *Job) error {
	payload, err := json.Marshal(WebhookEvent{
		ID:        j.ID,
		Type:      j.Type,
		Recipient: j.Recipient,
		Title:     j.Payload.Title,
		Body:      j.Payload.Body,
		Data:      j.Payload.Data,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, d.secret))
	req.Header.Set(EventHeader, j.Type)
	req.Header.Set(JobIDHeader, strconv.FormatInt(j.ID, 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
