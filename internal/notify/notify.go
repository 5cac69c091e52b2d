// Package notify sends transactional email through the Resend API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kestrelhq/kestrel/internal/log"
)

// DefaultAPIURL is the Resend send endpoint.
const DefaultAPIURL = "https://api.resend.com/emails"

const requestTimeout = 10 * time.Second

// Email is one outbound message.
type Email struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Mailer sends email. Implemented by Resend.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// Resend is the HTTP client for the Resend API.
type Resend struct {
	apiKey string
	apiURL string
	http   *http.Client
	logger log.Logger
}

// NewResend creates a Resend mailer.
func NewResend(apiKey string, logger log.Logger) *Resend {
	return &Resend{
		apiKey: apiKey,
		apiURL: DefaultAPIURL,
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// WithAPIURL overrides the endpoint, for tests.
func (r *Resend) WithAPIURL(url string) *Resend {
	r.apiURL = url
	return r
}

// Send posts the email. A missing API key is an error so callers can
// degrade gracefully.
func (r *Resend) Send(ctx context.Context, email Email) error {
	if r.apiKey == "" {
		return fmt.Errorf("notification service not configured: RESEND_API_KEY missing")
	}

	body, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("marshaling email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("email API returned %d: %s", resp.StatusCode, respBody)
	}

	r.logger.Debug("email sent", "to", email.To, "subject", email.Subject)
	return nil
}
