// Package delivery sends rendered newsletters through the outbound email
// transport.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inkwell-news/inkwell/internal/render"
)

// ErrConfigurationMissing means required transport credentials are absent.
// This is an operator problem, fatal and never retried; Validate surfaces
// it at startup so a misconfigured deployment fails fast instead of
// failing every cycle.
var ErrConfigurationMissing = errors.New("email transport configuration missing")

// ErrDelivery wraps transport failures. These are transient by assumption
// and retried under the queue's standard retry policy.
var ErrDelivery = errors.New("email delivery failed")

const defaultEmailJSBaseURL = "https://api.emailjs.com/api/v1.0"

// Config holds the EmailJS transport identifiers and credentials.
type Config struct {
	ServiceID  string
	TemplateID string
	PublicKey  string
	PrivateKey string
}

// Validate reports ErrConfigurationMissing if any required field is empty.
// The private key is optional: EmailJS accepts public-key-only requests.
func (c Config) Validate() error {
	if c.ServiceID == "" || c.TemplateID == "" || c.PublicKey == "" {
		return ErrConfigurationMissing
	}
	return nil
}

// Sender delivers one rendered newsletter.
type Sender interface {
	Send(ctx context.Context, msg render.Rendered) error
}

// EmailJSSender implements Sender against the EmailJS REST API.
type EmailJSSender struct {
	baseURL    string
	config     Config
	httpClient *http.Client
}

// NewEmailJSSender creates a sender. baseURL may be empty to use the
// production endpoint; tests point it at a local server.
func NewEmailJSSender(config Config, baseURL string) *EmailJSSender {
	if baseURL == "" {
		baseURL = defaultEmailJSBaseURL
	}
	return &EmailJSSender{
		baseURL:    baseURL,
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// sendRequest mirrors the EmailJS send API payload.
type sendRequest struct {
	ServiceID      string         `json:"service_id"`
	TemplateID     string         `json:"template_id"`
	UserID         string         `json:"user_id"`
	AccessToken    string         `json:"accessToken,omitempty"`
	TemplateParams templateParams `json:"template_params"`
}

type templateParams struct {
	ToEmail           string `json:"to_email"`
	NewsletterContent string `json:"newsletter_content"`
	Categories        string `json:"categories"`
	ArticleCount      int    `json:"article_count"`
	CurrentDate       string `json:"current_date"`
}

// Send implements Sender. Transport and non-2xx failures are wrapped in
// ErrDelivery so the worker can tell them apart from fatal errors.
func (s *EmailJSSender) Send(ctx context.Context, msg render.Rendered) error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(sendRequest{
		ServiceID:   s.config.ServiceID,
		TemplateID:  s.config.TemplateID,
		UserID:      s.config.PublicKey,
		AccessToken: s.config.PrivateKey,
		TemplateParams: templateParams{
			ToEmail:           msg.To,
			NewsletterContent: msg.Content,
			Categories:        msg.Categories,
			ArticleCount:      msg.ArticleCount,
			CurrentDate:       msg.CurrentDate,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/email/send", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: transport returned status %d: %s", ErrDelivery, resp.StatusCode, string(respBody))
	}
	return nil
}
