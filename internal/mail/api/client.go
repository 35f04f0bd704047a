// Package api delivers e-mail through a transactional e-mail HTTP API.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

// Config configures the API client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client implements monitor.Mailer with one JSON POST per message.
type Client struct {
	endpoint string
	http     *resty.Client
}

type sendPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
	Name    string `json:"name"`
}

// New builds a Client. The API key is sent as a bearer token.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("mail api endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("mail api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{endpoint: cfg.Endpoint, http: client}, nil
}

// Send posts msg to the API and treats any non-2xx answer as a failure.
func (c *Client) Send(ctx context.Context, msg monitor.Message) error {
	payload := sendPayload{
		From:    formatFrom(msg.FromName, msg.From),
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}
	var apiErr errorPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetError(&apiErr).
		Post(c.endpoint)
	if err != nil {
		return fmt.Errorf("mail api request: %w", err)
	}
	if resp.IsError() {
		detail := strings.TrimSpace(apiErr.Message)
		if detail == "" {
			detail = strings.TrimSpace(resp.String())
		}
		return fmt.Errorf("mail api returned status %d: %s", resp.StatusCode(), detail)
	}
	return nil
}

func formatFrom(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}
