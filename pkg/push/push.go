package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/telecare/session-api/pkg/circuitbreaker"
)

// Provider sends notifications to a device when the recipient has no open
// realtime connection. Delivery is best effort; callers never roll anything
// back on failure.
type Provider interface {
	Send(ctx context.Context, deviceToken, title, body string, data map[string]string) error
}

type Config struct {
	Endpoint  string
	ServerKey string
	Timeout   time.Duration
}

type provider struct {
	endpoint  string
	serverKey string
	client    *http.Client
	cb        *circuitbreaker.CircuitBreaker
}

func NewProvider(cfg Config) Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &provider{
		endpoint:  cfg.Endpoint,
		serverKey: cfg.ServerKey,
		client:    &http.Client{Timeout: timeout},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "push-provider",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
	}
}

type pushMessage struct {
	To           string            `json:"to"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (p *provider) Send(ctx context.Context, deviceToken, title, body string, data map[string]string) error {
	if deviceToken == "" {
		return fmt.Errorf("device token is required")
	}

	payload, err := json.Marshal(pushMessage{
		To:           deviceToken,
		Notification: pushNotification{Title: title, Body: body},
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	return p.cb.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build push request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "key="+p.serverKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("push request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("push provider returned %d", resp.StatusCode)
		}
		return nil
	})
}
