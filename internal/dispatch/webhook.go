package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookPoster is the outbound HTTP surface for webhook actions.
type WebhookPoster interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) error
}

type restyPoster struct {
	client *resty.Client
}

// NewWebhookPoster builds the shared HTTP client for webhook actions.
// Per-action timeouts are applied through the request context, not the
// client, since each action carries its own.
func NewWebhookPoster(timeout time.Duration) WebhookPoster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &restyPoster{client: client}
}

func (p *restyPoster) Post(ctx context.Context, url string, headers map[string]string, body []byte) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post(url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode())
	}
	return nil
}
