package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook POSTs alerts to an HTTP endpoint authenticated with a bearer
// token. Selected when NOTIFY_WEBHOOK_URL and NOTIFY_TOKEN are both set.
type Webhook struct {
	http  *resty.Client
	url   string
	token string
}

// NewWebhook creates a webhook notifier with retry on transient failures.
func NewWebhook(url, token string) *Webhook {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Webhook{http: httpClient, url: url, token: token}
}

func (w *Webhook) Notify(ctx context.Context, level Level, title, body string) error {
	payload := map[string]string{
		"level":   string(level),
		"title":   title,
		"body":    body,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	}
	resp, err := w.http.R().
		SetContext(ctx).
		SetAuthToken(w.token).
		SetBody(payload).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("notify webhook: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("notify webhook: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
