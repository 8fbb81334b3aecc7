// Package notify предоставляет клиент доставки уведомлений участникам.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Шаблоны уведомлений, которые отправляет ядро.
const (
	TemplateContributionRecorded = "contribution_recorded"
	TemplatePayoutCompleted      = "payout_completed"
	TemplateRoundAdvanced        = "round_advanced"
	TemplatePoolCompleted        = "pool_completed"
)

// Notifier описывает контракт отправки уведомлений. Доставка выполняется
// по принципу fire-and-forget: ошибка доставки никогда не откатывает
// породившую её операцию.
type Notifier interface {
	Notify(ctx context.Context, email, template string, data map[string]string) error
}

// Client отправляет уведомления во внешний webhook-сервис.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент уведомлений по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type notification struct {
	Email    string            `json:"email"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

// Notify отправляет одно уведомление. Ненастроенный клиент молча
// игнорирует вызов.
func (c *Client) Notify(ctx context.Context, email, template string, data map[string]string) error {
	if c == nil || c.baseURL == "" {
		return nil
	}

	body, err := json.Marshal(notification{Email: email, Template: template, Data: data})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
