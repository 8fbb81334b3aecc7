// Package gateway предоставляет клиент внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrTransferNotFound возвращается, если шлюз не знает перевод с указанным
// ключом идемпотентности: запрос до шлюза не дошёл.
var ErrTransferNotFound = errors.New("transfer not found")

// ErrNotConfigured возвращается при вызове ненастроенного клиента.
var ErrNotConfigured = errors.New("gateway client not configured")

// Статусы перевода на стороне шлюза.
const (
	TransferStatusPending   = "pending"
	TransferStatusCompleted = "completed"
	TransferStatusFailed    = "failed"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом. Переводы
// идемпотентны по заголовку Idempotency-Key, поэтому транспортные ретраи
// безопасны и включены.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Transfer описывает перевод средств на стороне шлюза.
type Transfer struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}

type transferRequest struct {
	Destination string            `json:"destination"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewClient создаёт HTTP-клиент шлюза по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

// CreateTransfer выполняет перевод amountCents на счёт destination.
// Повторный вызов с тем же ключом идемпотентности возвращает уже
// существующий перевод вместо создания нового.
func (c *Client) CreateTransfer(ctx context.Context, destination string, amountCents int64, currency, idempotencyKey string, metadata map[string]string) (*Transfer, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(transferRequest{
		Destination: destination,
		Amount:      amountCents,
		Currency:    currency,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer: %w", err)
	}

	url := c.apiURL("/api/transfers")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Transfer
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

// GetTransfer запрашивает состояние перевода по ключу идемпотентности.
// Используется сверкой зависших pending-выплат.
func (c *Client) GetTransfer(ctx context.Context, idempotencyKey string) (*Transfer, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	url := c.apiURL("/api/transfers/" + idempotencyKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTransferNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Transfer
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

func (c *Client) apiURL(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}
