// Package notify отправляет уведомления во внешнюю систему нотификаций.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Event описывает уведомление для пользователя.
type Event struct {
	Kind       string `json:"kind"`
	UserID     int64  `json:"user_id"`
	ContractID int64  `json:"contract_id"`
	Message    string `json:"message"`
}

// Emitter отправляет уведомления по принципу fire-and-forget:
// ошибки доставки логируются и никогда не влияют на результат вызвавшей операции.
type Emitter struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewEmitter создаёт эмиттер уведомлений для указанного адреса системы нотификаций.
func NewEmitter(baseURL string, logger *zap.Logger) *Emitter {
	return &Emitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// ContractFunded отправляет уведомление о пополнении эскроу контракта.
func (e *Emitter) ContractFunded(ctx context.Context, contractID, studentID int64) {
	e.emit(ctx, Event{
		Kind:       "contract_funded",
		UserID:     studentID,
		ContractID: contractID,
		Message:    "escrow funded, work can start",
	})
}

func (e *Emitter) emit(ctx context.Context, event Event) {
	if e == nil || e.baseURL == "" {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("marshal notification", zap.Error(err))
		return
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.post(ctx, body); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		// Доставка уведомлений не гарантируется.
		e.logger.Warn("notification delivery failed",
			zap.String("kind", event.Kind),
			zap.Int64("contractID", event.ContractID),
			zap.Error(err),
		)
	}
}

func (e *Emitter) post(ctx context.Context, body []byte) error {
	base := e.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
