// Package webhook пересылает входящие сообщения на адреса, настроенные у аккаунтов.
// Доставка best-effort: одна попытка, ошибки только логируются.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"wsm_go/pkg/engine"
)

const (
	// DefaultTimeout ограничивает одну попытку доставки.
	DefaultTimeout = 5 * time.Second
	userAgent      = "WhatsApp-Monitor/1.0"
)

// ErrDelivery передаётся в OnFailure при неудачной доставке.
var ErrDelivery = errors.New("webhook delivery failed")

// Payload описывает тело запроса на вебхук.
type Payload struct {
	Event       string `json:"event"`     // Всегда "message"
	Direction   string `json:"direction"` // Всегда "inbound"
	AccountID   string `json:"account_id"`
	MessageID   string `json:"message_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Body        string `json:"body"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	HasMedia    bool   `json:"has_media"`
	IsForwarded bool   `json:"is_forwarded"`
	IsStatus    bool   `json:"is_status"`
	IsStarred   bool   `json:"is_starred"`
	Broadcast   bool   `json:"broadcast"`
}

// NewPayload собирает тело запроса из нормализованного сообщения.
func NewPayload(accountID string, msg engine.Message) Payload {
	return Payload{
		Event:       "message",
		Direction:   "inbound",
		AccountID:   accountID,
		MessageID:   msg.ID,
		From:        msg.From,
		To:          msg.To,
		Body:        msg.Body,
		Type:        msg.Type,
		Timestamp:   msg.Timestamp,
		HasMedia:    msg.HasMedia,
		IsForwarded: msg.IsForwarded,
		IsStatus:    msg.IsStatus,
		IsStarred:   msg.IsStarred,
		Broadcast:   msg.Broadcast,
	}
}

// Relay отправляет сообщения на вебхуки. Безопасен для одновременного использования.
type Relay struct {
	client    *http.Client
	timeout   time.Duration
	onFailure func(accountID string, err error)
}

// NewRelay создаёт пересыльщик; timeout <= 0 заменяется на DefaultTimeout.
func NewRelay(timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Relay{client: &http.Client{}, timeout: timeout}
}

// OnFailure задаёт обработчик неудачных доставок (например, счётчик ошибок).
func (r *Relay) OnFailure(fn func(accountID string, err error)) {
	r.onFailure = fn
}

// Forward делает одну попытку доставки. Ошибка логируется и не возвращается:
// сбой вебхука не должен влиять на обработку событий сессии.
func (r *Relay) Forward(ctx context.Context, accountID, url string, msg engine.Message) {
	if url == "" {
		return
	}
	log.Printf("[WEBHOOK] пересылка сообщения %s аккаунта %s на %s", msg.ID, accountID, url)
	if err := r.deliver(ctx, url, NewPayload(accountID, msg)); err != nil {
		err = fmt.Errorf("%w: %v", ErrDelivery, err)
		log.Printf("[WEBHOOK] DeliveryFailure аккаунт %s: %v", accountID, err)
		if r.onFailure != nil {
			r.onFailure(accountID, err)
		}
		return
	}
	log.Printf("[WEBHOOK] сообщение %s доставлено", msg.ID)
}

func (r *Relay) deliver(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Дочитываем тело, чтобы соединение вернулось в пул
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
