package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SignatureHeader — заголовок, в котором шлюз передаёт подпись тела вебхука.
const SignatureHeader = "X-Gateway-Signature"

// Типы событий, доставляемых вебхуком шлюза.
const (
	EventSessionCompleted = "checkout.session.completed"
	EventSessionExpired   = "checkout.session.expired"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// Event описывает событие вебхука. Data.Object содержит сессию оплаты.
type Event struct {
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Sign вычисляет HMAC-SHA256 подпись тела вебхука.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись тела вебхука в постоянном времени.
func VerifySignature(body []byte, signature, secret string) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}
