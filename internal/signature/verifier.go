// Package signature проверяет подлинность входящих вебхуков.
// Каждый провайдер подписывает полезную нагрузку HMAC-SHA256 своим секретом,
// но формат заголовка у всех свой.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
)

// defaultTolerance допустимый разбег времени подписи для защиты от replay-атак
const defaultTolerance = 5 * time.Minute

// Verifier проверяет подпись сырого тела вебхука
type Verifier interface {
	// Verify возвращает domain.ErrInvalidSignature при любом несоответствии
	// подписи или некорректном заголовке
	Verify(body []byte, signatureHeader string) error
}

// StripeVerifier проверяет заголовок Stripe-Signature.
// Формат: "t=<unix>,v1=<hex>[,v1=<hex>...]"; подписывается строка "{t}.{body}".
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewStripeVerifier создает верификатор вебхуков Stripe
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{
		secret:    secret,
		tolerance: defaultTolerance,
		now:       time.Now,
	}
}

// Verify проверяет подпись вебхука Stripe
func (v *StripeVerifier) Verify(body []byte, signatureHeader string) error {
	if v.secret == "" || len(body) == 0 || strings.TrimSpace(signatureHeader) == "" {
		return domain.ErrInvalidSignature
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(signatureHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	if ts == "" || len(candidates) == 0 {
		return domain.ErrInvalidSignature
	}

	if err := checkTimestamp(ts, v.tolerance, v.now); err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Stripe может прислать несколько v1-подписей при ротации секрета
	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

// PaddleVerifier проверяет заголовок Paddle-Signature.
// Формат: "ts=<unix>;h1=<hex>"; подписывается строка "{ts}:{body}".
type PaddleVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewPaddleVerifier создает верификатор вебхуков Paddle
func NewPaddleVerifier(secret string) *PaddleVerifier {
	return &PaddleVerifier{
		secret:    secret,
		tolerance: defaultTolerance,
		now:       time.Now,
	}
}

// Verify проверяет подпись вебхука Paddle
func (v *PaddleVerifier) Verify(body []byte, signatureHeader string) error {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if v.secret == "" || len(body) == 0 || signatureHeader == "" {
		return domain.ErrInvalidSignature
	}

	var ts, h1 string
	for _, part := range strings.Split(signatureHeader, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ts":
			ts = kv[1]
		case "h1":
			h1 = kv[1]
		}
	}
	if ts == "" || h1 == "" {
		return domain.ErrInvalidSignature
	}

	if err := checkTimestamp(ts, v.tolerance, v.now); err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(h1)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// LemonSqueezyVerifier проверяет заголовок X-Signature.
// Заголовок содержит hex HMAC-SHA256 от сырого тела без метки времени.
type LemonSqueezyVerifier struct {
	secret string
}

// NewLemonSqueezyVerifier создает верификатор вебхуков Lemon Squeezy
func NewLemonSqueezyVerifier(secret string) *LemonSqueezyVerifier {
	return &LemonSqueezyVerifier{secret: secret}
}

// Verify проверяет подпись вебхука Lemon Squeezy
func (v *LemonSqueezyVerifier) Verify(body []byte, signatureHeader string) error {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if v.secret == "" || len(body) == 0 || signatureHeader == "" {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// checkTimestamp проверяет, что метка времени подписи укладывается в окно tolerance
func checkTimestamp(ts string, tolerance time.Duration, now func() time.Time) error {
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	diff := now().Unix() - tsInt
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(tolerance.Seconds()) {
		return domain.ErrInvalidSignature
	}
	return nil
}
