package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func signHex(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func stripeHeader(secret string, body []byte, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	sig := signHex(secret, []byte(ts), []byte("."), body)
	return fmt.Sprintf("t=%s,v1=%s", ts, sig)
}

func paddleHeader(secret string, body []byte, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	sig := signHex(secret, []byte(ts), []byte(":"), body)
	return fmt.Sprintf("ts=%s;h1=%s", ts, sig)
}

func TestStripeVerifier(t *testing.T) {
	now := time.Now()
	body := []byte(`{"id":"evt_1","type":"customer.subscription.updated"}`)

	v := NewStripeVerifier(testSecret)

	t.Run("valid signature", func(t *testing.T) {
		assert.NoError(t, v.Verify(body, stripeHeader(testSecret, body, now)))
	})

	t.Run("any single byte mutation fails", func(t *testing.T) {
		header := stripeHeader(testSecret, body, now)
		for i := range body {
			mutated := make([]byte, len(body))
			copy(mutated, body)
			mutated[i] ^= 0x01
			assert.ErrorIs(t, v.Verify(mutated, header), domain.ErrInvalidSignature, "byte %d", i)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.ErrorIs(t, v.Verify(body, stripeHeader("other_secret", body, now)), domain.ErrInvalidSignature)
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		header := stripeHeader(testSecret, body, now.Add(-10*time.Minute))
		assert.ErrorIs(t, v.Verify(body, header), domain.ErrInvalidSignature)
	})

	t.Run("rotated secret second v1 accepted", func(t *testing.T) {
		ts := fmt.Sprintf("%d", now.Unix())
		good := signHex(testSecret, []byte(ts), []byte("."), body)
		stale := signHex("old_secret", []byte(ts), []byte("."), body)
		header := fmt.Sprintf("t=%s,v1=%s,v1=%s", ts, stale, good)
		assert.NoError(t, v.Verify(body, header))
	})

	t.Run("malformed headers", func(t *testing.T) {
		for _, header := range []string{"", "t=123", "v1=deadbeef", "t=abc,v1=deadbeef", "garbage"} {
			assert.ErrorIs(t, v.Verify(body, header), domain.ErrInvalidSignature, "header %q", header)
		}
	})
}

func TestPaddleVerifier(t *testing.T) {
	now := time.Now()
	body := []byte(`{"event_type":"transaction.completed","data":{"id":"txn_1"}}`)

	v := NewPaddleVerifier(testSecret)

	t.Run("valid signature", func(t *testing.T) {
		assert.NoError(t, v.Verify(body, paddleHeader(testSecret, body, now)))
	})

	t.Run("mutated body fails", func(t *testing.T) {
		header := paddleHeader(testSecret, body, now)
		mutated := append([]byte{}, body...)
		mutated[0] ^= 0x01
		assert.ErrorIs(t, v.Verify(mutated, header), domain.ErrInvalidSignature)
	})

	t.Run("replay window enforced", func(t *testing.T) {
		header := paddleHeader(testSecret, body, now.Add(-6*time.Minute))
		assert.ErrorIs(t, v.Verify(body, header), domain.ErrInvalidSignature)

		// Внутри окна проходит
		header = paddleHeader(testSecret, body, now.Add(-4*time.Minute))
		assert.NoError(t, v.Verify(body, header))
	})

	t.Run("malformed headers", func(t *testing.T) {
		for _, header := range []string{"", "ts=123", "h1=deadbeef", "ts=;h1=", "ts=123,h1=deadbeef"} {
			assert.ErrorIs(t, v.Verify(body, header), domain.ErrInvalidSignature, "header %q", header)
		}
	})
}

func TestLemonSqueezyVerifier(t *testing.T) {
	body := []byte(`{"meta":{"event_name":"order_created"},"data":{"id":"1"}}`)

	v := NewLemonSqueezyVerifier(testSecret)

	t.Run("valid signature", func(t *testing.T) {
		assert.NoError(t, v.Verify(body, signHex(testSecret, body)))
	})

	t.Run("mutated body fails", func(t *testing.T) {
		header := signHex(testSecret, body)
		mutated := append([]byte{}, body...)
		mutated[len(mutated)-1] ^= 0x01
		assert.ErrorIs(t, v.Verify(mutated, header), domain.ErrInvalidSignature)
	})

	t.Run("empty secret rejects everything", func(t *testing.T) {
		empty := NewLemonSqueezyVerifier("")
		assert.ErrorIs(t, empty.Verify(body, signHex("", body)), domain.ErrInvalidSignature)
	})
}

func TestVerifierTimestampClock(t *testing.T) {
	body := []byte(`{}`)
	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	v := NewStripeVerifier(testSecret)
	v.now = func() time.Time { return frozen }

	require.NoError(t, v.Verify(body, stripeHeader(testSecret, body, frozen.Add(-defaultTolerance))))
	assert.ErrorIs(t, v.Verify(body, stripeHeader(testSecret, body, frozen.Add(-defaultTolerance-time.Second))), domain.ErrInvalidSignature)
}
