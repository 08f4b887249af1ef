package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"

	"phHeadshot/internal/config"
)

const testWebhookSecret = "whsec_test_secret"

func newTestClient() *Client {
	return NewClient(config.StripeConfig{
		SecretKey:     "sk_test_key",
		WebhookSecret: testWebhookSecret,
		PriceID:       "price_test",
	}, "https://app.example.com/")
}

func signPayload(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func checkoutCompletedPayload(paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_test_1",
		"api_version": %q,
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"payment_status": %q,
				"metadata": {"user_id": "7", "headshot_id": "42"}
			}
		}
	}`, stripe.APIVersion, paymentStatus))
}

func TestParseWebhook_ValidSignature(t *testing.T) {
	client := newTestClient()
	payload := checkoutCompletedPayload("paid")
	header := signPayload(testWebhookSecret, payload, time.Now())

	event, err := client.ParseWebhook(payload, header)
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if event.UserID != 7 || event.HeadshotID != 42 {
		t.Fatalf("metadata not extracted: %+v", event)
	}
	if !event.Paid {
		t.Fatal("paid session not flagged")
	}
	if event.SessionID != "cs_test_1" {
		t.Fatalf("session id lost: %q", event.SessionID)
	}
}

func TestParseWebhook_UnpaidSession(t *testing.T) {
	client := newTestClient()
	payload := checkoutCompletedPayload("unpaid")
	header := signPayload(testWebhookSecret, payload, time.Now())

	event, err := client.ParseWebhook(payload, header)
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if event.Paid {
		t.Fatal("unpaid session flagged as paid")
	}
}

func TestParseWebhook_RejectsBadSignature(t *testing.T) {
	client := newTestClient()
	payload := checkoutCompletedPayload("paid")
	header := signPayload("whsec_wrong_secret", payload, time.Now())

	if _, err := client.ParseWebhook(payload, header); err == nil {
		t.Fatal("forged signature must be rejected")
	}
}

func TestParseWebhook_RejectsTamperedPayload(t *testing.T) {
	client := newTestClient()
	payload := checkoutCompletedPayload("paid")
	header := signPayload(testWebhookSecret, payload, time.Now())

	tampered := checkoutCompletedPayload("unpaid")
	if _, err := client.ParseWebhook(tampered, header); err == nil {
		t.Fatal("tampered payload must be rejected")
	}
}

func TestParseWebhook_UnhandledEventType(t *testing.T) {
	client := newTestClient()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_test_2",
		"api_version": %q,
		"type": "invoice.paid",
		"data": {"object": {}}
	}`, stripe.APIVersion))
	header := signPayload(testWebhookSecret, payload, time.Now())

	_, err := client.ParseWebhook(payload, header)
	if !errors.Is(err, ErrUnhandledEvent) {
		t.Fatalf("expected ErrUnhandledEvent got %v", err)
	}
}
