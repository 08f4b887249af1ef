package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gorm.io/datatypes"

	"phHeadshot/internal/database"
	"phHeadshot/internal/payment"
	"phHeadshot/internal/store"
)

type fakeWebhookParser struct {
	event *payment.CheckoutEvent
	err   error
}

func (f *fakeWebhookParser) ParseWebhook(_ []byte, _ string) (*payment.CheckoutEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.event, nil
}

func seedPendingHeadshot(t *testing.T, st *store.Store, userID uint) database.Headshot {
	t.Helper()
	img, err := st.CreateImage(context.Background(), userID, database.ImageTypeUploaded, "uploaded/src.png", "https://blobs.invalid/src.png")
	if err != nil {
		t.Fatalf("seed image: %v", err)
	}
	hs, err := st.CreateHeadshot(context.Background(), userID, "wh-key", datatypes.JSON(`{}`), []database.Image{img})
	if err != nil {
		t.Fatalf("seed headshot: %v", err)
	}
	return hs
}

func TestStripeWebhook_InvalidSignatureHasNoSideEffects(t *testing.T) {
	st := newTestStore(t)
	hs := seedPendingHeadshot(t, st, 7)
	h := NewWebhookHandler(st, &fakeWebhookParser{err: errors.New("verify webhook signature: mismatch")}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	c, w := newTestContext(t, 0, req)

	h.HandleStripeWebhook(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}
	got, err := st.GetHeadshot(context.Background(), hs.ID, 7)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.PaidAt != nil {
		t.Fatal("invalid signature must not record payment")
	}
}

func TestStripeWebhook_MarksPaid(t *testing.T) {
	st := newTestStore(t)
	hs := seedPendingHeadshot(t, st, 7)
	parser := &fakeWebhookParser{event: &payment.CheckoutEvent{
		Type:       "checkout.session.completed",
		SessionID:  "cs_test_1",
		UserID:     7,
		HeadshotID: hs.ID,
		Paid:       true,
	}}
	h := NewWebhookHandler(st, parser, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	c, w := newTestContext(t, 0, req)

	h.HandleStripeWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	got, err := st.GetHeadshot(context.Background(), hs.ID, 7)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.PaidAt == nil {
		t.Fatal("payment not recorded")
	}
}

func TestStripeWebhook_UnhandledEventIgnored(t *testing.T) {
	st := newTestStore(t)
	h := NewWebhookHandler(st, &fakeWebhookParser{err: payment.ErrUnhandledEvent}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`))
	c, w := newTestContext(t, 0, req)

	h.HandleStripeWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("unhandled events must be acknowledged, got %d", w.Code)
	}
}

func TestStripeWebhook_UnpaidSessionIgnored(t *testing.T) {
	st := newTestStore(t)
	hs := seedPendingHeadshot(t, st, 7)
	parser := &fakeWebhookParser{event: &payment.CheckoutEvent{
		Type:       "checkout.session.completed",
		UserID:     7,
		HeadshotID: hs.ID,
		Paid:       false,
	}}
	h := NewWebhookHandler(st, parser, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`))
	c, w := newTestContext(t, 0, req)

	h.HandleStripeWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	got, err := st.GetHeadshot(context.Background(), hs.ID, 7)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.PaidAt != nil {
		t.Fatal("unpaid session must not record payment")
	}
}

func TestStripeWebhook_UnknownHeadshotAcknowledged(t *testing.T) {
	st := newTestStore(t)
	parser := &fakeWebhookParser{event: &payment.CheckoutEvent{
		Type:       "checkout.session.completed",
		UserID:     7,
		HeadshotID: 9999,
		Paid:       true,
	}}
	h := NewWebhookHandler(st, parser, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`))
	c, w := newTestContext(t, 0, req)

	h.HandleStripeWebhook(c)

	// 行不存在时确认收到，避免 Stripe 无限重试。
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
}
