package payment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"phHeadshot/internal/config"
)

// Client 封装 Stripe Checkout 会话创建与 Webhook 验签。
type Client struct {
	priceID       string
	webhookSecret string
	baseURL       string
}

// NewClient 设置全局 API Key 并构造客户端。
func NewClient(cfg config.StripeConfig, publicBaseURL string) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{
		priceID:       cfg.PriceID,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimRight(publicBaseURL, "/"),
	}
}

// CreateCheckoutSession 为一次头像生成创建托管支付页，返回跳转 URL。
// user/headshot 通过 metadata 回传，Webhook 回调时据此定位记录。
func (c *Client) CreateCheckoutSession(userID, headshotID uint) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(fmt.Sprintf("%s/dashboard?success=true&headshot=%d", c.baseURL, headshotID)),
		CancelURL:  stripe.String(c.baseURL + "/dashboard?canceled=true"),
	}
	params.AddMetadata("user_id", strconv.FormatUint(uint64(userID), 10))
	params.AddMetadata("headshot_id", strconv.FormatUint(uint64(headshotID), 10))

	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	if sess.URL == "" {
		return "", errors.New("create checkout session: empty redirect url")
	}
	return sess.URL, nil
}

// CheckoutEvent 是验签后提炼出的回调内容。
type CheckoutEvent struct {
	Type       string
	SessionID  string
	UserID     uint
	HeadshotID uint
	Paid       bool
}

// ErrUnhandledEvent 表示事件类型不是我们关心的 checkout.session.completed。
var ErrUnhandledEvent = errors.New("unhandled webhook event type")

// ParseWebhook 校验签名并解析回调负载。签名不合法时不产生任何副作用。
func (c *Client) ParseWebhook(payload []byte, signatureHeader string) (*CheckoutEvent, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return &CheckoutEvent{Type: string(event.Type)}, ErrUnhandledEvent
	}

	var sess stripe.CheckoutSession
	if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}

	userID, err := parseMetadataID(sess.Metadata, "user_id")
	if err != nil {
		return nil, err
	}
	headshotID, err := parseMetadataID(sess.Metadata, "headshot_id")
	if err != nil {
		return nil, err
	}

	return &CheckoutEvent{
		Type:       string(event.Type),
		SessionID:  sess.ID,
		UserID:     userID,
		HeadshotID: headshotID,
		Paid:       sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}, nil
}

func parseMetadataID(metadata map[string]string, key string) (uint, error) {
	raw, ok := metadata[key]
	if !ok || raw == "" {
		return 0, fmt.Errorf("webhook metadata missing %s", key)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("webhook metadata %s invalid: %w", key, err)
	}
	return uint(id), nil
}
