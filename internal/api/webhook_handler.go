package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"phHeadshot/internal/payment"
	"phHeadshot/internal/store"
)

type webhookParser interface {
	ParseWebhook(payload []byte, signatureHeader string) (*payment.CheckoutEvent, error)
}

// WebhookHandler 处理 Stripe 回调。
type WebhookHandler struct {
	store    *store.Store
	payments webhookParser
	logger   *slog.Logger
}

// NewWebhookHandler 构造 Webhook 处理器。
func NewWebhookHandler(st *store.Store, payments webhookParser, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{store: st, payments: payments, logger: logger}
}

const maxWebhookBodyBytes = 1 << 16

// HandleStripeWebhook 验签后记录支付回执。签名不合法时直接拒绝，
// 不产生任何数据库写入。
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		BadRequest(c, "failed to read request body")
		return
	}

	event, err := h.payments.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrUnhandledEvent) {
			// 未订阅的事件类型，确认收到即可。
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		h.logger.Warn("reject stripe webhook", slog.Any("error", err))
		BadRequest(c, "invalid webhook")
		return
	}

	logger := h.logger.With(
		slog.Uint64("user_id", uint64(event.UserID)),
		slog.Uint64("headshot_id", uint64(event.HeadshotID)),
		slog.String("session_id", event.SessionID),
	)

	if !event.Paid {
		logger.Info("checkout session completed without payment")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.store.MarkPaid(c.Request.Context(), event.HeadshotID, event.UserID, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// 记录可能已被删除，回 200 避免 Stripe 无限重试。
			logger.Warn("paid headshot not found")
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		logger.Error("mark headshot paid", slog.Any("error", err))
		Internal(c, "failed to record payment")
		return
	}

	logger.Info("payment recorded")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
