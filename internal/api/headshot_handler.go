package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"gorm.io/datatypes"

	"phHeadshot/internal/api/middleware"
	"phHeadshot/internal/database"
	"phHeadshot/internal/store"
	"phHeadshot/internal/tasks"
	"phHeadshot/internal/workflow"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type checkoutCreator interface {
	CreateCheckoutSession(userID, headshotID uint) (string, error)
}

// HeadshotHandler 负责生成请求的创建与查询。
type HeadshotHandler struct {
	store    *store.Store
	enqueuer taskEnqueuer
	payments checkoutCreator
	logger   *slog.Logger
}

// NewHeadshotHandler 构造头像请求处理器。
func NewHeadshotHandler(st *store.Store, enqueuer taskEnqueuer, payments checkoutCreator, logger *slog.Logger) *HeadshotHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadshotHandler{
		store:    st,
		enqueuer: enqueuer,
		payments: payments,
		logger:   logger,
	}
}

type generateRequest struct {
	ImageIDs    []uint               `json:"imageIds"`
	Preferences workflow.Preferences `json:"preferences"`
}

type headshotResponse struct {
	ID             uint            `json:"id"`
	Status         string          `json:"status"`
	Prompt         string          `json:"prompt,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Preferences    json.RawMessage `json:"preferences,omitempty"`
	GeneratedImage *imageResponse  `json:"generated_image,omitempty"`
	SourceImageIDs []uint          `json:"source_image_ids,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func newHeadshotResponse(hs database.Headshot) headshotResponse {
	resp := headshotResponse{
		ID:            hs.ID,
		Status:        hs.Status,
		Prompt:        hs.Prompt,
		FailureReason: hs.FailureReason,
		PaidAt:        hs.PaidAt,
		CreatedAt:     hs.CreatedAt,
	}
	if len(hs.Preferences) > 0 {
		resp.Preferences = json.RawMessage(hs.Preferences)
	}
	if hs.GeneratedImage != nil {
		img := newImageResponse(*hs.GeneratedImage)
		resp.GeneratedImage = &img
	}
	for _, img := range hs.SourceImages {
		resp.SourceImageIDs = append(resp.SourceImageIDs, img.ID)
	}
	return resp
}

// RequestGeneration 创建一条生成请求：校验图片归属、内容级去重、
// 入队后台任务并创建支付会话。生成与支付并行推进，互不阻塞。
func (h *HeadshotHandler) RequestGeneration(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	var req generateRequest
	if err := decoder.Decode(&req); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if len(req.ImageIDs) == 0 {
		BadRequest(c, "at least one source image is required")
		return
	}

	ctx := c.Request.Context()
	logger := h.logger.With(
		slog.Uint64("user_id", uint64(userID)),
		slog.String("correlation_id", middleware.GetCorrelationID(c)),
	)

	prefs := req.Preferences.Normalize()
	requestKey := workflow.RequestKey(userID, req.ImageIDs, prefs)

	// 相同内容的重复提交直接复用已有请求，不重复生成。
	if existing, err := h.store.FindHeadshotByRequestKey(ctx, userID, requestKey); err == nil {
		h.replyWithCheckout(c, logger, existing, http.StatusOK)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Error("lookup request key", slog.Any("error", err))
		Internal(c, "failed to create headshot request")
		return
	}

	sourceImages, err := h.store.GetOwnedUploadedImages(ctx, userID, req.ImageIDs)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			BadRequest(c, "image ids must reference your own uploaded images")
			return
		}
		logger.Error("load source images", slog.Any("error", err))
		Internal(c, "failed to create headshot request")
		return
	}

	prefsJSON, err := json.Marshal(prefs)
	if err != nil {
		logger.Error("encode preferences", slog.Any("error", err))
		Internal(c, "failed to create headshot request")
		return
	}

	hs, err := h.store.CreateHeadshot(ctx, userID, requestKey, datatypes.JSON(prefsJSON), sourceImages)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			// 并发提交撞上唯一索引，复用先到者。
			if existing, findErr := h.store.FindHeadshotByRequestKey(ctx, userID, requestKey); findErr == nil {
				h.replyWithCheckout(c, logger, existing, http.StatusOK)
				return
			}
		}
		logger.Error("create headshot", slog.Any("error", err))
		Internal(c, "failed to create headshot request")
		return
	}

	logger = logger.With(slog.Uint64("headshot_id", uint64(hs.ID)))

	task, err := tasks.NewHeadshotGenerateTask(hs.ID, middleware.GetCorrelationID(c))
	if err != nil {
		h.failAndReport(c, logger, hs.ID, "internal error: build task")
		return
	}
	if _, err := h.enqueuer.EnqueueContext(ctx, task); err != nil {
		logger.Error("enqueue generation task", slog.Any("error", err))
		h.failAndReport(c, logger, hs.ID, "internal error: enqueue generation")
		return
	}

	checkoutURL, err := h.payments.CreateCheckoutSession(userID, hs.ID)
	if err != nil {
		logger.Error("create checkout session", slog.Any("error", err))
		h.failAndReport(c, logger, hs.ID, "payment session creation failed")
		return
	}

	logger.Info("headshot request accepted")
	c.JSON(http.StatusCreated, gin.H{
		"headshot":     newHeadshotResponse(hs),
		"checkout_url": checkoutURL,
	})
}

// replyWithCheckout 返回已存在的请求；未支付时附带新的支付链接。
func (h *HeadshotHandler) replyWithCheckout(c *gin.Context, logger *slog.Logger, hs database.Headshot, status int) {
	resp := gin.H{"headshot": newHeadshotResponse(hs)}
	if hs.PaidAt == nil && hs.Status != database.HeadshotStatusFailed {
		checkoutURL, err := h.payments.CreateCheckoutSession(hs.UserID, hs.ID)
		if err != nil {
			logger.Error("create checkout session for existing request", slog.Any("error", err))
		} else {
			resp["checkout_url"] = checkoutURL
		}
	}
	c.JSON(status, resp)
}

// failAndReport 将请求标记为 failed 并返回 500。
func (h *HeadshotHandler) failAndReport(c *gin.Context, logger *slog.Logger, id uint, reason string) {
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.store.MarkFailed(ctx, id, reason); err != nil && !errors.Is(err, store.ErrStaleTransition) {
		logger.Error("mark headshot failed", slog.Any("error", err))
	}
	Internal(c, "failed to create headshot request")
}

// GetHeadshot 返回用户自己的某条请求详情。
func (h *HeadshotHandler) GetHeadshot(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		BadRequest(c, "invalid headshot id")
		return
	}

	hs, err := h.store.GetHeadshot(c.Request.Context(), uint(id), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(c, "headshot not found")
			return
		}
		h.logger.Error("get headshot", slog.Any("error", err))
		Internal(c, "failed to load headshot")
		return
	}

	c.JSON(http.StatusOK, gin.H{"headshot": newHeadshotResponse(hs)})
}

// ListHeadshots 按创建时间倒序列出用户全部请求。
func (h *HeadshotHandler) ListHeadshots(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	headshots, err := h.store.ListHeadshots(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list headshots", slog.Any("error", err))
		Internal(c, "failed to list headshots")
		return
	}

	items := make([]headshotResponse, 0, len(headshots))
	for _, hs := range headshots {
		items = append(items, newHeadshotResponse(hs))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
