package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"phHeadshot/internal/database"
	"phHeadshot/internal/errcode"
	"phHeadshot/internal/store"
	"phHeadshot/internal/tasks"
	"phHeadshot/internal/workflow"
)

// GenerationTaskHandler 负责消费头像生成任务。
type GenerationTaskHandler struct {
	store       *store.Store
	engine      *workflow.Engine
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewGenerationTaskHandler 创建任务处理器。
func NewGenerationTaskHandler(st *store.Store, engine *workflow.Engine, redisClient *redis.Client, logger *slog.Logger) *GenerationTaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationTaskHandler{
		store:       st,
		engine:      engine,
		redisClient: redisClient,
		logger:      logger,
	}
}

// ProcessTask 实现 asynq.Handler。
// 引擎内部把失败写进 Headshot 行，这里只在基础设施出错时返回 error。
func (h *GenerationTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.HeadshotGeneratePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("unmarshal task payload failed", slog.Any("error", err))
		return err
	}

	log := h.logger.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Uint64("headshot_id", uint64(payload.HeadshotID)),
	)
	log.Info("starting headshot generation task")

	if err := h.engine.Run(ctx, payload.HeadshotID); err != nil {
		log.Error("generation engine failed", slog.Any("error", err))
		return err
	}

	// 重新读取行状态，把最终结果推给前端（客户端轮询仍然可用）。
	hs, err := h.store.GetHeadshotByID(context.WithoutCancel(ctx), payload.HeadshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		log.Error("reload headshot failed", slog.Any("error", err))
		return err
	}

	notify := GenerationNotifyMessage{
		Status:        hs.Status,
		HeadshotID:    hs.ID,
		CorrelationID: payload.CorrelationID,
		ErrorCode:     errcode.OK,
	}
	if hs.Status == database.HeadshotStatusFailed {
		notify.ErrorCode = errcode.GenerationFailed
		notify.ErrorMessage = hs.FailureReason
	}
	if err := h.publishNotify(context.WithoutCancel(ctx), hs.UserID, notify); err != nil {
		log.Error("publish redis notification failed", slog.Any("error", err))
	}

	log.Info("headshot generation task finished", slog.String("status", hs.Status))
	return nil
}

func (h *GenerationTaskHandler) publishNotify(ctx context.Context, userID uint, notify GenerationNotifyMessage) error {
	if h.redisClient == nil {
		return nil
	}
	data, err := json.Marshal(notify)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	channel := fmt.Sprintf("user_notify:%d", userID)
	if err := h.redisClient.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", channel, err)
	}
	return nil
}
