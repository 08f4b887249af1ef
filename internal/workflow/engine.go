package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"phHeadshot/internal/database"
	"phHeadshot/internal/store"
)

// SourceImage 是一张待分析的源图片内容。
type SourceImage struct {
	Data        []byte
	ContentType string
}

// VisionService 抽象视觉分析、提示词合成与图像生成三个外部调用。
type VisionService interface {
	Describe(ctx context.Context, images []SourceImage) (string, error)
	ComposePrompt(ctx context.Context, description string, prefs Preferences) (string, error)
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// BlobStore 抽象对象存储读写，storage.Client 直接满足该接口。
type BlobStore interface {
	FetchBytes(ctx context.Context, objectKey string) ([]byte, error)
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error)
}

// Engine 驱动 Headshot 状态机：pending → processing → completed/failed。
// 每次 Run 处理一条记录，整个流水线受单个墙钟超时约束。
type Engine struct {
	store   *store.Store
	vision  VisionService
	blobs   BlobStore
	logger  *slog.Logger
	timeout time.Duration
}

// NewEngine 构造生成引擎。timeout <= 0 时取一分钟。
func NewEngine(st *store.Store, vision VisionService, blobs BlobStore, logger *slog.Logger, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		vision:  vision,
		blobs:   blobs,
		logger:  logger,
		timeout: timeout,
	}
}

// Run 执行一条生成请求。终态行与不存在的行都是 no-op（状态机单调性）。
// 流水线失败会落在行的 failed 状态里，不作为错误向上传播；
// 返回非 nil 仅代表基础设施问题（读库失败等）。
func (e *Engine) Run(ctx context.Context, headshotID uint) error {
	log := e.logger.With(slog.Uint64("headshot_id", uint64(headshotID)))

	hs, err := e.store.GetHeadshotByID(ctx, headshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("headshot not found, skipping")
			return nil
		}
		return fmt.Errorf("load headshot: %w", err)
	}
	if hs.IsTerminal() {
		log.Info("headshot already terminal, skipping", slog.String("status", hs.Status))
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	pipeErr := e.execute(runCtx, &hs)
	if pipeErr == nil {
		log.Info("headshot generation completed")
		return nil
	}
	if errors.Is(pipeErr, store.ErrStaleTransition) {
		// 另一次写入已抢先进入终态，本次结果按约定丢弃。
		log.Warn("discarding pipeline result, row already settled", slog.Any("error", pipeErr))
		return nil
	}

	reason := pipeErr.Error()
	if errors.Is(pipeErr, context.DeadlineExceeded) {
		reason = fmt.Sprintf("timeout after %s (%s)", e.timeout, reason)
	}
	log.Error("headshot generation failed", slog.String("reason", reason))

	// 超时后 runCtx 已失效，失败状态必须用未取消的上下文落库。
	failCtx := context.WithoutCancel(ctx)
	if err := e.store.MarkFailed(failCtx, hs.ID, reason); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			log.Warn("row already terminal, failure not recorded")
			return nil
		}
		return fmt.Errorf("mark headshot failed: %w", err)
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, hs *database.Headshot) error {
	if err := e.store.MarkProcessing(ctx, hs.ID); err != nil {
		return fmt.Errorf("begin processing: %w", err)
	}

	images := make([]SourceImage, 0, len(hs.SourceImages))
	for _, src := range hs.SourceImages {
		data, err := e.blobs.FetchBytes(ctx, src.ObjectKey)
		if err != nil {
			return stepErr(StepFetch, err)
		}
		images = append(images, SourceImage{
			Data:        data,
			ContentType: http.DetectContentType(data),
		})
	}

	description, err := e.vision.Describe(ctx, images)
	if err != nil {
		return stepErr(StepAnalysis, err)
	}

	var prefs Preferences
	if len(hs.Preferences) > 0 {
		if err := json.Unmarshal(hs.Preferences, &prefs); err != nil {
			return stepErr(StepPrompt, fmt.Errorf("decode preferences: %w", err))
		}
	}

	prompt, err := e.vision.ComposePrompt(ctx, description, prefs)
	if err != nil {
		return stepErr(StepPrompt, err)
	}
	if err := e.store.SetPrompt(ctx, hs.ID, prompt); err != nil {
		return fmt.Errorf("persist prompt: %w", err)
	}

	generated, err := e.vision.GenerateImage(ctx, prompt)
	if err != nil {
		return stepErr(StepGeneration, err)
	}

	objectKey := fmt.Sprintf("generated/%d/%s.png", hs.UserID, uuid.NewString())
	url, err := e.blobs.UploadFile(ctx, objectKey, bytes.NewReader(generated), int64(len(generated)), "image/png")
	if err != nil {
		return stepErr(StepStorage, err)
	}

	img, err := e.store.CreateImage(ctx, hs.UserID, database.ImageTypeGenerated, objectKey, url)
	if err != nil {
		return stepErr(StepStorage, err)
	}

	// completed 与 generated_image_id 必须一起可见，由带守卫的单条 UPDATE 保证。
	if err := e.store.Complete(ctx, hs.ID, img.ID); err != nil {
		return fmt.Errorf("complete headshot: %w", err)
	}
	return nil
}
