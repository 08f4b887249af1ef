package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"phHeadshot/internal/database"
)

// CreateHeadshot 以 pending 状态插入一条生成请求，并关联源图片。
// 同一用户重复的 requestKey 返回 ErrDuplicateRequest。
func (s *Store) CreateHeadshot(ctx context.Context, ownerID uint, requestKey string, preferences datatypes.JSON, sourceImages []database.Image) (database.Headshot, error) {
	hs := database.Headshot{
		UserID:       ownerID,
		Status:       database.HeadshotStatusPending,
		RequestKey:   requestKey,
		Preferences:  preferences,
		SourceImages: sourceImages,
	}
	if err := s.db.WithContext(ctx).Create(&hs).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return database.Headshot{}, ErrDuplicateRequest
		}
		return database.Headshot{}, fmt.Errorf("create headshot: %w", err)
	}
	return hs, nil
}

// FindHeadshotByRequestKey 查找该用户内容相同的历史请求。
func (s *Store) FindHeadshotByRequestKey(ctx context.Context, ownerID uint, requestKey string) (database.Headshot, error) {
	var hs database.Headshot
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND request_key = ?", ownerID, requestKey).
		First(&hs).Error; err != nil {
		return database.Headshot{}, translateNotFound(err)
	}
	return hs, nil
}

// GetHeadshot 返回用户自己的某条请求，预加载生成结果与源图片。
func (s *Store) GetHeadshot(ctx context.Context, id, ownerID uint) (database.Headshot, error) {
	var hs database.Headshot
	if err := s.db.WithContext(ctx).
		Preload("GeneratedImage").
		Preload("SourceImages").
		Where("id = ? AND user_id = ?", id, ownerID).
		First(&hs).Error; err != nil {
		return database.Headshot{}, translateNotFound(err)
	}
	return hs, nil
}

// GetHeadshotByID 不带 owner 过滤的读取，仅供 worker 内部使用。
func (s *Store) GetHeadshotByID(ctx context.Context, id uint) (database.Headshot, error) {
	var hs database.Headshot
	if err := s.db.WithContext(ctx).
		Preload("SourceImages").
		First(&hs, id).Error; err != nil {
		return database.Headshot{}, translateNotFound(err)
	}
	return hs, nil
}

// ListHeadshots 按创建时间倒序列出用户全部请求。
func (s *Store) ListHeadshots(ctx context.Context, ownerID uint) ([]database.Headshot, error) {
	var headshots []database.Headshot
	if err := s.db.WithContext(ctx).
		Preload("GeneratedImage").
		Where("user_id = ?", ownerID).
		Order("created_at DESC").
		Find(&headshots).Error; err != nil {
		return nil, fmt.Errorf("list headshots: %w", err)
	}
	return headshots, nil
}

// 以下状态写入全部带守卫条件：守卫未命中返回 ErrStaleTransition，
// 终态行因此天然不可再变更，晚到的流水线结果会被丢弃。

// MarkProcessing 执行 pending → processing。
func (s *Store) MarkProcessing(ctx context.Context, id uint) error {
	return s.guardedUpdate(ctx, id,
		[]string{database.HeadshotStatusPending},
		map[string]any{"status": database.HeadshotStatusProcessing},
	)
}

// SetPrompt 在 processing 阶段持久化最终生成提示词。
func (s *Store) SetPrompt(ctx context.Context, id uint, prompt string) error {
	return s.guardedUpdate(ctx, id,
		[]string{database.HeadshotStatusProcessing},
		map[string]any{"prompt": prompt},
	)
}

// Complete 在同一条 UPDATE 中落地 completed 状态与生成图片引用，
// 读取方不可能只看到其中之一。
func (s *Store) Complete(ctx context.Context, id, generatedImageID uint) error {
	return s.guardedUpdate(ctx, id,
		[]string{database.HeadshotStatusProcessing},
		map[string]any{
			"status":             database.HeadshotStatusCompleted,
			"generated_image_id": generatedImageID,
		},
	)
}

// MarkFailed 记录失败原因并进入 failed 终态。
// pending 行也可以直接失败（例如支付会话创建失败时）。
func (s *Store) MarkFailed(ctx context.Context, id uint, reason string) error {
	return s.guardedUpdate(ctx, id,
		[]string{database.HeadshotStatusPending, database.HeadshotStatusProcessing},
		map[string]any{
			"status":         database.HeadshotStatusFailed,
			"failure_reason": reason,
		},
	)
}

// MarkPaid 记录支付回执时间，不影响状态机。
func (s *Store) MarkPaid(ctx context.Context, id, ownerID uint, paidAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&database.Headshot{}).
		Where("id = ? AND user_id = ?", id, ownerID).
		Update("paid_at", paidAt)
	if result.Error != nil {
		return fmt.Errorf("mark paid: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) guardedUpdate(ctx context.Context, id uint, fromStates []string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&database.Headshot{}).
		Where("id = ? AND status IN ?", id, fromStates).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update headshot %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}
