package store

import (
	"context"
	"fmt"

	"phHeadshot/internal/database"
)

// CreateImage 插入一条图片记录。调用方保证对象已成功写入对象存储。
func (s *Store) CreateImage(ctx context.Context, ownerID uint, imageType, objectKey, url string) (database.Image, error) {
	img := database.Image{
		UserID:    ownerID,
		Type:      imageType,
		ObjectKey: objectKey,
		URL:       url,
	}
	if err := s.db.WithContext(ctx).Create(&img).Error; err != nil {
		return database.Image{}, fmt.Errorf("create image: %w", err)
	}
	return img, nil
}

// ListImages 按创建时间倒序列出用户图片，imageType 为空则不过滤类型。
func (s *Store) ListImages(ctx context.Context, ownerID uint, imageType string) ([]database.Image, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", ownerID)
	if imageType != "" {
		query = query.Where("type = ?", imageType)
	}

	var images []database.Image
	if err := query.Order("created_at DESC").Find(&images).Error; err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

// GetOwnedUploadedImages 校验并返回给定 ID 集合对应的上传图片。
// 只要有一个 ID 不属于该用户、或类型不是 uploaded，就整体拒绝。
func (s *Store) GetOwnedUploadedImages(ctx context.Context, ownerID uint, ids []uint) ([]database.Image, error) {
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	var images []database.Image
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND user_id = ? AND type = ?", ids, ownerID, database.ImageTypeUploaded).
		Find(&images).Error; err != nil {
		return nil, fmt.Errorf("query uploaded images: %w", err)
	}

	found := make(map[uint]struct{}, len(images))
	for _, img := range images {
		found[img.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return nil, ErrNotFound
		}
	}
	return images, nil
}

// DeleteImage 删除用户自己的图片记录并返回被删的行，便于调用方清理对象存储。
func (s *Store) DeleteImage(ctx context.Context, id, ownerID uint) (database.Image, error) {
	var img database.Image
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, ownerID).
		First(&img).Error; err != nil {
		return database.Image{}, translateNotFound(err)
	}

	if err := s.db.WithContext(ctx).Delete(&database.Image{}, img.ID).Error; err != nil {
		return database.Image{}, fmt.Errorf("delete image: %w", err)
	}
	return img, nil
}
