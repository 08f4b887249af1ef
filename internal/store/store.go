package store

import (
	"errors"

	"gorm.io/gorm"
)

// Store 封装 Image/Headshot 的持久化操作。
// 所有读取与更新都以 owner 过滤，跨用户访问一律 ErrNotFound。
type Store struct {
	db *gorm.DB
}

// New 构造 Store。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var (
	// ErrNotFound 行不存在或不属于该用户。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateRequest 同一用户重复提交了内容相同的生成请求。
	ErrDuplicateRequest = errors.New("duplicate generation request")
	// ErrStaleTransition 状态守卫未命中任何行（行已处于终态或被并发修改）。
	ErrStaleTransition = errors.New("stale status transition")
)

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
