package database

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User 表示系统中的账号信息。
type User struct {
	gorm.Model
	Username     string     `gorm:"uniqueIndex;size:64"`
	PasswordHash string     `gorm:"size:255"`
	Images       []Image    `gorm:"constraint:OnDelete:CASCADE"`
	Headshots    []Headshot `gorm:"constraint:OnDelete:CASCADE"`
}

// Image 类型：用户上传的原始照片，或流水线产出的头像。
const (
	ImageTypeUploaded  = "uploaded"
	ImageTypeGenerated = "generated"
)

// Image 表示对象存储中的一张图片记录。
// 约定先写入对象存储、成功后再插入记录，行存在即 ObjectKey 可读。
type Image struct {
	gorm.Model
	UserID    uint   `gorm:"index"`
	User      User   `gorm:"constraint:OnDelete:CASCADE"`
	Type      string `gorm:"size:16;index"`
	ObjectKey string `gorm:"size:512"`
	URL       string `gorm:"size:512"`
}

// Headshot 状态机：pending → processing → completed / failed。
// completed 与 failed 为终态，任何写入都带状态守卫，不允许回退。
const (
	HeadshotStatusPending    = "pending"
	HeadshotStatusProcessing = "processing"
	HeadshotStatusCompleted  = "completed"
	HeadshotStatusFailed     = "failed"
)

// Headshot 表示一次头像生成请求及其结果。
type Headshot struct {
	gorm.Model
	UserID           uint   `gorm:"index;uniqueIndex:idx_headshots_request_key"`
	User             User   `gorm:"constraint:OnDelete:CASCADE"`
	Status           string `gorm:"size:16;default:'pending';index"`
	Prompt           string `gorm:"type:text"`
	FailureReason    string `gorm:"type:text"`
	GeneratedImageID *uint  `gorm:"index"`
	GeneratedImage   *Image `gorm:"foreignKey:GeneratedImageID"`
	// RequestKey 为同一用户内容相同的重复提交去重（sha256）。
	RequestKey   string         `gorm:"size:64;uniqueIndex:idx_headshots_request_key"`
	Preferences  datatypes.JSON `gorm:"type:jsonb"`
	PaidAt       *time.Time
	SourceImages []Image `gorm:"many2many:headshot_source_images"`
}

// IsTerminal 返回该行是否已处于终态。
func (h *Headshot) IsTerminal() bool {
	return h.Status == HeadshotStatusCompleted || h.Status == HeadshotStatusFailed
}
