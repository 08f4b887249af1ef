package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Preferences 是生成头像的固定偏好字段集合。
// API 层以 DisallowUnknownFields 解码，未知键直接拒绝。
type Preferences struct {
	Background         string `json:"background,omitempty"`
	Style              string `json:"style,omitempty"`
	Clothing           string `json:"clothing,omitempty"`
	Lighting           string `json:"lighting,omitempty"`
	Mood               string `json:"mood,omitempty"`
	CustomInstructions string `json:"customInstructions,omitempty"`
}

// Normalize 去掉各字段首尾空白，保证等价偏好生成相同的请求键。
func (p Preferences) Normalize() Preferences {
	return Preferences{
		Background:         strings.TrimSpace(p.Background),
		Style:              strings.TrimSpace(p.Style),
		Clothing:           strings.TrimSpace(p.Clothing),
		Lighting:           strings.TrimSpace(p.Lighting),
		Mood:               strings.TrimSpace(p.Mood),
		CustomInstructions: strings.TrimSpace(p.CustomInstructions),
	}
}

func (p Preferences) canonical() string {
	return fmt.Sprintf("bg=%s|style=%s|clothing=%s|lighting=%s|mood=%s|custom=%s",
		p.Background, p.Style, p.Clothing, p.Lighting, p.Mood, p.CustomInstructions)
}

// RequestKey 由 owner、排序后的源图片 ID 与规范化偏好哈希而成，
// 同一用户重复提交相同内容会命中唯一索引而不会二次扣费生成。
func RequestKey(ownerID uint, imageIDs []uint, prefs Preferences) string {
	sorted := make([]uint, len(imageIDs))
	copy(sorted, imageIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "user=%d|images=", ownerID)
	for i, id := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	b.WriteByte('|')
	b.WriteString(prefs.Normalize().canonical())

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
