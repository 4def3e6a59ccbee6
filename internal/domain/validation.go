package domain

import (
	"regexp"
	"strings"
)

// 验证常量
const (
	MaxNameLength        = 100
	MaxDescriptionLength = 500
	MaxLocationLength    = 200
)

// 账本地址与对象 ID 均为 0x 开头的十六进制串
var hexIDRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)

// ValidateAddress 验证账本地址
func ValidateAddress(address string) error {
	if address == "" {
		return Validation("Address is required")
	}
	if !hexIDRegex.MatchString(address) {
		return Validation("Invalid address format")
	}
	return nil
}

// ValidateObjectID 验证账本对象 ID（feed、subscription）
func ValidateObjectID(id string) error {
	if id == "" {
		return Validation("Object id is required")
	}
	if !hexIDRegex.MatchString(id) {
		return Validation("Invalid object id format")
	}
	return nil
}

// NormalizeAddress 统一小写，便于比较
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// SameAddress 忽略大小写比较两个地址
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// Validate 验证注册元数据
func (m *FeedMetadata) Validate() error {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return Validation("Feed name is required")
	}
	if len(name) > MaxNameLength {
		return Validation("Feed name too long (max 100 chars)")
	}
	if strings.TrimSpace(m.Category) == "" {
		return Validation("Category is required")
	}
	if len(m.Description) > MaxDescriptionLength {
		return Validation("Description too long (max 500 chars)")
	}
	if len(m.Location) > MaxLocationLength {
		return Validation("Location too long (max 200 chars)")
	}
	return nil
}
