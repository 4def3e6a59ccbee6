package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// PayloadKind 负载结构分类
type PayloadKind int

const (
	PayloadScalar PayloadKind = iota
	PayloadSequence
	PayloadMapping
)

// PreviewSampleSize 预览最多返回的元素数
const PreviewSampleSize = 3

var (
	mappingPlaceholder = json.RawMessage(`{"sample":"Preview data available after subscription"}`)
	scalarPlaceholder  = json.RawMessage(`"Preview: Subscribe to access full data"`)
)

// Payload feed 数据负载，核心层只当作不透明字节处理
type Payload json.RawMessage

// Kind 根据首个非空白字符判断结构
func (p Payload) Kind() PayloadKind {
	trimmed := bytes.TrimLeft(p, " \t\r\n")
	if len(trimmed) == 0 {
		return PayloadScalar
	}
	switch trimmed[0] {
	case '[':
		return PayloadSequence
	case '{':
		return PayloadMapping
	default:
		return PayloadScalar
	}
}

// Size 负载字节数
func (p Payload) Size() int64 {
	return int64(len(p))
}

// MarshalJSON 原样输出
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON 原样保存
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

// Sample 生成有界预览：序列取前 3 个元素，其余返回固定占位
func (p Payload) Sample() Payload {
	switch p.Kind() {
	case PayloadSequence:
		var items []json.RawMessage
		if err := json.Unmarshal(p, &items); err != nil {
			return PlaceholderSample(PayloadMapping)
		}
		if len(items) > PreviewSampleSize {
			items = items[:PreviewSampleSize]
		}
		out, err := json.Marshal(items)
		if err != nil {
			return PlaceholderSample(PayloadMapping)
		}
		return out
	case PayloadMapping:
		return PlaceholderSample(PayloadMapping)
	default:
		return PlaceholderSample(PayloadScalar)
	}
}

// PlaceholderSample 返回占位预览，blob 不可用时同样使用
func PlaceholderSample(kind PayloadKind) Payload {
	if kind == PayloadScalar {
		return Payload(append([]byte(nil), scalarPlaceholder...))
	}
	return Payload(append([]byte(nil), mappingPlaceholder...))
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
