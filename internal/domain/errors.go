package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，HTTP 层据此映射状态码
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindInactive
	KindUpstream
	KindConflict
	KindRateLimited
)

// String 返回分类名称
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindInactive:
		return "inactive"
	case KindUpstream:
		return "upstream"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error 带分类的业务错误
//
// Message 面向调用方；Err 是内部原因，只写日志不返回给调用方。
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同分类同消息视为同一错误，便于对哨兵错误使用 errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// NewError 创建分类错误
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Validation 参数错误
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Upstream 账本或 blob 存储失败（重试耗尽）
func Upstream(message string, cause error) *Error {
	return &Error{Kind: KindUpstream, Message: message, Err: cause}
}

// Internal 未预期错误
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: cause}
}

// KindOf 提取错误分类，非 *Error 一律视为内部错误
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// PublicMessage 返回可以展示给调用方的错误信息，不包含内部原因
func PublicMessage(err error) string {
	var de *Error
	if !errors.As(err, &de) || de.Kind == KindInternal {
		return "Internal server error"
	}
	return de.Message
}

// 业务哨兵错误
var (
	ErrFeedNotFound         = &Error{Kind: KindNotFound, Message: "Feed not found"}
	ErrFeedInactive         = &Error{Kind: KindInactive, Message: "Feed is not active"}
	ErrSubscriptionNotFound = &Error{Kind: KindNotFound, Message: "Subscription not found"}
	ErrCredentialNotFound   = &Error{Kind: KindNotFound, Message: "API key not found"}
	ErrAccessDenied         = &Error{Kind: KindAuthorization, Message: "Access denied. Valid API key or subscription required."}
	ErrAuthRequired         = &Error{Kind: KindAuthentication, Message: "Authentication required. Provide an API key or subscriptionId and consumer."}
	ErrInvalidCredential    = &Error{Kind: KindAuthentication, Message: "Invalid API key"}
	ErrNotOwner             = &Error{Kind: KindAuthorization, Message: "Not authorized for this resource"}
	ErrInsufficientPayment  = &Error{Kind: KindValidation, Message: "Insufficient payment amount"}
	ErrRateLimited          = &Error{Kind: KindRateLimited, Message: "Rate limit exceeded"}
)

// ErrBlobNotFound blob 存储中不存在该对象
var ErrBlobNotFound = errors.New("blob not found")

// ErrObjectNotFound 账本中不存在该对象
var ErrObjectNotFound = errors.New("ledger object not found")
