package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

// Policy 外部只读调用的超时与重试策略
//
// 重试间隔固定（Factor=1），只用于可重复执行的读操作；变更类调用不得经过这里。
type Policy struct {
	Retries int           // 首次失败后的重试次数
	Delay   time.Duration // 固定重试间隔
	Timeout time.Duration // 单次尝试超时，0 表示不设置
}

// DefaultPolicy 2 次重试、600ms 间隔、10s 单次超时
func DefaultPolicy() Policy {
	return Policy{Retries: 2, Delay: 600 * time.Millisecond, Timeout: 10 * time.Second}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent 标记不应重试的错误（例如对象不存在）
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do 按策略执行 fn，返回最后一次的错误
//
// Permanent 包装的错误立即返回并解除包装；ctx 取消时停止等待。
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	b := &backoff.Backoff{Min: p.Delay, Max: p.Delay, Factor: 1}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(b.Duration())
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}
		}

		value, err := withTimeout(ctx, p.Timeout, fn)
		if err == nil {
			return value, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// Once 执行一次带超时的调用，用于变更类操作
func Once[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return withTimeout(ctx, timeout, fn)
}
