package util

import (
	"context"
	"time"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
)

// Outcome 有界重试的结果类别
type Outcome uint8

const (
	// Success 操作成功
	Success Outcome = iota
	// OutOfSpace 重试次数用尽后仍然空间不足
	OutOfSpace
	// Failed 其它不可重试的错误
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "SUCCESS"
	case OutOfSpace:
		return "OUT_OF_SPACE"
	}
	return "FAILED"
}

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Result 带类型的重试结果
type Result[T any] struct {
	Value    T
	Outcome  Outcome
	Err      error
	Attempts int
}

func (r Result[T]) OK() bool {
	return r.Outcome == Success
}

// RetryOnOutOfSpace 在空间不足时按策略重试op，其它错误立即返回。
// 两次尝试之间等待Backoff，ctx取消时提前结束。
func RetryOnOutOfSpace[T any](ctx context.Context, policy RetryPolicy, op func(attempt int) (T, error)) Result[T] {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var res Result[T]
	for i := 1; i <= attempts; i++ {
		res.Attempts = i
		v, err := op(i)
		if err == nil {
			res.Value, res.Outcome, res.Err = v, Success, nil
			return res
		}
		res.Err = err
		if !basic.IsOutOfSpace(err) {
			res.Outcome = Failed
			return res
		}
		res.Outcome = OutOfSpace
		if i == attempts {
			break
		}
		if policy.Backoff > 0 {
			t := time.NewTimer(policy.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return res
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return res
		}
	}
	return res
}
