package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy 有界指数退避（带抖动）
type Policy struct {
	MaxAttempts  int           // 总尝试次数（含首次）
	InitialDelay time.Duration // 首次回退
	MaxDelay     time.Duration // 回退上限
	Multiplier   float64       // 指数系数
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func (p Policy) norm() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

// Backoff 第 attempt 次失败后的等待时间（attempt 从 0 开始），含 ±20% 抖动
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.norm()
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	out := time.Duration(d * jitter)
	if out > p.MaxDelay {
		out = p.MaxDelay
	}
	return out
}

// Do 重试直到成功、次数耗尽或 ctx 取消；shouldRetry 为 nil 时全部错误可重试
func (p Policy) Do(ctx context.Context, op func() error, shouldRetry func(error) bool) error {
	p = p.norm()
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		t := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
