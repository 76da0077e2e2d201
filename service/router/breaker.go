package router

import (
	"sync"
	"time"
)

// breaker 每网关连续失败计数；过阈值后熔断一个冷却期，
// 期间的投递直接判 GatewayUnreachable，不再打网络
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	clock     func() time.Time

	fails map[string]int
	open  map[string]time.Time // gateway_id → 熔断解除时刻
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
		fails:     make(map[string]int),
		open:      make(map[string]time.Time),
	}
}

func (b *breaker) allow(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.open[id]
	if !ok {
		return true
	}
	if b.clock().After(until) {
		// 半开：放一只探路，失败会立刻重新熔断
		delete(b.open, id)
		b.fails[id] = b.threshold - 1
		return true
	}
	return false
}

// fail 返回 true 表示本次失败触发了熔断
func (b *breaker) fail(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails[id]++
	if b.fails[id] >= b.threshold {
		b.open[id] = b.clock().Add(b.cooldown)
		b.fails[id] = 0
		return true
	}
	return false
}

func (b *breaker) success(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.fails, id)
	delete(b.open, id)
}
