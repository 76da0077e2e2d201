package registry

import (
	"context"
	"sync"

	"IMCore/logger"
	"IMCore/tools/safe"
)

// WatchedCache 本地实例表：List 起底 + Watch 增量维护
// 路由热路径只读这张表，不直接打注册中心
type WatchedCache struct {
	reg     Registry
	service string

	mu   sync.RWMutex
	byID map[string]Instance

	cancel context.CancelFunc
}

func NewWatchedCache(reg Registry, service string) *WatchedCache {
	return &WatchedCache{
		reg:     reg,
		service: service,
		byID:    make(map[string]Instance),
	}
}

func (c *WatchedCache) Start(ctx context.Context) error {
	insts, err := c.reg.List(ctx, c.service)
	if err != nil {
		return err
	}
	c.apply(insts)

	wctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	w, err := c.reg.Watch(wctx, c.service)
	if err != nil {
		cancel()
		return err
	}
	safe.Go(func() {
		defer func() { _ = w.Stop() }()
		for {
			insts, err := w.Next()
			if err != nil {
				if err == ErrStopped || wctx.Err() != nil {
					return
				}
				logger.Warnf("registry watch %s: %v", c.service, err)
				continue
			}
			c.apply(insts)
		}
	})
	return nil
}

func (c *WatchedCache) apply(insts []Instance) {
	next := make(map[string]Instance, len(insts))
	for _, in := range insts {
		next[in.ID] = in
	}
	c.mu.Lock()
	c.byID = next
	c.mu.Unlock()
}

// Get 按 gateway_id 查实例
func (c *WatchedCache) Get(id string) (Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	in, ok := c.byID[id]
	return in, ok
}

// Lookup 带回源的查询：缓存 miss 时重新 List 一次再查。
// 被 Evict 过的实例恢复后靠这条路径回到缓存。
func (c *WatchedCache) Lookup(ctx context.Context, id string) (Instance, bool) {
	if in, ok := c.Get(id); ok {
		return in, true
	}
	insts, err := c.reg.List(ctx, c.service)
	if err != nil {
		logger.Warnf("registry list %s: %v", c.service, err)
		return Instance{}, false
	}
	c.apply(insts)
	return c.Get(id)
}

// Evict 连接失败后摘掉缓存项，下次查询回源重建
func (c *WatchedCache) Evict(id string) {
	c.mu.Lock()
	delete(c.byID, id)
	c.mu.Unlock()
}

func (c *WatchedCache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}
