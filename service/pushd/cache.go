package pushd

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"IMCore/logger"
	"IMCore/metrics"
	"IMCore/protocol"
	"IMCore/service/presence"
	"IMCore/tools/safe"
)

type cacheEntry struct {
	devices  []*protocol.PresenceRecord // 空切片即负缓存（确认离线）
	expireAt time.Time
}

// PresenceCache 在线态前面的读缓存。正负结果都缓存（TTL 可不同），
// 订阅在线态变更流做失效，不等 TTL 到期。
type PresenceCache struct {
	svc    presence.Service
	posTTL time.Duration
	negTTL time.Duration
	clock  func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry

	cancel context.CancelFunc
	log    *zap.SugaredLogger
}

func NewPresenceCache(svc presence.Service, posTTL, negTTL time.Duration) *PresenceCache {
	if posTTL <= 0 {
		posTTL = 5 * time.Second
	}
	if negTTL <= 0 {
		negTTL = 2 * time.Second
	}
	return &PresenceCache{
		svc:     svc,
		posTTL:  posTTL,
		negTTL:  negTTL,
		clock:   time.Now,
		entries: make(map[string]cacheEntry),
		log:     logger.S("presence-cache"),
	}
}

// Start 挂上变更订阅；失败不致命，缓存退化为纯 TTL
func (c *PresenceCache) Start(ctx context.Context) {
	ch, cancel, err := c.svc.Watch(ctx, nil)
	if err != nil {
		c.log.Warnf("presence watch unavailable, ttl-only cache: %v", err)
		return
	}
	c.cancel = cancel
	safe.Go(func() {
		for ev := range ch {
			c.Invalidate(ev.UserID)
		}
	})
}

// Devices 用户当前全部在线设备；后端不可用时错误上抛（未知≠离线）
func (c *PresenceCache) Devices(ctx context.Context, userID string) ([]*protocol.PresenceRecord, error) {
	now := c.clock()
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && now.Before(e.expireAt) {
		if len(e.devices) == 0 {
			metrics.PresenceCacheHits.WithLabelValues("negative_hit").Inc()
		} else {
			metrics.PresenceCacheHits.WithLabelValues("hit").Inc()
		}
		return e.devices, nil
	}
	metrics.PresenceCacheHits.WithLabelValues("miss").Inc()

	devices, err := c.svc.GetDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	ttl := c.posTTL
	if len(devices) == 0 {
		ttl = c.negTTL
	}
	c.mu.Lock()
	c.entries[userID] = cacheEntry{devices: devices, expireAt: now.Add(ttl)}
	c.mu.Unlock()
	return devices, nil
}

func (c *PresenceCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

func (c *PresenceCache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
