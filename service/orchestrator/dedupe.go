package orchestrator

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"IMCore/metrics"
	errs "IMCore/tools/errs"
)

// DedupeResult 首次提交时记录的最终结果，重复提交原样返回
type DedupeResult struct {
	ServerMsgID string `json:"server_msg_id"`
	Seq         int64  `json:"seq"`
	CommittedAt int64  `json:"committed_at"`
}

// Deduper 以 sender_id|client_msg_id 为键的幂等表
type Deduper interface {
	// Lookup 命中返回首次结果；miss 返回 (nil, nil)
	Lookup(ctx context.Context, senderID, clientMsgID string) (*DedupeResult, error)
	// Record 写入首次提交结果
	Record(ctx context.Context, senderID, clientMsgID string, r *DedupeResult) error
	Close() error
}

func dedupeKey(senderID, clientMsgID string) string {
	return senderID + "|" + clientMsgID
}

// ===== 进程内 LRU 前置 + Redis 后备 =====

type lruEntry struct {
	key string
	val *DedupeResult
}

type dedupeLRU struct {
	mu   sync.Mutex
	cap  int
	ll   *list.List
	byKey map[string]*list.Element
}

func newDedupeLRU(capacity int) *dedupeLRU {
	if capacity <= 0 {
		capacity = 65536
	}
	return &dedupeLRU{cap: capacity, ll: list.New(), byKey: make(map[string]*list.Element)}
}

func (c *dedupeLRU) get(key string) *DedupeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[key]
	if !ok {
		return nil
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).val
}

func (c *dedupeLRU) put(key string, val *DedupeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byKey[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry).val = val
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, val: val})
	c.byKey[key] = el
	if c.ll.Len() > c.cap {
		tail := c.ll.Back()
		if tail != nil {
			c.ll.Remove(tail)
			delete(c.byKey, tail.Value.(*lruEntry).key)
		}
	}
}

// RedisDeduper 进程内 LRU 挡掉热点重试，Redis 保证跨节点幂等
type RedisDeduper struct {
	rdb   redis.UniversalClient
	cache *dedupeLRU
	ttl   time.Duration
}

func NewRedisDeduper(rdb redis.UniversalClient, lruSize int, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, cache: newDedupeLRU(lruSize), ttl: ttl}
}

func (d *RedisDeduper) redisKey(key string) string {
	return fmt.Sprintf("im:dedupe:{%s}", key)
}

func (d *RedisDeduper) Lookup(ctx context.Context, senderID, clientMsgID string) (*DedupeResult, error) {
	key := dedupeKey(senderID, clientMsgID)
	if r := d.cache.get(key); r != nil {
		metrics.DedupeHits.Inc()
		return r, nil
	}
	raw, err := d.rdb.Get(ctx, d.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	var r DedupeResult
	if err := json.Unmarshal(raw, &r); err != nil {
		// 脏数据按 miss 处理，重新提交会覆盖
		return nil, nil
	}
	d.cache.put(key, &r)
	metrics.DedupeHits.Inc()
	return &r, nil
}

func (d *RedisDeduper) Record(ctx context.Context, senderID, clientMsgID string, r *DedupeResult) error {
	key := dedupeKey(senderID, clientMsgID)
	raw, err := json.Marshal(r)
	if err != nil {
		return errs.Wrap(err)
	}
	if err := d.rdb.Set(ctx, d.redisKey(key), raw, d.ttl).Err(); err != nil {
		return errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	d.cache.put(key, r)
	return nil
}

func (d *RedisDeduper) Close() error { return nil }

// MemDeduper 单测用，纯进程内
type MemDeduper struct {
	mu sync.Mutex
	m  map[string]*DedupeResult
}

func NewMemDeduper() *MemDeduper {
	return &MemDeduper{m: make(map[string]*DedupeResult)}
}

func (d *MemDeduper) Lookup(_ context.Context, senderID, clientMsgID string) (*DedupeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.m[dedupeKey(senderID, clientMsgID)]
	if !ok {
		return nil, nil
	}
	metrics.DedupeHits.Inc()
	return r, nil
}

func (d *MemDeduper) Record(_ context.Context, senderID, clientMsgID string, r *DedupeResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[dedupeKey(senderID, clientMsgID)] = r
	return nil
}

func (d *MemDeduper) Close() error { return nil }
