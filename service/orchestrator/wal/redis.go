package wal

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	errs "IMCore/tools/errs"
)

// 键布局：
//   im:wal:<server_id>   Entry JSON，TTL = 下游消费 SLA
//   im:wal:pending       ZSET server_id -> receivedAtUnix，发布成功后移除
const (
	keyPrefix  = "im:wal:"
	keyPending = "im:wal:pending"
)

// 写条目 + 进 pending 索引，一次往返
// KEYS[1]=entry key KEYS[2]=pending zset
// ARGV[1]=json ARGV[2]=ttlSec ARGV[3]=score ARGV[4]=server_id
const luaAppend = `
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1
`

// 置已发布标记 + 出 pending 索引
// KEYS[1]=entry key KEYS[2]=pending zset ARGV[1]=server_id
const luaMarkPublished = `
local raw = redis.call("GET", KEYS[1])
if raw then
  local e = cjson.decode(raw)
  e["published"] = true
  local ttl = redis.call("TTL", KEYS[1])
  if ttl > 0 then
    redis.call("SET", KEYS[1], cjson.encode(e), "EX", ttl)
  else
    redis.call("SET", KEYS[1], cjson.encode(e))
  end
end
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`

type RedisWAL struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisWAL(rdb redis.UniversalClient, ttl time.Duration) *RedisWAL {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisWAL{rdb: rdb, ttl: ttl}
}

func key(serverID string) string { return keyPrefix + serverID }

func (w *RedisWAL) Append(ctx context.Context, e *Entry) error {
	err := w.rdb.Eval(ctx, luaAppend,
		[]string{key(e.ServerMsgID), keyPending},
		e.encode(), int(w.ttl.Seconds()), e.ReceivedAt, e.ServerMsgID,
	).Err()
	if err != nil {
		return errs.ErrStorageUnavailable.WrapMsg("wal append", "server_id", e.ServerMsgID)
	}
	return nil
}

func (w *RedisWAL) MarkPublished(ctx context.Context, serverMsgID string) error {
	err := w.rdb.Eval(ctx, luaMarkPublished,
		[]string{key(serverMsgID), keyPending}, serverMsgID,
	).Err()
	if err != nil {
		return errs.ErrStorageUnavailable.WrapMsg("wal mark published")
	}
	return nil
}

func (w *RedisWAL) Get(ctx context.Context, serverMsgID string) (*Entry, bool, error) {
	raw, err := w.rdb.Get(ctx, key(serverMsgID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.ErrStorageUnavailable.WrapMsg("wal get")
	}
	e, derr := decode(raw)
	if derr != nil {
		// 序列损坏属 Fatal 级别，交由上层决定是否拒绝启动
		return nil, false, errs.ErrWALCorrupt.WithDetail(serverMsgID)
	}
	return e, true, nil
}

func (w *RedisWAL) PendingBefore(ctx context.Context, before time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 128
	}
	// score 与 Entry.ReceivedAt 同为毫秒
	idsList, err := w.rdb.ZRangeByScore(ctx, keyPending, &redis.ZRangeBy{
		Min: "-inf", Max: formatUnix(before.UnixMilli()), Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errs.ErrStorageUnavailable.WrapMsg("wal pending scan")
	}
	out := make([]*Entry, 0, len(idsList))
	for _, id := range idsList {
		e, ok, err := w.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 条目被 TTL 回收但索引残留，清掉
			w.rdb.ZRem(ctx, keyPending, id)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (w *RedisWAL) Close() error { return nil }

func formatUnix(v int64) string {
	// strconv 足矣，避免 fmt 分配
	buf := [20]byte{}
	i := len(buf)
	neg := v < 0
	if neg {
		v = -v
	}
	for {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

var _ WAL = (*RedisWAL)(nil)
