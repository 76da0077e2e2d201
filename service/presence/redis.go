package presence

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"IMCore/logger"
	"IMCore/protocol"
	errs "IMCore/tools/errs"
	"IMCore/tools/ids"
	"IMCore/tools/safe"
)

// 键布局：
//   im:presence:<user>        HASH device -> PresenceRecord JSON（expire_at 存记录内）
//   im:presence:exp           ZSET member "user|device" score expireAtUnix
//   im:sess:<sessionID>       SessionRecord JSON，TTL = presence TTL
//   im:presence:events        Pub/Sub 变更频道
const (
	keyUserPrefix = "im:presence:"
	keyExpIndex   = "im:presence:exp"
	keySessPrefix = "im:sess:"
	eventChannel  = "im:presence:events"
)

// 原子登录：写会话键 + 用户 hash + 过期索引；返回旧记录（冲突检测用）
// KEYS[1]=user hash  KEYS[2]=exp zset  KEYS[3]=session key
// ARGV[1]=device ARGV[2]=record json ARGV[3]=session json ARGV[4]=ttlSec ARGV[5]=expAt ARGV[6]=member
const luaLogin = `
local old = redis.call("HGET", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("EXPIRE", KEYS[1], ARGV[4]*2)
redis.call("ZADD", KEYS[2], ARGV[5], ARGV[6])
redis.call("SET", KEYS[3], ARGV[3], "EX", ARGV[4])
if old then return old end
return ""
`

// 原子登出：删会话 + hash 字段 + 索引；返回被删记录
// KEYS[1]=session key KEYS[2]=user hash KEYS[3]=exp zset
// ARGV[1]=device ARGV[2]=member
const luaLogout = `
local existed = redis.call("DEL", KEYS[1])
local old = redis.call("HGET", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[2])
if existed == 0 then return "" end
if old then return old end
return ""
`

// 心跳：会话在才续期；同步推后 hash 记录的 expire_at 与索引分值
// KEYS[1]=session key KEYS[2]=user hash KEYS[3]=exp zset
// ARGV[1]=device ARGV[2]=ttlSec ARGV[3]=expAt ARGV[4]=member ARGV[5]=record json
const luaHeartbeat = `
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
redis.call("EXPIRE", KEYS[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[5])
redis.call("EXPIRE", KEYS[2], ARGV[2]*2)
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[4])
return 1
`

// 清扫：取出到期成员（由 Go 侧逐个下线并发事件，避免在脚本里做重活）
const luaSweepDue = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 256)
for _, m in ipairs(due) do
  redis.call("ZREM", KEYS[1], m)
end
return due
`

type RedisPresence struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	clock    func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	p := &RedisPresence{
		rdb:    rdb,
		ttl:    ttl,
		stopCh: make(chan struct{}),
		clock:  time.Now,
	}
	// 主动清扫：TTL/3 周期
	safe.Go(func() { p.sweeper(ttl / 3) })
	return p
}

func userKey(user string) string    { return keyUserPrefix + user }
func sessKey(sess string) string    { return keySessPrefix + sess }
func member(user, dev string) string { return user + "|" + dev }

func (p *RedisPresence) Login(ctx context.Context, userID, deviceID, platform, gatewayID string) (string, error) {
	now := p.clock()
	sessionID := ids.GenerateString()
	rec := &protocol.PresenceRecord{
		UserID:    userID,
		GatewayID: gatewayID,
		DeviceID:  deviceID,
		Platform:  platform,
		LastSeen:  now.UnixMilli(),
		Online:    true,
	}
	recJSON, _ := json.Marshal(withExpire(rec, now.Add(p.ttl)))
	sess := &protocol.SessionRecord{
		SessionID: sessionID,
		UserID:    userID,
		DeviceID:  deviceID,
		GatewayID: gatewayID,
		CreatedAt: now.UnixMilli(),
		TouchedAt: now.UnixMilli(),
	}
	sessJSON, _ := json.Marshal(sess)

	old, err := p.rdb.Eval(ctx, luaLogin,
		[]string{userKey(userID), keyExpIndex, sessKey(sessionID)},
		deviceID, recJSON, sessJSON, int(p.ttl.Seconds()), now.Add(p.ttl).Unix(), member(userID, deviceID),
	).Text()
	if err != nil {
		return "", errs.ErrRegistryUnavailable.WrapMsg("presence login", "user", userID)
	}

	kind := ChangeLogin
	var before *protocol.PresenceRecord
	if old != "" {
		before = decodeStored(old, now)
		if before != nil && before.GatewayID != gatewayID {
			kind = ChangeConflict // 同 (user,device) 换网关，订阅方据此踢旧连接
		}
	}
	p.publish(ctx, &protocol.PresenceChange{
		UserID: userID,
		Kind:   kind,
		Before: before,
		After:  rec,
		Ts:     now.UnixMilli(),
	})
	return sessionID, nil
}

func (p *RedisPresence) Heartbeat(ctx context.Context, sessionID string) error {
	now := p.clock()
	sess, err := p.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	rec := &protocol.PresenceRecord{
		UserID:    sess.UserID,
		GatewayID: sess.GatewayID,
		DeviceID:  sess.DeviceID,
		LastSeen:  now.UnixMilli(),
		Online:    true,
	}
	recJSON, _ := json.Marshal(withExpire(rec, now.Add(p.ttl)))
	n, err := p.rdb.Eval(ctx, luaHeartbeat,
		[]string{sessKey(sessionID), userKey(sess.UserID), keyExpIndex},
		sess.DeviceID, int(p.ttl.Seconds()), now.Add(p.ttl).Unix(), member(sess.UserID, sess.DeviceID), recJSON,
	).Int()
	if err != nil {
		return errs.ErrRegistryUnavailable.WrapMsg("presence heartbeat")
	}
	if n == 0 {
		return errs.ErrUnknownSession.WithDetail(sessionID)
	}
	return nil
}

func (p *RedisPresence) Logout(ctx context.Context, sessionID string) error {
	now := p.clock()
	sess, err := p.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	old, err := p.rdb.Eval(ctx, luaLogout,
		[]string{sessKey(sessionID), userKey(sess.UserID), keyExpIndex},
		sess.DeviceID, member(sess.UserID, sess.DeviceID),
	).Text()
	if err != nil {
		return errs.ErrRegistryUnavailable.WrapMsg("presence logout")
	}
	var before *protocol.PresenceRecord
	if old != "" {
		before = decodeStored(old, now)
	}
	p.publish(ctx, &protocol.PresenceChange{
		UserID: sess.UserID,
		Kind:   ChangeLogout,
		Before: before,
		After:  &protocol.PresenceRecord{UserID: sess.UserID, DeviceID: sess.DeviceID, Online: false},
		Ts:     now.UnixMilli(),
	})
	return nil
}

func (p *RedisPresence) Get(ctx context.Context, userIDs []string) (map[string]*protocol.PresenceRecord, error) {
	now := p.clock()
	out := make(map[string]*protocol.PresenceRecord, len(userIDs))

	pipe := p.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, u := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, userKey(u))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errs.ErrRegistryUnavailable.WrapMsg("presence bulk get")
	}
	for i, u := range userIDs {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			out[u] = &protocol.PresenceRecord{UserID: u, Online: false}
			continue
		}
		// 取最近活跃且未过期的设备记录；全部过期视为离线（被动过期）
		var best *protocol.PresenceRecord
		for _, raw := range fields {
			rec := decodeStored(raw, now)
			if rec == nil || !rec.Online {
				continue
			}
			if best == nil || rec.LastSeen > best.LastSeen {
				best = rec
			}
		}
		if best == nil {
			out[u] = &protocol.PresenceRecord{UserID: u, Online: false}
		} else {
			out[u] = best
		}
	}
	return out, nil
}

func (p *RedisPresence) GetDevices(ctx context.Context, userID string) ([]*protocol.PresenceRecord, error) {
	now := p.clock()
	fields, err := p.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, errs.ErrRegistryUnavailable.WrapMsg("presence get devices")
	}
	var out []*protocol.PresenceRecord
	for _, raw := range fields {
		rec := decodeStored(raw, now)
		if rec == nil || !rec.Online {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *RedisPresence) Watch(ctx context.Context, userIDs []string) (<-chan *protocol.PresenceChange, context.CancelFunc, error) {
	sub := p.rdb.Subscribe(ctx, eventChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, errs.ErrRegistryUnavailable.WrapMsg("presence watch subscribe")
	}

	want := make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		want[u] = struct{}{}
	}
	out := make(chan *protocol.PresenceChange, 64)
	wctx, cancel := context.WithCancel(ctx)

	safe.Go(func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-wctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := protocol.DecodePresenceChange([]byte(msg.Payload))
				if err != nil {
					continue
				}
				if len(want) > 0 {
					if _, ok := want[ev.UserID]; !ok {
						continue
					}
				}
				select {
				case out <- ev:
				case <-wctx.Done():
					return
				}
			}
		}
	})
	return out, cancel, nil
}

func (p *RedisPresence) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	return nil
}

// ---------------- 内部 ----------------

func (p *RedisPresence) loadSession(ctx context.Context, sessionID string) (*protocol.SessionRecord, error) {
	raw, err := p.rdb.Get(ctx, sessKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, errs.ErrUnknownSession.WithDetail(sessionID)
	}
	if err != nil {
		return nil, errs.ErrRegistryUnavailable.WrapMsg("load session")
	}
	sess := &protocol.SessionRecord{}
	if err := json.Unmarshal([]byte(raw), sess); err != nil {
		return nil, errs.ErrUnknownSession.WithDetail("session corrupt")
	}
	return sess, nil
}

func (p *RedisPresence) publish(ctx context.Context, ev *protocol.PresenceChange) {
	data, _ := ev.Encode()
	if err := p.rdb.Publish(ctx, eventChannel, data).Err(); err != nil {
		logger.Warnf("presence publish %s/%s: %v", ev.Kind, ev.UserID, err)
	}
}

func (p *RedisPresence) sweeper(every time.Duration) {
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.sweepOnce()
		}
	}
}

// sweepOnce 到期 (user,device) 主动翻离线并发 expire 事件
func (p *RedisPresence) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := p.clock()

	due, err := p.rdb.Eval(ctx, luaSweepDue, []string{keyExpIndex}, now.Unix()).StringSlice()
	if err != nil || len(due) == 0 {
		return
	}
	for _, m := range due {
		i := strings.IndexByte(m, '|')
		if i < 0 {
			continue
		}
		user, dev := m[:i], m[i+1:]
		old, _ := p.rdb.HGet(ctx, userKey(user), dev).Result()
		rec := decodeStored(old, now)
		if rec != nil && rec.Online {
			// 记录还活着说明刚被心跳救回，跳过
			continue
		}
		p.rdb.HDel(ctx, userKey(user), dev)
		p.publish(ctx, &protocol.PresenceChange{
			UserID: user,
			Kind:   ChangeExpire,
			Before: rec,
			After:  &protocol.PresenceRecord{UserID: user, DeviceID: dev, Online: false},
			Ts:     now.UnixMilli(),
		})
	}
}

// storedRecord 落库形态：记录 + 过期时刻
type storedRecord struct {
	protocol.PresenceRecord
	ExpireAt int64 `json:"expire_at"`
}

func withExpire(rec *protocol.PresenceRecord, at time.Time) *storedRecord {
	return &storedRecord{PresenceRecord: *rec, ExpireAt: at.Unix()}
}

// decodeStored 读取并按被动过期规则翻转 online
func decodeStored(raw string, now time.Time) *protocol.PresenceRecord {
	if raw == "" {
		return nil
	}
	sr := &storedRecord{}
	if err := json.Unmarshal([]byte(raw), sr); err != nil {
		return nil
	}
	rec := sr.PresenceRecord
	if sr.ExpireAt > 0 && now.Unix() >= sr.ExpireAt {
		rec.Online = false
	}
	return &rec
}

var _ Service = (*RedisPresence)(nil)
