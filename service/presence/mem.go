package presence

import (
	"context"
	"sync"
	"time"

	"IMCore/protocol"
	errs "IMCore/tools/errs"
	"IMCore/tools/ids"
)

// MemPresence 单进程实现：单测与 allInOne 联调用；语义与 RedisPresence 对齐
type MemPresence struct {
	mu       sync.RWMutex
	byUser   map[string]map[string]*storedRecord // user -> device -> record
	sessions map[string]*protocol.SessionRecord
	watchers map[int]*memWatcher
	nextID   int
	ttl      time.Duration
	Clock    func() time.Time // 可注入时钟（单测）
	failing  bool             // 模拟后端不可用
}

type memWatcher struct {
	want map[string]struct{}
	ch   chan *protocol.PresenceChange
}

func NewMemPresence(ttl time.Duration) *MemPresence {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &MemPresence{
		byUser:   make(map[string]map[string]*storedRecord),
		sessions: make(map[string]*protocol.SessionRecord),
		watchers: make(map[int]*memWatcher),
		ttl:      ttl,
		Clock:    time.Now,
	}
}

// SetFailing 模拟 RegistryUnavailable
func (p *MemPresence) SetFailing(v bool) {
	p.mu.Lock()
	p.failing = v
	p.mu.Unlock()
}

func (p *MemPresence) Login(_ context.Context, userID, deviceID, platform, gatewayID string) (string, error) {
	now := p.Clock()
	p.mu.Lock()
	if p.failing {
		p.mu.Unlock()
		return "", errs.ErrRegistryUnavailable.WithDetail("mem presence failing")
	}
	devices := p.byUser[userID]
	if devices == nil {
		devices = make(map[string]*storedRecord)
		p.byUser[userID] = devices
	}
	var before *protocol.PresenceRecord
	kind := ChangeLogin
	if old, ok := devices[deviceID]; ok {
		cp := old.PresenceRecord
		before = &cp
		if old.GatewayID != gatewayID {
			kind = ChangeConflict
		}
	}
	rec := &protocol.PresenceRecord{
		UserID:    userID,
		GatewayID: gatewayID,
		DeviceID:  deviceID,
		Platform:  platform,
		LastSeen:  now.UnixMilli(),
		Online:    true,
	}
	devices[deviceID] = withExpire(rec, now.Add(p.ttl))
	sessionID := ids.GenerateString()
	p.sessions[sessionID] = &protocol.SessionRecord{
		SessionID: sessionID,
		UserID:    userID,
		DeviceID:  deviceID,
		GatewayID: gatewayID,
		CreatedAt: now.UnixMilli(),
		TouchedAt: now.UnixMilli(),
	}
	p.mu.Unlock()

	p.emit(&protocol.PresenceChange{UserID: userID, Kind: kind, Before: before, After: rec, Ts: now.UnixMilli()})
	return sessionID, nil
}

func (p *MemPresence) Heartbeat(_ context.Context, sessionID string) error {
	now := p.Clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errs.ErrRegistryUnavailable.WithDetail("mem presence failing")
	}
	sess, ok := p.sessions[sessionID]
	if !ok {
		return errs.ErrUnknownSession.WithDetail(sessionID)
	}
	sess.TouchedAt = now.UnixMilli()
	if devices := p.byUser[sess.UserID]; devices != nil {
		if rec, ok := devices[sess.DeviceID]; ok {
			rec.LastSeen = now.UnixMilli()
			rec.Online = true
			rec.ExpireAt = now.Add(p.ttl).Unix()
		}
	}
	return nil
}

func (p *MemPresence) Logout(_ context.Context, sessionID string) error {
	now := p.Clock()
	p.mu.Lock()
	if p.failing {
		p.mu.Unlock()
		return errs.ErrRegistryUnavailable.WithDetail("mem presence failing")
	}
	sess, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return errs.ErrUnknownSession.WithDetail(sessionID)
	}
	delete(p.sessions, sessionID)
	var before *protocol.PresenceRecord
	if devices := p.byUser[sess.UserID]; devices != nil {
		if old, ok := devices[sess.DeviceID]; ok {
			cp := old.PresenceRecord
			before = &cp
			delete(devices, sess.DeviceID)
		}
	}
	user, dev := sess.UserID, sess.DeviceID
	p.mu.Unlock()

	p.emit(&protocol.PresenceChange{
		UserID: user,
		Kind:   ChangeLogout,
		Before: before,
		After:  &protocol.PresenceRecord{UserID: user, DeviceID: dev, Online: false},
		Ts:     now.UnixMilli(),
	})
	return nil
}

func (p *MemPresence) Get(_ context.Context, userIDs []string) (map[string]*protocol.PresenceRecord, error) {
	now := p.Clock()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.failing {
		return nil, errs.ErrRegistryUnavailable.WithDetail("mem presence failing")
	}
	out := make(map[string]*protocol.PresenceRecord, len(userIDs))
	for _, u := range userIDs {
		var best *protocol.PresenceRecord
		for _, sr := range p.byUser[u] {
			rec := sr.PresenceRecord
			if now.Unix() >= sr.ExpireAt {
				continue // 被动过期
			}
			if best == nil || rec.LastSeen > best.LastSeen {
				cp := rec
				best = &cp
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

func (p *MemPresence) GetDevices(_ context.Context, userID string) ([]*protocol.PresenceRecord, error) {
	now := p.Clock()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.failing {
		return nil, errs.ErrRegistryUnavailable.WithDetail("mem presence failing")
	}
	var out []*protocol.PresenceRecord
	for _, sr := range p.byUser[userID] {
		if now.Unix() >= sr.ExpireAt {
			continue
		}
		cp := sr.PresenceRecord
		out = append(out, &cp)
	}
	return out, nil
}

func (p *MemPresence) Watch(ctx context.Context, userIDs []string) (<-chan *protocol.PresenceChange, context.CancelFunc, error) {
	want := make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		want[u] = struct{}{}
	}
	w := &memWatcher{want: want, ch: make(chan *protocol.PresenceChange, 64)}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = w
	p.mu.Unlock()

	_, cancel := context.WithCancel(ctx)
	stop := func() {
		cancel()
		p.mu.Lock()
		if cur, ok := p.watchers[id]; ok && cur == w {
			delete(p.watchers, id)
			close(w.ch)
		}
		p.mu.Unlock()
	}
	return w.ch, stop, nil
}

// Expire 单测辅助：立刻过期某 (user, device) 并发 expire 事件
func (p *MemPresence) Expire(userID, deviceID string) {
	now := p.Clock()
	p.mu.Lock()
	var before *protocol.PresenceRecord
	if devices := p.byUser[userID]; devices != nil {
		if old, ok := devices[deviceID]; ok {
			cp := old.PresenceRecord
			before = &cp
			delete(devices, deviceID)
		}
	}
	for sid, sess := range p.sessions {
		if sess.UserID == userID && sess.DeviceID == deviceID {
			delete(p.sessions, sid)
		}
	}
	p.mu.Unlock()
	p.emit(&protocol.PresenceChange{
		UserID: userID,
		Kind:   ChangeExpire,
		Before: before,
		After:  &protocol.PresenceRecord{UserID: userID, DeviceID: deviceID, Online: false},
		Ts:     now.UnixMilli(),
	})
}

func (p *MemPresence) emit(ev *protocol.PresenceChange) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.watchers {
		if len(w.want) > 0 {
			if _, ok := w.want[ev.UserID]; !ok {
				continue
			}
		}
		select {
		case w.ch <- ev:
		default: // 慢消费者丢事件，订阅方应以 Get 起底
		}
	}
}

func (p *MemPresence) Close() error { return nil }

var _ Service = (*MemPresence)(nil)
