package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"IMCore/global/config"
	"IMCore/logger"
	"IMCore/metrics"
	"IMCore/protocol"
	"IMCore/service/router"
	errs "IMCore/tools/errs"
	"IMCore/tools/ids"
)

// ===== 配置 =====

type ManagerConf struct {
	UnauthTTL      time.Duration // 鉴权窗口（auth_timeout）
	AuthTTL        time.Duration // 心跳超时（heartbeat_timeout）
	SweepEvery     time.Duration
	MaxConns       int    // 节点连接上限（<=0 不限制）
	ConflictPolicy string // allow_all / platform_exclusive / device_exclusive / single_session
	SendQueue      int
	Clock          func() time.Time // 单测注入
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 30 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 90 * time.Second
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = config.ConflictAllowAll
	}
}

// ===== 管理器 =====

// ConnManager 连接双索引：主索引 conn_id，辅助索引 user -> (conn_id -> conn)。
// 过期连接由 sweeper 周期回收；冲突策略在 Bind 时执行。
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*Conn
	byUser map[string]map[string]*Conn

	conf     ManagerConf
	gwID     string
	onRemove func(c *Conn, reason string) // 授权连接被移除时回调（注销在线态）

	stopOnce sync.Once
	stopCh   chan struct{}
	log      *zap.SugaredLogger
}

func NewConnManager(conf ManagerConf, gwID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byConn: make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		conf:   conf,
		gwID:   gwID,
		stopCh: make(chan struct{}),
		log:    logger.S("connmgr"),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) GwID() string { return m.gwID }

// OnRemove 注册移除回调；必须在接入流量前设置
func (m *ConnManager) OnRemove(fn func(c *Conn, reason string)) { m.onRemove = fn }

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.byConn))
	for _, c := range m.byConn {
		conns = append(conns, c)
	}
	m.byConn = map[string]*Conn{}
	m.byUser = map[string]map[string]*Conn{}
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// AddUnauth 新连接登记；分配 conn_id，TTL 为鉴权窗口
func (m *ConnManager) AddUnauth(tr Transport) (*Conn, error) {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conf.MaxConns > 0 && len(m.byConn) >= m.conf.MaxConns {
		return nil, errs.ErrCapacityExhausted.WithDetail("max_conns reached")
	}
	c := newConn(ids.GenerateString(), tr, m.conf.SendQueue, now, m.conf.UnauthTTL)
	m.byConn[c.ID] = c
	metrics.ConnectionsActive.Set(float64(len(m.byConn)))
	return c, nil
}

// Bind 鉴权通过后绑定用户；切 AuthTTL 并执行冲突策略。
// 被挤下线的连接先收到 kicked_by_new_device 再关闭。
func (m *ConnManager) Bind(connID, userID, deviceID, platform, sessionID string) error {
	if connID == "" || userID == "" {
		return errs.ErrUnknownConnection.WithDetail("empty conn/user")
	}
	now := m.conf.Clock()

	m.mu.Lock()
	c, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return errs.ErrUnknownConnection.WithDetail(connID)
	}

	kicked := m.resolveConflictLocked(userID, deviceID, platform, connID)

	c.UserID = userID
	c.DeviceID = deviceID
	c.Platform = platform
	c.SessionID = sessionID
	c.Authorized = true
	c.TTL = m.conf.AuthTTL
	c.ExpireAt = now.Add(m.conf.AuthTTL)
	c.Heartbeat = now

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Conn)
	}
	m.byUser[userID][connID] = c
	m.mu.Unlock()

	for _, old := range kicked {
		m.kick(old)
	}
	return nil
}

// resolveConflictLocked 按策略挑出要挤下线的旧连接；持锁调用，返回后解锁再关
func (m *ConnManager) resolveConflictLocked(userID, deviceID, platform, newConnID string) []*Conn {
	mm := m.byUser[userID]
	if len(mm) == 0 || m.conf.ConflictPolicy == config.ConflictAllowAll {
		return nil
	}
	var out []*Conn
	for id, old := range mm {
		if id == newConnID {
			continue
		}
		evict := false
		switch m.conf.ConflictPolicy {
		case config.ConflictSingleSession:
			evict = true
		case config.ConflictDeviceExclusive:
			evict = old.DeviceID == deviceID
		case config.ConflictPlatformExclusive:
			evict = old.Platform == platform
		}
		if evict {
			delete(mm, id)
			delete(m.byConn, id)
			out = append(out, old)
		}
	}
	if len(mm) == 0 {
		delete(m.byUser, userID)
	}
	return out
}

func (m *ConnManager) kick(c *Conn) {
	f := &protocol.Frame{Cmd: protocol.CmdSystem, Op: protocol.OpKicked}
	_ = c.Enqueue(f)
	if m.onRemove != nil && c.Authorized {
		m.onRemove(c, "kicked")
	}
	// 留一点排空时间，让被踢帧先出网卡
	time.AfterFunc(200*time.Millisecond, c.close)
	m.mu.Lock()
	metrics.ConnectionsActive.Set(float64(len(m.byConn)))
	m.mu.Unlock()
}

// Heartbeat 刷新到期时间；ping 与任意入向帧都会触发
func (m *ConnManager) Heartbeat(connID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byConn[connID]
	if !ok {
		return errs.ErrUnknownConnection.WithDetail(connID)
	}
	c.Heartbeat = now
	c.ExpireAt = now.Add(c.TTL)
	return nil
}

func (m *ConnManager) Get(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byConn[connID]
	return c, ok
}

// UserConns 用户全部连接的快照
func (m *ConnManager) UserConns(userID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	out := make([]*Conn, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	return out
}

func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

// Remove 关闭并移除；reason 进日志与回调
func (m *ConnManager) Remove(connID, reason string) {
	m.mu.Lock()
	c, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byConn, connID)
	if c.Authorized && c.UserID != "" {
		if mm := m.byUser[c.UserID]; mm != nil {
			delete(mm, connID)
			if len(mm) == 0 {
				delete(m.byUser, c.UserID)
			}
		}
	}
	metrics.ConnectionsActive.Set(float64(len(m.byConn)))
	m.mu.Unlock()

	if m.onRemove != nil && c.Authorized {
		m.onRemove(c, reason)
	}
	c.close()
}

// PushTo 指定连接投递一帧
func (m *ConnManager) PushTo(connID string, f *protocol.Frame) error {
	m.mu.RLock()
	c, ok := m.byConn[connID]
	m.mu.RUnlock()
	if !ok {
		return errs.ErrUnknownConnection.WithDetail(connID)
	}
	if f.Reliability == protocol.AtLeastOnce && !c.FirstDelivery(f.MetaString(protocol.MetaServerMsgID)) {
		return nil // 重投吸收，按成功上报
	}
	return c.Enqueue(f)
}

// PushToUser 用户全连接投递；逐连接出结果，不做整体短路
func (m *ConnManager) PushToUser(userID string, f *protocol.Frame) []router.ConnOutcome {
	conns := m.UserConns(userID)
	out := make([]router.ConnOutcome, 0, len(conns))
	for _, c := range conns {
		o := router.ConnOutcome{UserID: userID, ConnID: c.ID}
		if err := m.PushTo(c.ID, f); err != nil {
			o.Code = errs.Code(err)
			o.Detail = err.Error()
		}
		out = append(out, o)
	}
	return out
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) {
	var expired []*Conn
	m.mu.Lock()
	for id, c := range m.byConn {
		if now.After(c.ExpireAt) {
			delete(m.byConn, id)
			if c.Authorized && c.UserID != "" {
				if mm := m.byUser[c.UserID]; mm != nil {
					delete(mm, id)
					if len(mm) == 0 {
						delete(m.byUser, c.UserID)
					}
				}
			}
			expired = append(expired, c)
		}
	}
	metrics.ConnectionsActive.Set(float64(len(m.byConn)))
	m.mu.Unlock()

	for _, c := range expired {
		reason := "heartbeat timeout"
		if !c.Authorized {
			reason = "auth timeout"
		}
		m.log.Infof("sweep conn=%s user=%s: %s", c.ID, c.UserID, reason)
		if m.onRemove != nil && c.Authorized {
			m.onRemove(c, reason)
		}
		c.close()
	}
}
