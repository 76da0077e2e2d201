package gateway

import (
	"container/list"
	"net"
	"sync"
	"time"

	"IMCore/protocol"
	errs "IMCore/tools/errs"
)

// seenCap 每连接投递去重窗口；超出按 LRU 淘汰
const seenCap = 1024

// Conn 一条接入连接（WS 或 QUIC），授权前只有 ConnID
type Conn struct {
	ID     string
	tr     Transport
	Remote net.Addr

	UserID     string
	DeviceID   string
	Platform   string
	SessionID  string // presence 会话句柄，Logout 时用
	Authorized bool

	CreatedAt time.Time
	Heartbeat time.Time
	TTL       time.Duration
	ExpireAt  time.Time

	sendCh    chan []byte
	closeOnce sync.Once
	closedCh  chan struct{}

	mu       sync.Mutex
	codec    protocol.Codec
	seen     map[string]*list.Element
	seenList *list.List
}

func newConn(id string, tr Transport, queue int, now time.Time, ttl time.Duration) *Conn {
	if queue <= 0 {
		queue = 256
	}
	return &Conn{
		ID:        id,
		tr:        tr,
		Remote:    tr.RemoteAddr(),
		CreatedAt: now,
		Heartbeat: now,
		TTL:       ttl,
		ExpireAt:  now.Add(ttl),
		sendCh:    make(chan []byte, queue),
		closedCh:  make(chan struct{}),
		codec:     protocol.ProtoCodec{},
		seen:      make(map[string]*list.Element),
		seenList:  list.New(),
	}
}

// SetCodec 握手后按客户端选择切换；只影响后续出向编码
func (c *Conn) SetCodec(codec protocol.Codec) {
	c.mu.Lock()
	c.codec = codec
	c.mu.Unlock()
}

func (c *Conn) Codec() protocol.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// Enqueue 编码并投入发送队列；队列满立即报背压，绝不阻塞调用方
func (c *Conn) Enqueue(f *protocol.Frame) error {
	data, err := protocol.EncodeRecord(c.Codec(), f, false)
	if err != nil {
		return err
	}
	select {
	case <-c.closedCh:
		return errs.ErrConnectionClosed.WithDetail(c.ID)
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return errs.ErrBackpressureExceeded.WithDetail(c.ID)
	}
}

// FirstDelivery 至少一次投递的重复吸收，键是全局消息 ID
//（seq 只在会话内唯一，不能当键）。同键第二次返回 false，
// 窗口按 LRU 滚动，callers 对 false 按成功上报。
func (c *Conn) FirstDelivery(serverMsgID string) bool {
	if serverMsgID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.seen[serverMsgID]; ok {
		c.seenList.MoveToFront(el)
		return false
	}
	c.seen[serverMsgID] = c.seenList.PushFront(serverMsgID)
	if c.seenList.Len() > seenCap {
		last := c.seenList.Back()
		c.seenList.Remove(last)
		delete(c.seen, last.Value.(string))
	}
	return true
}

// writePump 串行写出；idle 超过 pingEvery 主动发一条系统 ping 探活
func (c *Conn) writePump(pingEvery time.Duration, onDead func(reason string)) {
	if pingEvery <= 0 {
		pingEvery = 25 * time.Second
	}
	idle := time.NewTimer(pingEvery)
	defer idle.Stop()

	for {
		select {
		case <-c.closedCh:
			return
		case data := <-c.sendCh:
			if err := c.tr.WriteRecord(data, time.Now().Add(5*time.Second)); err != nil {
				onDead("write: " + err.Error())
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(pingEvery)
		case <-idle.C:
			ping := &protocol.Frame{Cmd: protocol.CmdSystem, Op: protocol.OpPing}
			data, err := protocol.EncodeRecord(c.Codec(), ping, false)
			if err == nil {
				if err := c.tr.WriteRecord(data, time.Now().Add(5*time.Second)); err != nil {
					onDead("ping: " + err.Error())
					return
				}
			}
			idle.Reset(pingEvery)
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		_ = c.tr.Close()
	})
}
