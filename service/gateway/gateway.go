package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"IMCore/global/config"
	"IMCore/logger"
	"IMCore/metrics"
	"IMCore/protocol"
	"IMCore/service/kafkax"
	"IMCore/service/orchestrator"
	"IMCore/service/presence"
	errs "IMCore/tools/errs"
	"IMCore/tools/ids"
	"IMCore/tools/safe"
)

// Submitter 消息提交入口；网关拿接口不拿实现，单测可替换
type Submitter interface {
	Submit(ctx context.Context, msg *protocol.Message, opts protocol.PushOptions) (*orchestrator.Result, error)
	SubmitOperation(ctx context.Context, op *protocol.Operation) (*orchestrator.Result, error)
}

// CustomProxy Custom 命令的同步代理出口
type CustomProxy interface {
	Call(ctx context.Context, method string, payload []byte) ([]byte, error)
}

type Options struct {
	Cfg      *config.AppConfig
	Manager  *ConnManager
	Verifier TokenVerifier
	Presence presence.Service
	Orch     Submitter
	AckPub   kafkax.Publisher // ack-events
	Proxy    CustomProxy      // 可空：Custom 命令直接拒绝
}

// Gateway 接入面：握手、鉴权、入向帧分发、心跳与限流
type Gateway struct {
	cfg      *config.AppConfig
	mgr      *ConnManager
	verifier TokenVerifier
	pres     presence.Service
	orch     Submitter
	ackPub   kafkax.Publisher
	proxy    CustomProxy

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	log *zap.SugaredLogger
}

func New(opts Options) *Gateway {
	gw := &Gateway{
		cfg:      opts.Cfg,
		mgr:      opts.Manager,
		verifier: opts.Verifier,
		pres:     opts.Presence,
		orch:     opts.Orch,
		ackPub:   opts.AckPub,
		proxy:    opts.Proxy,
		limiters: make(map[string]*rate.Limiter),
		log:      logger.S("gateway"),
	}
	// 连接消失（下线/被踢/心跳超时）同步撤在线态
	gw.mgr.OnRemove(func(c *Conn, reason string) {
		if c.SessionID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := gw.pres.Logout(ctx, c.SessionID); err != nil {
			gw.log.Warnf("logout session=%s: %v", c.SessionID, err)
		}
	})
	return gw
}

func (gw *Gateway) Manager() *ConnManager { return gw.mgr }

// HandleConn 单连接主循环：登记 → 握手通告 + 鉴权质询 → 读帧分发。
// 传输层已经把 WS/QUIC 抹平，这里只认记录。
func (gw *Gateway) HandleConn(tr Transport) {
	conn, err := gw.mgr.AddUnauth(tr)
	if err != nil {
		gw.log.Warnf("reject conn from %v: %v", tr.RemoteAddr(), err)
		_ = tr.Close()
		return
	}
	safe.Go(func() {
		conn.writePump(gw.cfg.HeartbeatInterval(), func(reason string) {
			gw.mgr.Remove(conn.ID, reason)
		})
	})

	gw.sendFormats(conn)
	gw.sendChallenge(conn)

	maxSize := gw.cfg.MaxMessageSizeBytes
	for {
		raw, err := tr.ReadRecord(maxSize)
		if err != nil {
			gw.mgr.Remove(conn.ID, "read: "+err.Error())
			return
		}
		f, err := protocol.DecodeRecord(raw, maxSize)
		if err != nil {
			// 编码都对不上的连接没有继续的价值
			gw.log.Warnf("conn=%s bad record: %v", conn.ID, err)
			gw.mgr.Remove(conn.ID, "bad record")
			return
		}
		gw.onFrame(conn, f)
	}
}

// ===== 握手 =====

func (gw *Gateway) sendFormats(c *Conn) {
	body, _ := json.Marshal(&protocol.FormatsBody{
		Codecs:    []string{"proto", "json"},
		Preferred: "proto",
		MaxBytes:  gw.cfg.MaxMessageSizeBytes,
		PingEvery: int(gw.cfg.HeartbeatInterval() / time.Millisecond),
	})
	_ = c.Enqueue(&protocol.Frame{Cmd: protocol.CmdSystem, Op: protocol.OpFormats, Payload: body})
}

func (gw *Gateway) sendChallenge(c *Conn) {
	body, _ := json.Marshal(&AuthChallengeBody{
		Nonce:     ids.RequestID(),
		ServerTs:  time.Now().UnixMilli(),
		TimeoutMS: gw.cfg.AuthTimeout().Milliseconds(),
	})
	_ = c.Enqueue(&protocol.Frame{Cmd: protocol.CmdSystem, Op: protocol.OpAuthChallenge, Payload: body})
}

// ===== 入向分发 =====

// onFrame 分发规则：
//  1. 未授权连接只放行 auth_response / formats / ping
//  2. Message(Ack) 转 ack-events；Message(Send) 限流+限长后进提交链路，回执写回
//  3. System(Event) 操作信号进 C3
//  4. Custom 同步代理
func (gw *Gateway) onFrame(c *Conn, f *protocol.Frame) {
	metrics.FramesIn.WithLabelValues(cmdName(f.Cmd)).Inc()
	_ = gw.mgr.Heartbeat(c.ID)

	if !c.Authorized {
		switch {
		case f.Cmd == protocol.CmdSystem && f.Op == protocol.OpAuthResponse:
			gw.authenticate(c, f)
		case f.Cmd == protocol.CmdSystem && f.Op == protocol.OpFormats:
			gw.switchCodec(c, f)
		case f.Cmd == protocol.CmdSystem && (f.Op == protocol.OpPing || f.Op == protocol.OpPong):
			gw.handlePing(c, f)
		default:
			gw.alert(c, errs.CodeAuthRejected, "not authorized")
		}
		return
	}

	switch f.Cmd {
	case protocol.CmdMessage:
		switch f.Op {
		case protocol.OpSend:
			gw.handleSend(c, f)
		case protocol.OpAck:
			gw.handleClientAck(c, f)
		default:
			gw.alert(c, errs.CodeMessageFormat, "unknown message op: "+f.Op)
		}
	case protocol.CmdSystem:
		switch f.Op {
		case protocol.OpEvent:
			gw.handleOperation(c, f)
		case protocol.OpPing, protocol.OpPong:
			gw.handlePing(c, f)
		case protocol.OpFormats:
			gw.switchCodec(c, f)
		default:
			gw.alert(c, errs.CodeMessageFormat, "unknown system op: "+f.Op)
		}
	case protocol.CmdCustom:
		gw.handleCustom(c, f)
	default:
		gw.alert(c, errs.CodeProtocolMismatch, "unknown command")
	}
}

// ===== 鉴权 =====

func (gw *Gateway) authenticate(c *Conn, f *protocol.Frame) {
	reply := func(code int, detail, session string) {
		body, _ := json.Marshal(&AuthResultBody{Code: code, Detail: detail, SessionID: session, ConnID: c.ID})
		_ = c.Enqueue(&protocol.Frame{MsgID: f.MsgID, Cmd: protocol.CmdSystem, Op: protocol.OpAuthResponse, Payload: body})
	}

	resp, err := decodeAuthResponse(f.Payload)
	if err != nil {
		reply(errs.Code(err), err.Error(), "")
		gw.removeSoon(c.ID, "auth: bad payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	claims, err := gw.verifier.Verify(ctx, resp.Token)
	if err != nil {
		reply(errs.Code(err), err.Error(), "")
		gw.removeSoon(c.ID, "auth rejected")
		return
	}
	deviceID := resp.DeviceID
	if deviceID == "" {
		deviceID = claims.DeviceID
	}
	platform := resp.Platform
	if platform == "" {
		platform = claims.Platform
	}

	sessionID, err := gw.pres.Login(ctx, claims.UserID, deviceID, platform, gw.mgr.GwID())
	if err != nil {
		// 在线态写不进去时不放连接进来，客户端重连即可
		reply(errs.Code(err), "presence login failed", "")
		gw.removeSoon(c.ID, "presence login failed")
		return
	}

	if err := gw.mgr.Bind(c.ID, claims.UserID, deviceID, platform, sessionID); err != nil {
		_ = gw.pres.Logout(ctx, sessionID)
		reply(errs.Code(err), err.Error(), "")
		gw.removeSoon(c.ID, "bind failed")
		return
	}
	gw.log.Infof("auth ok user=%s device=%s conn=%s", claims.UserID, deviceID, c.ID)
	reply(0, "", sessionID)
}

// removeSoon 先让回执出队再关；排空窗口与 kick 保持一致
func (gw *Gateway) removeSoon(connID, reason string) {
	time.AfterFunc(200*time.Millisecond, func() { gw.mgr.Remove(connID, reason) })
}

// switchCodec 客户端回选编码；未知名字保持现状
func (gw *Gateway) switchCodec(c *Conn, f *protocol.Frame) {
	var body protocol.FormatsBody
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return
	}
	if codec, ok := protocol.CodecByName(body.Preferred); ok {
		c.SetCodec(codec)
	}
}

func (gw *Gateway) handlePing(c *Conn, f *protocol.Frame) {
	if c.SessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = gw.pres.Heartbeat(ctx, c.SessionID)
		cancel()
	}
	if f.Op == protocol.OpPing {
		_ = c.Enqueue(&protocol.Frame{MsgID: f.MsgID, Cmd: protocol.CmdSystem, Op: protocol.OpPong})
	}
}

// ===== 消息提交 =====

func (gw *Gateway) handleSend(c *Conn, f *protocol.Frame) {
	if gw.cfg.MaxMessageSizeBytes > 0 && len(f.Payload) > gw.cfg.MaxMessageSizeBytes {
		gw.replyAckErr(c, f, errs.ErrMessageFormat.WithDetail("payload too large"))
		return
	}
	if !gw.allow(c.UserID) {
		metrics.FramesDropped.Inc()
		gw.alert(c, errs.CodeQueueFull, "rate limited")
		return
	}

	msg := &protocol.Message{}
	if err := json.Unmarshal(f.Payload, msg); err != nil {
		gw.replyAckErr(c, f, errs.ErrMessageFormat.WithDetail(err.Error()))
		return
	}
	// 发送方身份以连接为准，载荷里写什么都不认
	msg.SenderID = c.UserID
	if msg.TenantID == "" {
		msg.TenantID = f.MetaString(protocol.MetaTenantID)
	}

	// 投递选项随帧携带；解析失败按默认值走
	var opts protocol.PushOptions
	if raw, ok := f.Metadata[protocol.MetaPushOptions]; ok {
		_ = json.Unmarshal(raw, &opts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.AckTimeout())
	defer cancel()

	res, err := gw.orch.Submit(ctx, msg, opts)
	if err != nil {
		gw.replyAckErr(c, f, err)
		return
	}
	body, _ := json.Marshal(&protocol.AckBody{
		ServerMsgID: res.ServerMsgID,
		Seq:         res.Seq,
		Duplicate:   res.Duplicate,
	})
	_ = c.Enqueue(&protocol.Frame{MsgID: f.MsgID, Cmd: protocol.CmdMessage, Op: protocol.OpAck, Payload: body})
}

// handleClientAck 客户端确认回执进确认流，推送侧据此解除追踪
func (gw *Gateway) handleClientAck(c *Conn, f *protocol.Frame) {
	var body protocol.AckBody
	if err := json.Unmarshal(f.Payload, &body); err != nil || body.ServerMsgID == "" {
		return
	}
	ev := &protocol.AckEvent{
		MessageID: body.ServerMsgID,
		UserID:    c.UserID,
		ConnID:    c.ID,
		GatewayID: gw.mgr.GwID(),
		AckType:   protocol.AckClient,
		Status:    protocol.AckSuccess,
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := ev.Encode()
	if err != nil {
		return
	}
	if err := gw.ackPub.Send(gw.cfg.Topics.AckEvents, c.UserID, raw); err != nil {
		gw.log.Warnf("ack event user=%s msg=%s: %v", c.UserID, body.ServerMsgID, err)
	}
}

// ===== 操作信号 =====

func (gw *Gateway) handleOperation(c *Conn, f *protocol.Frame) {
	op := &protocol.Operation{}
	if err := json.Unmarshal(f.Payload, op); err != nil {
		gw.replyAckErr(c, f, errs.ErrMessageFormat.WithDetail(err.Error()))
		return
	}
	// 操作人同样以连接身份为准
	op.ActorID = c.UserID

	ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.AckTimeout())
	defer cancel()

	res, err := gw.orch.SubmitOperation(ctx, op)
	if err != nil {
		gw.replyAckErr(c, f, err)
		return
	}
	body, _ := json.Marshal(&protocol.AckBody{ServerMsgID: res.ServerMsgID, Seq: res.Seq})
	_ = c.Enqueue(&protocol.Frame{MsgID: f.MsgID, Cmd: protocol.CmdSystem, Op: protocol.OpAck, Payload: body})
}

// ===== Custom 代理 =====

func (gw *Gateway) handleCustom(c *Conn, f *protocol.Frame) {
	if gw.proxy == nil {
		gw.alert(c, errs.CodePermissionDenied, "custom disabled")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.AckTimeout())
	defer cancel()
	out, err := gw.proxy.Call(ctx, f.Op, f.Payload)
	if err != nil {
		gw.replyAckErr(c, f, err)
		return
	}
	_ = c.Enqueue(&protocol.Frame{MsgID: f.MsgID, Cmd: protocol.CmdCustom, Op: f.Op, Payload: out})
}

// ===== 限流 / 回执 =====

func (gw *Gateway) allow(userID string) bool {
	if gw.cfg.RateLimit.PerSecond <= 0 {
		return true
	}
	gw.limMu.Lock()
	lim, ok := gw.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(gw.cfg.RateLimit.PerSecond), gw.cfg.RateLimit.Burst)
		gw.limiters[userID] = lim
	}
	gw.limMu.Unlock()
	return lim.Allow()
}

// AlertBody Notification(Alert) 载荷
type AlertBody struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

func (gw *Gateway) alert(c *Conn, code int, detail string) {
	body, _ := json.Marshal(&AlertBody{Code: code, Detail: detail})
	_ = c.Enqueue(&protocol.Frame{Cmd: protocol.CmdNotification, Op: protocol.OpAlert, Payload: body})
}

// replyAckErr 失败回执：同 MsgID 回 Notification，客户端据 Code 决定是否重试
func (gw *Gateway) replyAckErr(c *Conn, f *protocol.Frame, err error) {
	body, _ := json.Marshal(&AlertBody{Code: errs.Code(err), Detail: err.Error()})
	_ = c.Enqueue(&protocol.Frame{MsgID: f.MsgID, Cmd: protocol.CmdNotification, Op: protocol.OpAlert, Payload: body})
}

func cmdName(c protocol.Command) string {
	switch c {
	case protocol.CmdMessage:
		return "message"
	case protocol.CmdSystem:
		return "system"
	case protocol.CmdNotification:
		return "notification"
	case protocol.CmdCustom:
		return "custom"
	}
	return "unknown"
}
