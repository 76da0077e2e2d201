package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"IMCore/global/config"
	"IMCore/protocol"
	"IMCore/service/kafkax"
	"IMCore/service/orchestrator"
	"IMCore/service/presence"
	errs "IMCore/tools/errs"
)

// ===== 测试替身 =====

type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadRecord(int) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteRecord(data []byte, _ time.Time) error {
	select {
	case t.out <- data:
		return nil
	case <-t.closed:
		return errors.New("transport closed")
	}
}

func (t *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

type fakeSubmitter struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	opts []protocol.PushOptions
	ops  []*protocol.Operation
	err  error
}

func (s *fakeSubmitter) Submit(_ context.Context, msg *protocol.Message, opts protocol.PushOptions) (*orchestrator.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.msgs = append(s.msgs, msg)
	s.opts = append(s.opts, opts)
	return &orchestrator.Result{ServerMsgID: "srv-1", Seq: int64(len(s.msgs))}, nil
}

func (s *fakeSubmitter) SubmitOperation(_ context.Context, op *protocol.Operation) (*orchestrator.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.ops = append(s.ops, op)
	return &orchestrator.Result{ServerMsgID: op.ServerMsgID, Seq: 1}, nil
}

type memPublisher struct {
	mu      sync.Mutex
	records []kafkax.Record
}

func (p *memPublisher) Send(topic, key string, value []byte) error {
	return p.SendBatch([]kafkax.Record{{Topic: topic, Key: key, Value: value}})
}

func (p *memPublisher) SendBatch(records []kafkax.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, records...)
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// ===== 组装 =====

var testSecret = []byte("unit-test-secret")

func newTestGateway(t *testing.T, mutate func(cfg *config.AppConfig)) (*Gateway, *fakeSubmitter, *memPublisher, presence.Service) {
	t.Helper()
	cfg := config.Defaults()
	cfg.NodeID = "gw-test"
	cfg.JWTSecret = string(testSecret)
	if mutate != nil {
		mutate(cfg)
	}
	mgr := NewConnManager(ManagerConf{
		UnauthTTL:      cfg.AuthTimeout(),
		AuthTTL:        cfg.HeartbeatTimeout(),
		ConflictPolicy: cfg.ConflictPolicy,
		SendQueue:      cfg.SendQueueSize,
		MaxConns:       cfg.MaxConns,
	}, cfg.NodeID)
	t.Cleanup(mgr.Close)

	pres := presence.NewMemPresence(2 * time.Minute)
	sub := &fakeSubmitter{}
	pub := &memPublisher{}
	gw := New(Options{
		Cfg:      cfg,
		Manager:  mgr,
		Verifier: NewJWTVerifier(testSecret, nil),
		Presence: pres,
		Orch:     sub,
		AckPub:   pub,
	})
	return gw, sub, pub, pres
}

func encodeFrame(t *testing.T, f *protocol.Frame) []byte {
	t.Helper()
	data, err := protocol.EncodeRecord(protocol.ProtoCodec{}, f, false)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return data
}

func readFrame(t *testing.T, tr *fakeTransport) *protocol.Frame {
	t.Helper()
	select {
	case data := <-tr.out:
		f, err := protocol.DecodeRecord(data, 0)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within 2s")
		return nil
	}
}

// connect 建连并吃掉 formats + auth_challenge 两帧
func connect(t *testing.T, gw *Gateway) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	go gw.HandleConn(tr)
	if f := readFrame(t, tr); f.Op != protocol.OpFormats {
		t.Fatalf("first frame = %s, want formats", f.Op)
	}
	if f := readFrame(t, tr); f.Op != protocol.OpAuthChallenge {
		t.Fatalf("second frame = %s, want auth_challenge", f.Op)
	}
	return tr
}

func authenticate(t *testing.T, tr *fakeTransport, userID, deviceID, platform string) *AuthResultBody {
	t.Helper()
	token, err := SignToken(testSecret, &Claims{UserID: userID, DeviceID: deviceID, Platform: platform}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	body, _ := json.Marshal(&AuthResponseBody{Token: token, DeviceID: deviceID, Platform: platform})
	tr.in <- encodeFrame(t, &protocol.Frame{
		MsgID: 1, Cmd: protocol.CmdSystem, Op: protocol.OpAuthResponse, Payload: body,
	})
	f := readFrame(t, tr)
	if f.Op != protocol.OpAuthResponse {
		t.Fatalf("auth reply op = %s", f.Op)
	}
	res := &AuthResultBody{}
	if err := json.Unmarshal(f.Payload, res); err != nil {
		t.Fatalf("auth result: %v", err)
	}
	return res
}

// ===== 用例 =====

func TestAuthHandshake(t *testing.T) {
	gw, _, _, pres := newTestGateway(t, nil)
	tr := connect(t, gw)

	res := authenticate(t, tr, "u1", "d1", "ios")
	if res.Code != 0 || res.SessionID == "" {
		t.Fatalf("auth result = %+v", res)
	}
	devices, err := pres.GetDevices(context.Background(), "u1")
	if err != nil || len(devices) != 1 || devices[0].GatewayID != "gw-test" {
		t.Fatalf("presence after auth: %v %v", devices, err)
	}
}

func TestAuthRejectedBadToken(t *testing.T) {
	gw, _, _, _ := newTestGateway(t, nil)
	tr := connect(t, gw)

	body, _ := json.Marshal(&AuthResponseBody{Token: "garbage"})
	tr.in <- encodeFrame(t, &protocol.Frame{Cmd: protocol.CmdSystem, Op: protocol.OpAuthResponse, Payload: body})

	f := readFrame(t, tr)
	res := &AuthResultBody{}
	_ = json.Unmarshal(f.Payload, res)
	if res.Code != errs.CodeAuthRejected {
		t.Fatalf("code = %d, want auth rejected", res.Code)
	}
}

func TestUnauthorizedSendRejected(t *testing.T) {
	gw, sub, _, _ := newTestGateway(t, nil)
	tr := connect(t, gw)

	tr.in <- encodeFrame(t, &protocol.Frame{Cmd: protocol.CmdMessage, Op: protocol.OpSend, Payload: []byte(`{}`)})
	f := readFrame(t, tr)
	if f.Op != protocol.OpAlert {
		t.Fatalf("op = %s, want alert", f.Op)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.msgs) != 0 {
		t.Fatal("unauthorized send reached the orchestrator")
	}
}

func TestSendSubmitsAndAcks(t *testing.T) {
	gw, sub, _, _ := newTestGateway(t, nil)
	tr := connect(t, gw)
	authenticate(t, tr, "u1", "d1", "ios")

	payload, _ := json.Marshal(&protocol.Message{
		ConvID: "c1", ClientMsgID: "cli-1", SenderID: "forged", ReceiverID: "u2", Content: []byte("hi"),
	})
	tr.in <- encodeFrame(t, &protocol.Frame{MsgID: 7, Cmd: protocol.CmdMessage, Op: protocol.OpSend, Payload: payload})

	f := readFrame(t, tr)
	if f.Op != protocol.OpAck || f.MsgID != 7 {
		t.Fatalf("reply = op %s msgid %d", f.Op, f.MsgID)
	}
	var ack protocol.AckBody
	if err := json.Unmarshal(f.Payload, &ack); err != nil || ack.ServerMsgID != "srv-1" {
		t.Fatalf("ack = %+v err=%v", ack, err)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.msgs) != 1 || sub.msgs[0].SenderID != "u1" {
		t.Fatalf("submitted sender = %q, want conn identity", sub.msgs[0].SenderID)
	}
}

func TestSendCarriesPushOptions(t *testing.T) {
	gw, sub, _, _ := newTestGateway(t, nil)
	tr := connect(t, gw)
	authenticate(t, tr, "u1", "d1", "ios")

	payload, _ := json.Marshal(&protocol.Message{ConvID: "c1", ReceiverID: "u2", Content: []byte("hi")})
	rawOpts, _ := json.Marshal(&protocol.PushOptions{RequireOnline: true, Platforms: []string{"ios"}})
	tr.in <- encodeFrame(t, &protocol.Frame{
		MsgID: 9, Cmd: protocol.CmdMessage, Op: protocol.OpSend, Payload: payload,
		Metadata: map[string][]byte{protocol.MetaPushOptions: rawOpts},
	})

	if f := readFrame(t, tr); f.Op != protocol.OpAck {
		t.Fatalf("reply op = %s", f.Op)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.opts) != 1 || !sub.opts[0].RequireOnline || len(sub.opts[0].Platforms) != 1 {
		t.Fatalf("opts = %+v", sub.opts)
	}
}

func TestSubmitFailureRepliesAlert(t *testing.T) {
	gw, sub, _, _ := newTestGateway(t, nil)
	sub.err = errs.ErrStorageUnavailable.WithDetail("wal down")
	tr := connect(t, gw)
	authenticate(t, tr, "u1", "d1", "ios")

	payload, _ := json.Marshal(&protocol.Message{ConvID: "c1", ReceiverID: "u2", Content: []byte("x")})
	tr.in <- encodeFrame(t, &protocol.Frame{MsgID: 3, Cmd: protocol.CmdMessage, Op: protocol.OpSend, Payload: payload})

	f := readFrame(t, tr)
	if f.Op != protocol.OpAlert || f.MsgID != 3 {
		t.Fatalf("reply = op %s msgid %d", f.Op, f.MsgID)
	}
	var alert AlertBody
	_ = json.Unmarshal(f.Payload, &alert)
	if alert.Code != errs.CodeStorageUnavailable {
		t.Fatalf("alert code = %d", alert.Code)
	}
}

func TestRateLimitAlerts(t *testing.T) {
	gw, sub, _, _ := newTestGateway(t, func(cfg *config.AppConfig) {
		cfg.RateLimit.PerSecond = 1
		cfg.RateLimit.Burst = 1
	})
	tr := connect(t, gw)
	authenticate(t, tr, "u1", "d1", "ios")

	payload, _ := json.Marshal(&protocol.Message{ConvID: "c1", ReceiverID: "u2", Content: []byte("x")})
	for i := 0; i < 2; i++ {
		tr.in <- encodeFrame(t, &protocol.Frame{MsgID: int64(10 + i), Cmd: protocol.CmdMessage, Op: protocol.OpSend, Payload: payload})
	}
	first := readFrame(t, tr)
	second := readFrame(t, tr)
	if first.Op != protocol.OpAck {
		t.Fatalf("first reply = %s", first.Op)
	}
	if second.Op != protocol.OpAlert {
		t.Fatalf("second reply = %s, want rate-limit alert", second.Op)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.msgs) != 1 {
		t.Fatalf("submitted = %d, want 1", len(sub.msgs))
	}
}

func TestClientAckPublishesEvent(t *testing.T) {
	gw, _, pub, _ := newTestGateway(t, nil)
	tr := connect(t, gw)
	authenticate(t, tr, "u1", "d1", "ios")

	body, _ := json.Marshal(&protocol.AckBody{ServerMsgID: "srv-9", Seq: 9})
	tr.in <- encodeFrame(t, &protocol.Frame{Cmd: protocol.CmdMessage, Op: protocol.OpAck, Payload: body})

	deadline := time.Now().Add(time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.records) != 1 {
		t.Fatalf("ack events = %d", len(pub.records))
	}
	ev, err := protocol.DecodeAckEvent(pub.records[0].Value)
	if err != nil || ev.MessageID != "srv-9" || ev.UserID != "u1" || ev.AckType != protocol.AckClient {
		t.Fatalf("event = %+v err=%v", ev, err)
	}
}

func TestOperationForwarded(t *testing.T) {
	gw, sub, _, _ := newTestGateway(t, nil)
	tr := connect(t, gw)
	authenticate(t, tr, "u1", "d1", "ios")

	body, _ := json.Marshal(&protocol.Operation{
		Kind: protocol.OpRecall, ServerMsgID: "srv-2", ConvID: "c1", ActorID: "forged",
	})
	tr.in <- encodeFrame(t, &protocol.Frame{MsgID: 5, Cmd: protocol.CmdSystem, Op: protocol.OpEvent, Payload: body})

	f := readFrame(t, tr)
	if f.Op != protocol.OpAck || f.MsgID != 5 {
		t.Fatalf("reply = op %s msgid %d", f.Op, f.MsgID)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.ops) != 1 || sub.ops[0].ActorID != "u1" {
		t.Fatalf("operation actor = %q, want conn identity", sub.ops[0].ActorID)
	}
}

func TestPingPongRefreshesPresence(t *testing.T) {
	gw, _, _, _ := newTestGateway(t, nil)
	tr := connect(t, gw)
	authenticate(t, tr, "u1", "d1", "ios")

	tr.in <- encodeFrame(t, &protocol.Frame{MsgID: 2, Cmd: protocol.CmdSystem, Op: protocol.OpPing})
	f := readFrame(t, tr)
	if f.Op != protocol.OpPong || f.MsgID != 2 {
		t.Fatalf("reply = op %s msgid %d", f.Op, f.MsgID)
	}
}

func TestSingleSessionKicksOldConn(t *testing.T) {
	gw, _, _, _ := newTestGateway(t, func(cfg *config.AppConfig) {
		cfg.ConflictPolicy = config.ConflictSingleSession
	})
	tr1 := connect(t, gw)
	authenticate(t, tr1, "u1", "d1", "ios")

	tr2 := connect(t, gw)
	authenticate(t, tr2, "u1", "d2", "android")

	f := readFrame(t, tr1)
	if f.Op != protocol.OpKicked {
		t.Fatalf("old conn got %s, want kicked", f.Op)
	}
	if got := len(gw.Manager().UserConns("u1")); got != 1 {
		t.Fatalf("conns after kick = %d", got)
	}
}

func TestPushToUserAbsorbsRedelivery(t *testing.T) {
	gw, _, _, _ := newTestGateway(t, nil)
	tr := connect(t, gw)
	authenticate(t, tr, "u1", "d1", "ios")

	f := &protocol.Frame{MsgID: 77, Cmd: protocol.CmdMessage, Op: protocol.OpEvent, Reliability: protocol.AtLeastOnce}
	f.SetMeta(protocol.MetaServerMsgID, "srv-77")
	for i := 0; i < 2; i++ {
		outcomes := gw.PushToUser(context.Background(), "u1", f)
		if len(outcomes) != 1 || !outcomes[0].OK() {
			t.Fatalf("round %d outcomes = %+v", i, outcomes)
		}
	}
	// 两轮推送只出一帧：第二轮重投被吸收但仍按成功上报
	got := readFrame(t, tr)
	if got.MsgID != 77 {
		t.Fatalf("delivered msgid = %d", got.MsgID)
	}
	select {
	case <-tr.out:
		t.Fatal("redelivery leaked a duplicate frame")
	case <-time.After(100 * time.Millisecond):
	}
}

// 去重键是全局消息 ID，不是帧号：不同消息即便帧号相同也必须各自送达
func TestPushDistinctMessagesSameFrameID(t *testing.T) {
	gw, _, _, _ := newTestGateway(t, nil)
	tr := connect(t, gw)
	authenticate(t, tr, "u1", "d1", "ios")

	for _, id := range []string{"srv-a", "srv-b"} {
		f := &protocol.Frame{MsgID: 7, Cmd: protocol.CmdMessage, Op: protocol.OpEvent,
			Reliability: protocol.AtLeastOnce, Payload: []byte(id)}
		f.SetMeta(protocol.MetaServerMsgID, id)
		outcomes := gw.PushToUser(context.Background(), "u1", f)
		if len(outcomes) != 1 || !outcomes[0].OK() {
			t.Fatalf("push %s outcomes = %+v", id, outcomes)
		}
	}
	first := readFrame(t, tr)
	second := readFrame(t, tr)
	if string(first.Payload) == string(second.Payload) {
		t.Fatalf("second message was swallowed, got %q twice", first.Payload)
	}
}

func TestPushBackpressureAndUnknownConn(t *testing.T) {
	mgr := NewConnManager(ManagerConf{SendQueue: 1}, "gw-test")
	defer mgr.Close()

	tr := newFakeTransport()
	c, err := mgr.AddUnauth(tr) // 不起写泵，队列只进不出
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	f1 := &protocol.Frame{MsgID: 1, Cmd: protocol.CmdMessage}
	f2 := &protocol.Frame{MsgID: 2, Cmd: protocol.CmdMessage}
	if err := mgr.PushTo(c.ID, f1); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := mgr.PushTo(c.ID, f2); errs.Code(err) != errs.CodeBackpressureExceeded {
		t.Fatalf("second push err = %v", err)
	}
	if err := mgr.PushTo("nope", f1); errs.Code(err) != errs.CodeUnknownConnection {
		t.Fatalf("unknown conn err = %v", err)
	}
}

func TestMaxConnsRejects(t *testing.T) {
	mgr := NewConnManager(ManagerConf{MaxConns: 1}, "gw-test")
	defer mgr.Close()

	if _, err := mgr.AddUnauth(newFakeTransport()); err != nil {
		t.Fatalf("first conn: %v", err)
	}
	if _, err := mgr.AddUnauth(newFakeTransport()); errs.Code(err) != errs.CodeCapacityExhausted {
		t.Fatalf("second conn err = %v", err)
	}
}

func TestSweeperDropsExpiredConns(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	mgr := NewConnManager(ManagerConf{UnauthTTL: time.Second, SweepEvery: time.Hour, Clock: clock}, "gw-test")
	defer mgr.Close()

	c, _ := mgr.AddUnauth(newFakeTransport())
	mgr.sweepOnce(now.Add(2 * time.Second))
	if _, ok := mgr.Get(c.ID); ok {
		t.Fatal("expired conn survived the sweep")
	}
}
