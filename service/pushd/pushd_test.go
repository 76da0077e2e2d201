package pushd

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"IMCore/protocol"
	"IMCore/service/kafkax"
	"IMCore/service/presence"
	"IMCore/service/router"
	errs "IMCore/tools/errs"
	"IMCore/tools/retry"
)

type fakeRouter struct {
	mu         sync.Mutex
	deliveries map[string][]*protocol.Frame // gateway_id → frames
	failAll    bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{deliveries: make(map[string][]*protocol.Frame)}
}

func (r *fakeRouter) Deliver(_ context.Context, gatewayID string, frames []*protocol.Frame) (*router.DeliverResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return nil, errs.ErrGatewayUnreachable.WithDetail(gatewayID)
	}
	r.deliveries[gatewayID] = append(r.deliveries[gatewayID], frames...)
	res := &router.DeliverResult{}
	for _, f := range frames {
		res.Outcomes = append(res.Outcomes, router.ConnOutcome{
			UserID: f.MetaString(protocol.MetaTargetUser), ConnID: "conn-1",
		})
	}
	return res, nil
}

func (r *fakeRouter) Close() error { return nil }

func (r *fakeRouter) framesFor(gatewayID string) []*protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveries[gatewayID]
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

func (p *memPublisher) byTopic(topic string) []kafkax.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []kafkax.Record
	for _, r := range p.records {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T, ps presence.Service) (*Dispatcher, *fakeRouter, *memPublisher) {
	t.Helper()
	rt := newFakeRouter()
	pub := &memPublisher{}
	cache := NewPresenceCache(ps, time.Minute, time.Minute)
	d := NewDispatcher(Config{
		Topic:        "committed-messages",
		OfflineTopic: "push-tasks-offline",
		AckTopic:     "ack-events",
		DeadTopic:    "dead-letter",
		AckTimeout:   time.Minute,
	}, cache, rt, pub)
	t.Cleanup(d.Close)
	return d, rt, pub
}

func committed(t *testing.T, msg *protocol.Message, opts protocol.PushOptions) []byte {
	t.Helper()
	env := &protocol.CommitEnvelope{
		Kind: protocol.EnvelopeMessage, Message: msg, Options: opts,
		Seq: msg.Seq, ConvID: msg.ConvID, CommittedAt: time.Now().UnixMilli(),
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func chatMsg(id, receiver string) *protocol.Message {
	return &protocol.Message{
		ServerMsgID: id, ConvID: "c1", SenderID: "u1", ReceiverID: receiver,
		Seq: 1, Content: []byte("hi"), State: protocol.StateSent,
	}
}

func TestDispatchToOnlineUser(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	if _, err := ps.Login(context.Background(), "u2", "dev-1", "ios", "gw-1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	d, rt, _ := newTestDispatcher(t, ps)

	if err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m1", "u2"), protocol.PushOptions{})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	frames := rt.framesFor("gw-1")
	if len(frames) != 1 {
		t.Fatalf("frames to gw-1 = %d", len(frames))
	}
	if frames[0].MetaString(protocol.MetaTargetUser) != "u2" {
		t.Fatalf("target = %s", frames[0].MetaString(protocol.MetaTargetUser))
	}
	if d.tracker.Pending() != 1 {
		t.Fatalf("tracked acks = %d, want 1", d.tracker.Pending())
	}
}

func TestOfflineUserGoesToOfflineTopic(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	d, rt, pub := newTestDispatcher(t, ps)

	if err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m1", "u2"), protocol.PushOptions{})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rt.framesFor("gw-1")) != 0 {
		t.Fatal("offline user got an online push")
	}
	tasks := pub.byTopic("push-tasks-offline")
	if len(tasks) != 1 {
		t.Fatalf("offline tasks = %d, want 1", len(tasks))
	}
	task, err := protocol.DecodePushTask(tasks[0].Value)
	if err != nil || task.UserID != "u2" || task.MessageID != "m1" {
		t.Fatalf("task = %+v err=%v", task, err)
	}
}

func TestRequireOnlineSuppressesOffline(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	d, _, pub := newTestDispatcher(t, ps)

	if err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m1", "u2"), protocol.PushOptions{RequireOnline: true})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := len(pub.byTopic("push-tasks-offline")); n != 0 {
		t.Fatalf("require_online leaked %d offline tasks", n)
	}
}

func TestPlatformFilter(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	ctx := context.Background()
	_, _ = ps.Login(ctx, "u2", "dev-ios", "ios", "gw-1")
	_, _ = ps.Login(ctx, "u2", "dev-android", "android", "gw-2")
	d, rt, _ := newTestDispatcher(t, ps)

	if err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m1", "u2"), protocol.PushOptions{Platforms: []string{"ios"}})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rt.framesFor("gw-1")) != 1 {
		t.Fatalf("ios gateway frames = %d", len(rt.framesFor("gw-1")))
	}
	if len(rt.framesFor("gw-2")) != 0 {
		t.Fatal("filtered platform still delivered")
	}
}

// 平台过滤不准写坏缓存持有的设备表：滤完再来一条不带过滤的，
// 两端都要收到
func TestPlatformFilterLeavesCacheIntact(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	ctx := context.Background()
	_, _ = ps.Login(ctx, "u2", "dev-ios", "ios", "gw-1")
	_, _ = ps.Login(ctx, "u2", "dev-web", "web", "gw-2")
	d, rt, _ := newTestDispatcher(t, ps)

	if err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m1", "u2"), protocol.PushOptions{Platforms: []string{"web"}})); err != nil {
		t.Fatalf("filtered dispatch: %v", err)
	}
	if err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m2", "u2"), protocol.PushOptions{})); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if got := len(rt.framesFor("gw-1")); got != 1 {
		t.Fatalf("ios gateway frames = %d, want 1", got)
	}
	if got := len(rt.framesFor("gw-2")); got != 2 {
		t.Fatalf("web gateway frames = %d, want 2", got)
	}
}

func TestMultiDeviceFanOut(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	ctx := context.Background()
	_, _ = ps.Login(ctx, "u2", "dev-1", "ios", "gw-1")
	_, _ = ps.Login(ctx, "u2", "dev-2", "web", "gw-2")
	d, rt, _ := newTestDispatcher(t, ps)

	if err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m1", "u2"), protocol.PushOptions{})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rt.framesFor("gw-1")) != 1 || len(rt.framesFor("gw-2")) != 1 {
		t.Fatalf("fan-out gw-1=%d gw-2=%d", len(rt.framesFor("gw-1")), len(rt.framesFor("gw-2")))
	}
	// 用户级只追踪一次确认
	if d.tracker.Pending() != 1 {
		t.Fatalf("tracked acks = %d, want 1", d.tracker.Pending())
	}
}

func TestAllGatewaysFailDemotesWithPersist(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	_, _ = ps.Login(context.Background(), "u2", "dev-1", "ios", "gw-1")
	d, rt, pub := newTestDispatcher(t, ps)
	rt.failAll = true

	if err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m1", "u2"), protocol.PushOptions{PersistIfOffline: true})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := len(pub.byTopic("push-tasks-offline")); n != 1 {
		t.Fatalf("demoted tasks = %d, want 1", n)
	}
}

func TestFailFastOnUnknownPresence(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	ps.SetFailing(true)
	d, _, _ := newTestDispatcher(t, ps)

	err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m1", "u2"), protocol.PushOptions{FailFast: true}))
	if errs.Code(err) != errs.CodeRegistryUnavailable {
		t.Fatalf("want RegistryUnavailable, got %v", err)
	}
}

func TestClientAckStopsTracking(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	_, _ = ps.Login(context.Background(), "u2", "dev-1", "ios", "gw-1")
	d, _, _ := newTestDispatcher(t, ps)

	if err := d.HandleCommitted("committed-messages", 0, nil,
		committed(t, chatMsg("m1", "u2"), protocol.PushOptions{})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if d.tracker.Pending() != 1 {
		t.Fatalf("pending = %d", d.tracker.Pending())
	}

	ack := &protocol.AckEvent{
		MessageID: "m1", UserID: "u2",
		AckType: protocol.AckClient, Status: protocol.AckSuccess,
	}
	raw, _ := ack.Encode()
	if err := d.HandleAck("ack-events", 0, nil, raw); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if d.tracker.Pending() != 0 {
		t.Fatalf("pending after ack = %d", d.tracker.Pending())
	}
}

func TestTrackerExpiryDeadLetters(t *testing.T) {
	pub := &memPublisher{}
	redeliver := func(context.Context, *protocol.PushTask, []byte) error {
		return errs.ErrGatewayUnreachable.WithDetail("still down")
	}
	tr := NewTracker(10*time.Millisecond, retry.Policy{
		MaxAttempts:  2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2,
	}, redeliver, pub, "dead-letter")
	defer tr.Close()

	env := &protocol.CommitEnvelope{
		Kind:    protocol.EnvelopeMessage,
		Message: chatMsg("m1", "u2"),
		ConvID:  "c1",
	}
	payload, _ := env.Encode()
	tr.Track(&protocol.PushTask{MessageID: "m1", UserID: "u2", ConvID: "c1"}, payload)

	deadline := time.Now().Add(2 * time.Second)
	for tr.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.Pending() != 0 {
		t.Fatal("tracker never gave up")
	}
	letters := pub.byTopic("dead-letter")
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	var dl protocol.DeadLetter
	if err := json.Unmarshal(letters[0].Value, &dl); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if dl.MessageID != "m1" || dl.RetryCount < 1 {
		t.Fatalf("dead letter = %+v", dl)
	}
}

func TestOperationNotifiesOnlineOnly(t *testing.T) {
	ps := presence.NewMemPresence(time.Minute)
	_, _ = ps.Login(context.Background(), "u2", "dev-1", "ios", "gw-1")
	d, rt, pub := newTestDispatcher(t, ps)

	op := &protocol.Operation{
		Kind: protocol.OpRecall, OpID: "op1", ServerMsgID: "m1",
		ConvID: "c1", ActorID: "u1",
		Extra:  map[string]string{protocol.ExtraNotifyTargets: "u2,u3"},
	}
	env := &protocol.CommitEnvelope{
		Kind: protocol.EnvelopeOperation, Operation: op, Seq: 2, ConvID: "c1",
	}
	raw, _ := env.Encode()
	if err := d.HandleCommitted("committed-messages", 0, nil, raw); err != nil {
		t.Fatalf("handle: %v", err)
	}
	frames := rt.framesFor("gw-1")
	if len(frames) != 1 || frames[0].Cmd != protocol.CmdSystem {
		t.Fatalf("op frames = %+v", frames)
	}
	// 操作通知不追踪确认；离线的 u3 进离线任务主题
	if d.tracker.Pending() != 0 {
		t.Fatalf("op tracked acks = %d", d.tracker.Pending())
	}
	if n := len(pub.byTopic("push-tasks-offline")); n != 1 {
		t.Fatalf("offline op tasks = %d", n)
	}
}
