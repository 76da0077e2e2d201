package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"IMCore/protocol"
	"IMCore/service/registry"
	errs "IMCore/tools/errs"
)

type fakePusher struct {
	mu     sync.Mutex
	pushed []string
}

func (p *fakePusher) PushToUser(_ context.Context, userID string, _ *protocol.Frame) []ConnOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, userID)
	return []ConnOutcome{{UserID: userID, ConnID: "conn-" + userID}}
}

type fakeRequester struct {
	mu    sync.Mutex
	calls int
	fail  bool
	serve func(data []byte) ([]byte, error)
}

func (r *fakeRequester) Request(_ context.Context, _ string, data []byte) ([]byte, error) {
	r.mu.Lock()
	r.calls++
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return nil, errors.New("nats: timeout")
	}
	return r.serve(data)
}

func testCache(t *testing.T, gatewayID string) *registry.WatchedCache {
	t.Helper()
	reg, err := registry.New("static", nil, "", map[string]string{
		gatewayID: "im.push." + gatewayID,
	})
	if err != nil {
		t.Fatalf("static registry: %v", err)
	}
	cache := registry.NewWatchedCache(reg, "im-gateway")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := cache.Start(ctx); err != nil {
		t.Fatalf("cache start: %v", err)
	}
	t.Cleanup(cache.Stop)
	return cache
}

func pushFrame(user string) *protocol.Frame {
	f := &protocol.Frame{
		MsgID:   1,
		Cmd:     protocol.CmdMessage,
		Op:      protocol.OpEvent,
		Payload: []byte("payload"),
	}
	f.SetMeta(protocol.MetaTargetUser, user)
	return f
}

func TestLocalShortCircuit(t *testing.T) {
	local := &fakePusher{}
	nc := &fakeRequester{}
	r := New(Options{
		LocalGatewayID: "gw-1",
		Local:          local,
		Cache:          testCache(t, "gw-1"),
		NC:             nc,
	})

	res, err := r.Deliver(context.Background(), "gw-1", []*protocol.Frame{pushFrame("u1")})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(res.Outcomes) != 1 || !res.Outcomes[0].OK() {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	if nc.calls != 0 {
		t.Fatal("local delivery went over the wire")
	}
	if len(local.pushed) != 1 || local.pushed[0] != "u1" {
		t.Fatalf("pushed = %v", local.pushed)
	}
}

func TestRemoteDeliveryRoundTrip(t *testing.T) {
	remote := &fakePusher{}
	nc := &fakeRequester{}
	// 远端网关侧的处理逻辑直接内联为 fake 的应答
	nc.serve = func(data []byte) ([]byte, error) {
		req, err := DecodeDeliverRequest(data)
		if err != nil {
			return nil, err
		}
		codec := protocol.ProtoCodec{}
		res := &DeliverResult{}
		for _, raw := range req.Frames {
			f := &protocol.Frame{}
			if err := codec.Unmarshal(raw, f); err != nil {
				return nil, err
			}
			user := f.MetaString(protocol.MetaTargetUser)
			res.Outcomes = append(res.Outcomes, remote.PushToUser(context.Background(), user, f)...)
		}
		return res.Encode()
	}
	r := New(Options{
		LocalGatewayID: "gw-1",
		Cache:          testCache(t, "gw-2"),
		NC:             nc,
	})

	res, err := r.Deliver(context.Background(), "gw-2",
		[]*protocol.Frame{pushFrame("u1"), pushFrame("u2")})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	if len(remote.pushed) != 2 {
		t.Fatalf("remote pushed = %v", remote.pushed)
	}
}

func TestUnknownGatewayUnreachable(t *testing.T) {
	r := New(Options{
		Cache: testCache(t, "gw-2"),
		NC:    &fakeRequester{},
	})
	_, err := r.Deliver(context.Background(), "gw-9", []*protocol.Frame{pushFrame("u1")})
	if errs.Code(err) != errs.CodeGatewayUnreachable {
		t.Fatalf("want GatewayUnreachable, got %v", err)
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	nc := &fakeRequester{fail: true}
	cache := testCache(t, "gw-2")
	r := New(Options{
		Cache:         cache,
		NC:            nc,
		BreakAfter:    3,
		BreakCooldown: 50 * time.Millisecond,
	})
	ctx := context.Background()
	frames := []*protocol.Frame{pushFrame("u1")}

	for i := 0; i < 3; i++ {
		if _, err := r.Deliver(ctx, "gw-2", frames); err == nil {
			t.Fatal("expected failure")
		}
	}
	// 熔断后不再打网络，且缓存项被摘除
	calls := nc.calls
	_, err := r.Deliver(ctx, "gw-2", frames)
	if errs.Code(err) != errs.CodeGatewayUnreachable {
		t.Fatalf("want GatewayUnreachable, got %v", err)
	}
	if nc.calls != calls {
		t.Fatal("circuit open but request still sent")
	}

	// 被摘掉的缓存项靠 Lookup 回源重建
	if _, ok := cache.Get("gw-2"); ok {
		t.Fatal("cache entry survived circuit open")
	}

	// 冷却期过后半开放行，回源重建缓存项并恢复投递
	time.Sleep(60 * time.Millisecond)
	nc.mu.Lock()
	nc.fail = false
	nc.serve = func([]byte) ([]byte, error) { return (&DeliverResult{}).Encode() }
	nc.mu.Unlock()

	if _, err := r.Deliver(ctx, "gw-2", frames); err != nil {
		t.Fatalf("post-cooldown deliver: %v", err)
	}
}

func TestServeDecodesAndPushes(t *testing.T) {
	pusher := &fakePusher{}
	var handler func(data []byte) ([]byte, error)
	responder := responderFunc(func(_, _ string, h func(data []byte) ([]byte, error)) error {
		handler = h
		return nil
	})
	if err := Serve(responder, "im.push.gw-1", "gw-1", pusher); err != nil {
		t.Fatalf("serve: %v", err)
	}

	codec := protocol.ProtoCodec{}
	raw, err := codec.Marshal(pushFrame("u7"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := &DeliverRequest{GatewayID: "gw-1", Frames: [][]byte{raw}}
	payload, _ := req.Encode()

	resp, err := handler(payload)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	res, err := DecodeDeliverResult(resp)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].UserID != "u7" {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
}

type responderFunc func(subject, queue string, handler func(data []byte) ([]byte, error)) error

func (f responderFunc) Serve(subject, queue string, handler func(data []byte) ([]byte, error)) error {
	return f(subject, queue, handler)
}
