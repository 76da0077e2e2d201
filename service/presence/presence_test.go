package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	errs "IMCore/tools/errs"
)

func TestLoginGetLogout(t *testing.T) {
	ctx := context.Background()
	p := NewMemPresence(2 * time.Minute)

	sid, err := p.Login(ctx, "u1", "d1", "ios", "gw-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	recs, err := p.Get(ctx, []string{"u1", "u2"})
	if err != nil {
		t.Fatal(err)
	}
	if !recs["u1"].Online || recs["u1"].GatewayID != "gw-1" {
		t.Errorf("u1 should be online on gw-1: %+v", recs["u1"])
	}
	if recs["u2"].Online {
		t.Error("miss must return online=false")
	}

	if err := p.Logout(ctx, sid); err != nil {
		t.Fatalf("logout: %v", err)
	}
	recs, _ = p.Get(ctx, []string{"u1"})
	if recs["u1"].Online {
		t.Error("u1 still online after logout")
	}
	if err := p.Logout(ctx, sid); !errors.Is(err, errs.ErrUnknownSession) {
		t.Errorf("double logout: want UnknownSession, got %v", err)
	}
}

func TestHeartbeatKeepsAlive(t *testing.T) {
	ctx := context.Background()
	p := NewMemPresence(10 * time.Second)
	now := time.Unix(1000, 0)
	p.Clock = func() time.Time { return now }

	sid, _ := p.Login(ctx, "u1", "d1", "web", "gw-1")

	// TTL 内心跳续期
	now = now.Add(8 * time.Second)
	if err := p.Heartbeat(ctx, sid); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	now = now.Add(8 * time.Second) // 距上次心跳 8s < TTL
	recs, _ := p.Get(ctx, []string{"u1"})
	if !recs["u1"].Online {
		t.Error("heartbeat within ttl must keep user online")
	}

	// 超过 TTL 被动离线
	now = now.Add(11 * time.Second)
	recs, _ = p.Get(ctx, []string{"u1"})
	if recs["u1"].Online {
		t.Error("expired record must read offline")
	}
}

func TestLoginConflictEvent(t *testing.T) {
	ctx := context.Background()
	p := NewMemPresence(time.Minute)

	ch, cancel, err := p.Watch(ctx, []string{"u1"})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if _, err := p.Login(ctx, "u1", "d1", "ios", "gw-1"); err != nil {
		t.Fatal(err)
	}
	ev := <-ch
	if ev.Kind != ChangeLogin {
		t.Errorf("first login kind=%s", ev.Kind)
	}

	// 同 (user,device) 换网关 => conflict，携带前像
	if _, err := p.Login(ctx, "u1", "d1", "ios", "gw-2"); err != nil {
		t.Fatal(err)
	}
	ev = <-ch
	if ev.Kind != ChangeConflict {
		t.Errorf("relogin kind=%s, want conflict", ev.Kind)
	}
	if ev.Before == nil || ev.Before.GatewayID != "gw-1" {
		t.Errorf("conflict event missing pre-image: %+v", ev.Before)
	}
	if ev.After == nil || ev.After.GatewayID != "gw-2" {
		t.Errorf("conflict event missing post-image: %+v", ev.After)
	}
}

func TestWatchFiltersUsers(t *testing.T) {
	ctx := context.Background()
	p := NewMemPresence(time.Minute)
	ch, cancel, _ := p.Watch(ctx, []string{"u1"})
	defer cancel()

	_, _ = p.Login(ctx, "u2", "d1", "ios", "gw-1")
	_, _ = p.Login(ctx, "u1", "d1", "ios", "gw-1")

	ev := <-ch
	if ev.UserID != "u1" {
		t.Errorf("watch leaked user %s", ev.UserID)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnavailableIsNotOffline(t *testing.T) {
	ctx := context.Background()
	p := NewMemPresence(time.Minute)
	_, _ = p.Login(ctx, "u1", "d1", "ios", "gw-1")
	p.SetFailing(true)

	if _, err := p.Get(ctx, []string{"u1"}); !errors.Is(err, errs.ErrRegistryUnavailable) {
		t.Errorf("backend down must surface RegistryUnavailable, got %v", err)
	}
}

func TestExpirePublishesChange(t *testing.T) {
	ctx := context.Background()
	p := NewMemPresence(time.Minute)
	ch, cancel, _ := p.Watch(ctx, nil)
	defer cancel()

	_, _ = p.Login(ctx, "u1", "d1", "ios", "gw-1")
	<-ch
	p.Expire("u1", "d1")
	ev := <-ch
	if ev.Kind != ChangeExpire || ev.After.Online {
		t.Errorf("expire event wrong: %+v", ev)
	}
	recs, _ := p.Get(ctx, []string{"u1"})
	if recs["u1"].Online {
		t.Error("user online after expiry")
	}
}
