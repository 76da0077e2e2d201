package registry

import (
	"context"
	"testing"
	"time"
)

func TestStaticTableParsing(t *testing.T) {
	r := NewStatic(map[string]string{
		"gw-1": "im.push.gw-1",
		"gw-2": "im.push.gw-2@region-b",
	})
	insts, err := r.List(context.Background(), "im-gateway")
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 2 {
		t.Fatalf("want 2 instances, got %d", len(insts))
	}
	for _, in := range insts {
		switch in.ID {
		case "gw-1":
			if in.Subject() != "im.push.gw-1" || in.Region() != "default" {
				t.Errorf("gw-1 parsed wrong: %+v", in)
			}
		case "gw-2":
			if in.Subject() != "im.push.gw-2" || in.Region() != "region-b" {
				t.Errorf("gw-2 parsed wrong: %+v", in)
			}
		}
	}
}

func TestStaticWatchDelivers(t *testing.T) {
	r := NewStatic(nil)
	w, err := r.Watch(context.Background(), "im-gateway")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Stop() }()

	// 初始全量
	if insts, err := w.Next(); err != nil || len(insts) != 0 {
		t.Fatalf("initial snapshot: %v %v", insts, err)
	}

	done := make(chan []Instance, 1)
	go func() {
		insts, _ := w.Next()
		done <- insts
	}()
	if err := r.Register(context.Background(), Instance{ID: "gw-9", Service: "im-gateway"}, RegisterOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case insts := <-done:
		if len(insts) != 1 || insts[0].ID != "gw-9" {
			t.Errorf("watch update wrong: %+v", insts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch never fired")
	}
}

func TestWatchedCacheEvict(t *testing.T) {
	r := NewStatic(map[string]string{"gw-1": "im.push.gw-1"})
	c := NewWatchedCache(r, "im-gateway")
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if _, ok := c.Get("gw-1"); !ok {
		t.Fatal("bootstrap list missing gw-1")
	}
	c.Evict("gw-1")
	if _, ok := c.Get("gw-1"); ok {
		t.Fatal("evict did not remove entry")
	}

	// watch 推新后重新出现
	if err := r.Register(context.Background(), Instance{ID: "gw-1", Service: "im-gateway"}, RegisterOptions{}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get("gw-1"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watch did not rebuild cache entry")
}
