package wal

import (
	"context"
	"sort"
	"sync"
	"time"

	errs "IMCore/tools/errs"
)

// MemWAL 单测实现；Fail 开关模拟落盘失败
type MemWAL struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
	Fail    bool
}

func NewMemWAL() *MemWAL {
	return &MemWAL{entries: make(map[string]*Entry)}
}

func (w *MemWAL) Append(_ context.Context, e *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Fail {
		return errs.ErrStorageUnavailable.WithDetail("mem wal failing")
	}
	cp := *e
	if _, ok := w.entries[e.ServerMsgID]; !ok {
		w.order = append(w.order, e.ServerMsgID)
	}
	w.entries[e.ServerMsgID] = &cp
	return nil
}

func (w *MemWAL) MarkPublished(_ context.Context, serverMsgID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[serverMsgID]; ok {
		e.Published = true
	}
	return nil
}

func (w *MemWAL) Get(_ context.Context, serverMsgID string) (*Entry, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[serverMsgID]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (w *MemWAL) PendingBefore(_ context.Context, before time.Time, limit int) ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Entry, 0)
	for _, id := range w.order {
		e := w.entries[id]
		if e.Published || e.ReceivedAt >= before.UnixMilli() {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt < out[j].ReceivedAt })
	return out, nil
}

// Len 单测辅助
func (w *MemWAL) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *MemWAL) Close() error { return nil }

var _ WAL = (*MemWAL)(nil)
