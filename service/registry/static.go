package registry

import (
	"context"
	"sync"
)

// StaticRegistry 配置驱动的固定端点表；本地联调与单测使用
// 表项：gateway_id -> "subject[@region]"
type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[string]Instance
	watch   map[int]chan []Instance
	nextID  int
}

func NewStatic(table map[string]string) *StaticRegistry {
	r := &StaticRegistry{
		entries: make(map[string]Instance),
		watch:   make(map[int]chan []Instance),
	}
	for id, v := range table {
		subject, region := v, "default"
		for i := 0; i < len(v); i++ {
			if v[i] == '@' {
				subject, region = v[:i], v[i+1:]
				break
			}
		}
		r.entries[id] = Instance{
			Service:  "im-gateway",
			ID:       id,
			Metadata: map[string]string{"subject": subject, "region": region},
		}
	}
	return r
}

func (r *StaticRegistry) snapshot() []Instance {
	out := make([]Instance, 0, len(r.entries))
	for _, in := range r.entries {
		out = append(out, in)
	}
	return out
}

func (r *StaticRegistry) notifyLocked() {
	snap := r.snapshot()
	for _, ch := range r.watch {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (r *StaticRegistry) Register(_ context.Context, inst Instance, _ RegisterOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[inst.ID] = inst
	r.notifyLocked()
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, _ string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	r.notifyLocked()
	return nil
}

func (r *StaticRegistry) List(_ context.Context, _ string) ([]Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(), nil
}

type staticWatcher struct {
	r  *StaticRegistry
	id int
	ch chan []Instance
}

func (w *staticWatcher) Next() ([]Instance, error) {
	insts, ok := <-w.ch
	if !ok {
		return nil, ErrStopped
	}
	return insts, nil
}

func (w *staticWatcher) Stop() error {
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	if ch, ok := w.r.watch[w.id]; ok {
		delete(w.r.watch, w.id)
		close(ch)
	}
	return nil
}

func (r *StaticRegistry) Watch(_ context.Context, _ string) (Watcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []Instance, 4)
	id := r.nextID
	r.nextID++
	r.watch[id] = ch
	// 先推一版全量，消费方无需先 List
	select {
	case ch <- r.snapshot():
	default:
	}
	return &staticWatcher{r: r, id: id, ch: ch}, nil
}

func (r *StaticRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.watch {
		delete(r.watch, id)
		close(ch)
	}
	return nil
}

var _ Registry = (*StaticRegistry)(nil)
