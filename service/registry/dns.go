package registry

import (
	"context"
	"net"
	"time"
)

// DNSRegistry 只读实现：A 记录轮询发现网关；注册为空操作（由部署系统维护记录）
type DNSRegistry struct {
	host     string
	interval time.Duration
}

func NewDNS(host string) *DNSRegistry {
	return &DNSRegistry{host: host, interval: 15 * time.Second}
}

func (r *DNSRegistry) Register(context.Context, Instance, RegisterOptions) error { return nil }
func (r *DNSRegistry) Deregister(context.Context, string, string) error          { return nil }

func (r *DNSRegistry) List(ctx context.Context, service string) ([]Instance, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, r.host)
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Instance{
			Service:  service,
			ID:       a,
			Address:  a,
			Metadata: map[string]string{"subject": "im.push." + a},
		})
	}
	return out, nil
}

type dnsWatcher struct {
	r       *DNSRegistry
	service string
	stop    chan struct{}
	last    []Instance
}

// Next 轮询解析，有差异才返回
func (w *dnsWatcher) Next() ([]Instance, error) {
	t := time.NewTicker(w.r.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return nil, ErrStopped
		case <-t.C:
			cur, err := w.r.List(context.Background(), w.service)
			if err != nil {
				continue
			}
			if !sameInstances(w.last, cur) {
				w.last = cur
				return cur, nil
			}
		}
	}
}

func (w *dnsWatcher) Stop() error {
	close(w.stop)
	return nil
}

func (r *DNSRegistry) Watch(_ context.Context, service string) (Watcher, error) {
	return &dnsWatcher{r: r, service: service, stop: make(chan struct{})}, nil
}

func (r *DNSRegistry) Close() error { return nil }

func sameInstances(a, b []Instance) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, in := range a {
		seen[in.ID] = struct{}{}
	}
	for _, in := range b {
		if _, ok := seen[in.ID]; !ok {
			return false
		}
	}
	return true
}
