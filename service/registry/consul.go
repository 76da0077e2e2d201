package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"
)

type ConsulRegistry struct {
	cli *api.Client
}

func NewConsul(addr string) (*ConsulRegistry, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &ConsulRegistry{cli: cli}, nil
}

// Register TTL 主动上报；连续失败 1 分钟后摘除
func (r *ConsulRegistry) Register(ctx context.Context, inst Instance, opt RegisterOptions) error {
	ttl := opt.TTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	check := &api.AgentServiceCheck{
		TTL:                            ttl.String(),
		DeregisterCriticalServiceAfter: "1m",
	}
	reg := &api.AgentServiceRegistration{
		Name:    inst.Service,
		ID:      inst.ID,
		Address: inst.Address,
		Port:    inst.Port,
		Meta:    inst.Metadata,
		Check:   check,
	}
	return r.cli.Agent().ServiceRegister(reg)
}

func (r *ConsulRegistry) Deregister(ctx context.Context, _ string, id string) error {
	return r.cli.Agent().ServiceDeregister(id)
}

// UpdateTTL 心跳循环里周期调用，保持 check 为 passing
func (r *ConsulRegistry) UpdateTTL(id string) error {
	return r.cli.Agent().UpdateTTL("service:"+id, "pass", api.HealthPassing)
}

func (r *ConsulRegistry) List(ctx context.Context, service string) ([]Instance, error) {
	entries, _, err := r.cli.Health().Service(service, "", true, &api.QueryOptions{RequireConsistent: true})
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		out = append(out, Instance{
			Service:  service,
			ID:       e.Service.ID,
			Address:  e.Service.Address,
			Port:     e.Service.Port,
			Metadata: e.Service.Meta,
		})
	}
	return out, nil
}

type consulWatcher struct {
	r       *ConsulRegistry
	service string
	lastIdx uint64
	stopped chan struct{}
}

func (w *consulWatcher) Next() ([]Instance, error) {
	select {
	case <-w.stopped:
		return nil, ErrStopped
	default:
	}
	q := &api.QueryOptions{WaitTime: 5 * time.Minute}
	if w.lastIdx != 0 {
		q.WaitIndex = w.lastIdx
	}
	entries, meta, err := w.r.cli.Health().Service(w.service, "", true, q)
	if err != nil {
		return nil, err
	}
	w.lastIdx = meta.LastIndex
	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		out = append(out, Instance{
			Service:  w.service,
			ID:       e.Service.ID,
			Address:  e.Service.Address,
			Port:     e.Service.Port,
			Metadata: e.Service.Meta,
		})
	}
	return out, nil
}

func (w *consulWatcher) Stop() error {
	close(w.stopped)
	return nil
}

func (r *ConsulRegistry) Watch(ctx context.Context, service string) (Watcher, error) {
	if service == "" {
		return nil, fmt.Errorf("service name empty")
	}
	return &consulWatcher{r: r, service: service, stopped: make(chan struct{})}, nil
}

func (r *ConsulRegistry) Close() error { return nil }
