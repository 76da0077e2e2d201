package registry

import (
	"context"
	"errors"
	"time"
)

// Instance 一个网关节点在注册中心里的形态
// Metadata 携带 region / nats subject / weight
type Instance struct {
	Service   string
	ID        string // gateway_id
	Address   string
	Port      int
	Metadata  map[string]string
	Ephemeral bool
}

func (i Instance) Region() string { return i.Metadata["region"] }

// Subject 网关的推送 RPC 主题；未显式声明时按约定推导
func (i Instance) Subject() string {
	if s, ok := i.Metadata["subject"]; ok && s != "" {
		return s
	}
	return "im.push." + i.ID
}

type RegisterOptions struct {
	TTL time.Duration // TTL 上报周期要小于该窗口
}

type Registry interface {
	Register(ctx context.Context, inst Instance, opt RegisterOptions) error
	Deregister(ctx context.Context, service, id string) error
	List(ctx context.Context, service string) ([]Instance, error)
	Watch(ctx context.Context, service string) (Watcher, error)
	Close() error
}

type Watcher interface {
	Next() ([]Instance, error) // 阻塞直到有更新
	Stop() error
}

var ErrStopped = errors.New("watcher stopped")

// New 按配置选择实现
func New(typ string, endpoints []string, namespace string, static map[string]string) (Registry, error) {
	switch typ {
	case "consul":
		addr := ""
		if len(endpoints) > 0 {
			addr = endpoints[0]
		}
		return NewConsul(addr)
	case "dns":
		if len(endpoints) == 0 {
			return nil, errors.New("dns registry needs a host endpoint")
		}
		return NewDNS(endpoints[0]), nil
	case "static", "":
		return NewStatic(static), nil
	}
	return nil, errors.New("unknown registry type: " + typ)
}
