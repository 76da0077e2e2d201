package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"IMCore/logger"
	"IMCore/protocol"
	"IMCore/service/registry"
	errs "IMCore/tools/errs"
)

// Requester natsx.Client 的最小面，便于单测替身
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

type Options struct {
	LocalGatewayID string
	Local          GatewayPusher // 同机网关，直推不走网络
	Cache          *registry.WatchedCache
	NC             Requester
	Timeout        time.Duration
	BreakAfter     int
	BreakCooldown  time.Duration
}

// NatsRouter 跨网关投递：本机短路，远端走 NATS request/reply。
// 远端主题从注册表缓存解析；失败摘缓存项并计入熔断。
type NatsRouter struct {
	localID string
	local   GatewayPusher
	cache   *registry.WatchedCache
	nc      Requester
	timeout time.Duration
	brk     *breaker
	log     *zap.SugaredLogger
}

func New(opts Options) *NatsRouter {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &NatsRouter{
		localID: opts.LocalGatewayID,
		local:   opts.Local,
		cache:   opts.Cache,
		nc:      opts.NC,
		timeout: opts.Timeout,
		brk:     newBreaker(opts.BreakAfter, opts.BreakCooldown),
		log:     logger.S("router"),
	}
}

func (r *NatsRouter) Deliver(ctx context.Context, gatewayID string, frames []*protocol.Frame) (*DeliverResult, error) {
	if len(frames) == 0 {
		return &DeliverResult{}, nil
	}
	if r.local != nil && gatewayID == r.localID {
		return r.deliverLocal(ctx, frames), nil
	}
	return r.deliverRemote(ctx, gatewayID, frames)
}

func (r *NatsRouter) deliverLocal(ctx context.Context, frames []*protocol.Frame) *DeliverResult {
	res := &DeliverResult{}
	for _, f := range frames {
		user := f.MetaString(protocol.MetaTargetUser)
		if user == "" {
			res.Outcomes = append(res.Outcomes, ConnOutcome{
				Code: errs.CodeMessageFormat, Detail: "frame without target user",
			})
			continue
		}
		res.Outcomes = append(res.Outcomes, r.local.PushToUser(ctx, user, f)...)
	}
	return res
}

func (r *NatsRouter) deliverRemote(ctx context.Context, gatewayID string, frames []*protocol.Frame) (*DeliverResult, error) {
	if !r.brk.allow(gatewayID) {
		return nil, errs.ErrGatewayUnreachable.WithDetail("circuit open: " + gatewayID)
	}
	inst, ok := r.cache.Lookup(ctx, gatewayID)
	if !ok {
		return nil, errs.ErrGatewayUnreachable.WithDetail("gateway not in registry: " + gatewayID)
	}

	req := &DeliverRequest{GatewayID: gatewayID, Frames: make([][]byte, 0, len(frames))}
	codec := protocol.ProtoCodec{}
	for _, f := range frames {
		raw, err := codec.Marshal(f)
		if err != nil {
			return nil, errs.ErrMessageFormat.WithDetail(err.Error())
		}
		req.Frames = append(req.Frames, raw)
	}
	payload, err := req.Encode()
	if err != nil {
		return nil, errs.Wrap(err)
	}

	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.nc.Request(rctx, inst.Subject(), payload)
	if err != nil {
		if r.brk.fail(gatewayID) {
			// 熔断时摘掉缓存项，恢复后靠 watch/回源重建
			r.cache.Evict(gatewayID)
			r.log.Warnf("gateway %s circuit opened, cache entry evicted", gatewayID)
		}
		return nil, errs.ErrGatewayUnreachable.WithDetail(gatewayID + ": " + err.Error())
	}
	result, err := DecodeDeliverResult(resp)
	if err != nil {
		r.brk.fail(gatewayID)
		return nil, errs.ErrGatewayUnreachable.WithDetail("bad reply from " + gatewayID)
	}
	r.brk.success(gatewayID)
	return result, nil
}

func (r *NatsRouter) Close() error { return nil }

var _ Router = (*NatsRouter)(nil)

// Responder natsx.Client 的服务侧最小面
type Responder interface {
	Serve(subject, queue string, handler func(data []byte) ([]byte, error)) error
}

// Serve 网关侧挂载推送 RPC：解包、逐帧直推、回传连接级结果
func Serve(nc Responder, subject, queue string, pusher GatewayPusher) error {
	return nc.Serve(subject, queue, func(data []byte) ([]byte, error) {
		req, err := DecodeDeliverRequest(data)
		if err != nil {
			return nil, errs.ErrMessageFormat.WithDetail(err.Error())
		}
		codec := protocol.ProtoCodec{}
		res := &DeliverResult{}
		ctx := context.Background()
		for _, raw := range req.Frames {
			f := &protocol.Frame{}
			if err := codec.Unmarshal(raw, f); err != nil {
				res.Outcomes = append(res.Outcomes, ConnOutcome{
					Code: errs.CodeMessageFormat, Detail: "frame decode: " + err.Error(),
				})
				continue
			}
			user := f.MetaString(protocol.MetaTargetUser)
			if user == "" {
				res.Outcomes = append(res.Outcomes, ConnOutcome{
					Code: errs.CodeMessageFormat, Detail: "frame without target user",
				})
				continue
			}
			res.Outcomes = append(res.Outcomes, pusher.PushToUser(ctx, user, f)...)
		}
		return res.Encode()
	})
}
