package gateway

import (
	"context"

	"IMCore/protocol"
	"IMCore/service/registry"
	"IMCore/service/router"
)

// PushToUser 进程内直推口；路由的本地短路与远端 RPC 服务侧共用
func (gw *Gateway) PushToUser(_ context.Context, userID string, f *protocol.Frame) []router.ConnOutcome {
	return gw.mgr.PushToUser(userID, f)
}

var _ router.GatewayPusher = (*Gateway)(nil)

// ServePush 在本网关的推送主题上应答跨节点投递请求
func (gw *Gateway) ServePush(nc router.Responder) error {
	subject := registry.Instance{ID: gw.mgr.GwID()}.Subject()
	return router.Serve(nc, subject, "gateway", gw)
}
