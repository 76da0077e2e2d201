package router

import (
	"context"
	"encoding/json"

	"IMCore/protocol"
)

// ConnOutcome 单连接投递结果；Code 为 0 表示成功
type ConnOutcome struct {
	UserID string `json:"user_id"`
	ConnID string `json:"conn_id,omitempty"`
	Code   int    `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func (o ConnOutcome) OK() bool { return o.Code == 0 }

// DeliverRequest 跨网关批量推送载荷。
// 帧用二进制编解码器打包，目标用户放在帧元数据里。
type DeliverRequest struct {
	GatewayID string   `json:"gateway_id"`
	Frames    [][]byte `json:"frames"`
}

type DeliverResult struct {
	Outcomes []ConnOutcome `json:"outcomes"`
}

func (r *DeliverRequest) Encode() ([]byte, error) { return json.Marshal(r) }

func DecodeDeliverRequest(data []byte) (*DeliverRequest, error) {
	r := &DeliverRequest{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *DeliverResult) Encode() ([]byte, error) { return json.Marshal(r) }

func DecodeDeliverResult(data []byte) (*DeliverResult, error) {
	r := &DeliverResult{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GatewayPusher 网关连接管理器暴露的进程内直推口
type GatewayPusher interface {
	PushToUser(ctx context.Context, userID string, f *protocol.Frame) []ConnOutcome
}

// Router 把一批帧送到指定网关上的在线连接
type Router interface {
	Deliver(ctx context.Context, gatewayID string, frames []*protocol.Frame) (*DeliverResult, error)
	Close() error
}
