package presence

import (
	"context"

	"IMCore/protocol"
)

// Service 权威在线态
//
// 约定：后端不可用必须返回错误（RegistryUnavailable），调用方把结果当
// “未知”处理，而不是离线——恢复期按离线路由会把在线用户推去离线通道
type Service interface {
	// Login 幂等写入 (user, device)；同键二次登录更新 gateway 并发布 conflict 事件
	Login(ctx context.Context, userID, deviceID, platform, gatewayID string) (sessionID string, err error)
	// Heartbeat 续 TTL；会话已过期返回 UnknownSession
	Heartbeat(ctx context.Context, sessionID string) error
	// Logout 原子删除；幂等版本见实现
	Logout(ctx context.Context, sessionID string) error
	// Get 批量查询；未命中返回 online=false 的占位记录
	Get(ctx context.Context, userIDs []string) (map[string]*protocol.PresenceRecord, error)
	// GetDevices 单用户全设备在线记录；多端多网关的推送展开用
	GetDevices(ctx context.Context, userID string) ([]*protocol.PresenceRecord, error)
	// Watch 订阅变更事件直到 cancel；事件带前后像
	Watch(ctx context.Context, userIDs []string) (<-chan *protocol.PresenceChange, context.CancelFunc, error)
	Close() error
}

// 事件种类
const (
	ChangeLogin    = "login"
	ChangeLogout   = "logout"
	ChangeExpire   = "expire"
	ChangeConflict = "conflict"
)
