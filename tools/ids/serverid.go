package ids

import (
	"github.com/google/uuid"
)

// ServerMsgID 生成服务端消息ID（UUIDv7，毫秒时间有序）
// 时间有序保证同会话内按提交时间大致可排，严格顺序仍以 seq 为准
func ServerMsgID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 仅在读取随机源失败时出错，退回 v4
		return uuid.NewString()
	}
	return id.String()
}

// RequestID 生成链路请求ID
func RequestID() string { return uuid.NewString() }
