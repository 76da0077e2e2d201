package protocol

import "encoding/json"

// AckType 投递里程碑
type AckType string

const (
	AckPush    AckType = "push_ack"    // 已送达网关连接
	AckClient  AckType = "client_ack"  // 客户端确认
	AckStorage AckType = "storage_ack" // 已持久化
)

type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckFailed  AckStatus = "failed"
	AckTimeout AckStatus = "timeout"
)

type AckEvent struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id,omitempty"`
	ConnID    string    `json:"conn_id,omitempty"`
	GatewayID string    `json:"gateway_id,omitempty"`
	AckType   AckType   `json:"ack_type"`
	Status    AckStatus `json:"status"`
	Timestamp int64     `json:"ts"`
}

func (e *AckEvent) Encode() ([]byte, error) { return json.Marshal(e) }

func DecodeAckEvent(data []byte) (*AckEvent, error) {
	e := &AckEvent{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

// PushTask 每网关一组的推送任务
type PushTask struct {
	MessageID        string `json:"message_id"`
	ConvID           string `json:"conv_id"`
	UserID           string `json:"user_id"`
	Priority         int32  `json:"priority,omitempty"`
	RequireOnline    bool   `json:"require_online,omitempty"`
	PersistIfOffline bool   `json:"persist_if_offline,omitempty"`
	Attempts         int    `json:"attempts"`
	CreatedAt        int64  `json:"created_at"`
	Deadline         int64  `json:"deadline,omitempty"`
	TenantID         string `json:"tenant_id,omitempty"`
}

func (t *PushTask) Encode() ([]byte, error) { return json.Marshal(t) }

func DecodePushTask(data []byte) (*PushTask, error) {
	t := &PushTask{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

// DeadLetter 重试耗尽后的落盘单元：原始载荷 + 错误原因 + 重试次数
type DeadLetter struct {
	MessageID  string `json:"message_id"`
	UserID     string `json:"user_id"`
	GatewayID  string `json:"gateway_id,omitempty"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retry_count"`
	Payload    []byte `json:"payload"`
	Ts         int64  `json:"ts"`
}

func (d *DeadLetter) Encode() ([]byte, error) { return json.Marshal(d) }

// PresenceRecord 用户在线状态（presence 为权威）
type PresenceRecord struct {
	UserID    string `json:"user_id"`
	GatewayID string `json:"gateway_id,omitempty"`
	ServerID  string `json:"server_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	LastSeen  int64  `json:"last_seen,omitempty"`
	Online    bool   `json:"online"`
}

// PresenceChange 变更事件带前后像，消费方无需回查
type PresenceChange struct {
	UserID string          `json:"user_id"`
	Kind   string          `json:"kind"` // login / logout / expire / conflict
	Before *PresenceRecord `json:"before,omitempty"`
	After  *PresenceRecord `json:"after,omitempty"`
	Ts     int64           `json:"ts"`
}

func (c *PresenceChange) Encode() ([]byte, error) { return json.Marshal(c) }

func DecodePresenceChange(data []byte) (*PresenceChange, error) {
	c := &PresenceChange{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// SessionRecord 网关连接与 presence 的桥接记录；登出或心跳超时销毁
type SessionRecord struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	ConnID      string `json:"conn_id,omitempty"`
	RouteServer string `json:"route_server,omitempty"`
	GatewayID   string `json:"gateway_id"`
	CreatedAt   int64  `json:"created_at"`
	TouchedAt   int64  `json:"touched_at"`
}
