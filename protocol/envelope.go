package protocol

import "encoding/json"

// PushOptions 随消息提交的投递选项；推送侧据此决定展开与降级
type PushOptions struct {
	RequireOnline    bool     `json:"require_online,omitempty"`
	PersistIfOffline bool     `json:"persist_if_offline,omitempty"`
	Devices          []string `json:"devices,omitempty"`   // 限定设备
	Platforms        []string `json:"platforms,omitempty"` // 限定平台
	FailFast         bool     `json:"fail_fast,omitempty"`
	Priority         int32    `json:"priority,omitempty"`
}

// CommitEnvelope committed-messages 主题上的单元：消息或操作二选一
// 按 conv_id 作分区键，分区内 seq 单调
type CommitEnvelope struct {
	Kind        string      `json:"kind"` // message / operation
	Message     *Message    `json:"message,omitempty"`
	Operation   *Operation  `json:"operation,omitempty"`
	Options     PushOptions `json:"options,omitempty"`
	Seq         int64       `json:"seq"`
	ConvID      string      `json:"conv_id"`
	CommittedAt int64       `json:"committed_at"`
}

const (
	EnvelopeMessage   = "message"
	EnvelopeOperation = "operation"
)

// ServerMsgID 返回信封承载对象自身的服务端 ID
func (e *CommitEnvelope) ServerMsgID() string {
	switch {
	case e.Message != nil:
		return e.Message.ServerMsgID
	case e.Operation != nil:
		return e.Operation.OpID
	}
	return ""
}

func (e *CommitEnvelope) Encode() ([]byte, error) { return json.Marshal(e) }

func DecodeEnvelope(data []byte) (*CommitEnvelope, error) {
	e := &CommitEnvelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}
