package protocol

import (
	"encoding/json"
	"strings"
)

// FSMState 消息状态机；转移只追加事件，物化状态由事件推导
type FSMState int32

const (
	StateCreated FSMState = iota
	StateSent
	StateDelivered
	StateRead
	StateRecalled
	StateEdited
	StateDeletedSoft
	StateDeletedHard
)

func (s FSMState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	case StateRecalled:
		return "recalled"
	case StateEdited:
		return "edited"
	case StateDeletedSoft:
		return "deleted_soft"
	case StateDeletedHard:
		return "deleted_hard"
	}
	return "unknown"
}

// CanTransition 状态转移表
// Created→Sent→Delivered→Read 主链；Recalled/DeletedHard 终态；
// Edited 可重入（按 edit_version 幂等）；DeletedSoft 按用户可见性处理
func CanTransition(from, to FSMState) bool {
	if from == StateRecalled || from == StateDeletedHard {
		return false // 终态
	}
	switch to {
	case StateSent:
		return from == StateCreated
	case StateDelivered:
		return from == StateSent || from == StateEdited
	case StateRead:
		return from == StateSent || from == StateDelivered || from == StateEdited
	case StateRecalled, StateDeletedSoft, StateDeletedHard:
		return true
	case StateEdited:
		return from == StateSent || from == StateDelivered || from == StateRead || from == StateEdited
	}
	return false
}

// Message 领域消息；WAL 提交后不可变，存储与推送侧只读引用
type Message struct {
	ServerMsgID string            `json:"server_msg_id" bson:"server_msg_id"`
	ClientMsgID string            `json:"client_msg_id" bson:"client_msg_id"`
	ConvID      string            `json:"conv_id" bson:"conv_id"`
	SenderID    string            `json:"sender_id" bson:"sender_id"`
	ReceiverID  string            `json:"receiver_id,omitempty" bson:"receiver_id,omitempty"`
	ChannelID   string            `json:"channel_id,omitempty" bson:"channel_id,omitempty"`
	TenantID    string            `json:"tenant_id,omitempty" bson:"tenant_id,omitempty"`
	ContentType int32             `json:"content_type" bson:"content_type"`
	Content     []byte            `json:"content" bson:"content"`
	Timestamp   int64             `json:"ts" bson:"ts"` // 毫秒
	Seq         int64             `json:"seq" bson:"seq"`
	State       FSMState          `json:"state" bson:"state"`
	EditVersion int64             `json:"edit_version,omitempty" bson:"edit_version,omitempty"`
	Extra       map[string]string `json:"extra,omitempty" bson:"extra,omitempty"`

	// 显式目标列表（群发/定向）；为空则按 ReceiverID/ChannelID 展开
	Targets []string `json:"targets,omitempty" bson:"targets,omitempty"`
}

func (m *Message) Encode() ([]byte, error) { return json.Marshal(m) }

func DecodeMessage(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// OpKind 消息操作（与 Send 同管道，不同 FSM 转移）
type OpKind string

const (
	OpEdit        OpKind = "edit"
	OpRecall      OpKind = "recall"
	OpRead        OpKind = "read"
	OpReactionAdd OpKind = "reaction_add"
	OpReactionDel OpKind = "reaction_del"
	OpDeleteSoft  OpKind = "delete_soft"
	OpDeleteHard  OpKind = "delete_hard"
)

// TargetState 操作对应的目标状态
func (k OpKind) TargetState() (FSMState, bool) {
	switch k {
	case OpEdit:
		return StateEdited, true
	case OpRecall:
		return StateRecalled, true
	case OpRead:
		return StateRead, true
	case OpDeleteSoft:
		return StateDeletedSoft, true
	case OpDeleteHard:
		return StateDeletedHard, true
	}
	return 0, false
}

// SenderOnly 是否只有发送者可以执行
func (k OpKind) SenderOnly() bool {
	return k == OpEdit || k == OpRecall || k == OpDeleteHard
}

// Operation 消息操作提交体
type Operation struct {
	Kind        OpKind            `json:"kind"`
	OpID        string            `json:"op_id"`         // 操作自身的服务端 ID
	ServerMsgID string            `json:"server_msg_id"` // 目标消息
	ConvID      string            `json:"conv_id"`
	ActorID     string            `json:"actor_id"`
	TenantID    string            `json:"tenant_id,omitempty"`
	EditVersion int64             `json:"edit_version,omitempty"` // edit 幂等版本
	Content     []byte            `json:"content,omitempty"`      // edit 新内容 / reaction 值
	Extra       map[string]string `json:"extra,omitempty"`
}

// ExtraNotifyTargets 操作提交时由编排器写入：在线通知的用户列表，逗号分隔
const ExtraNotifyTargets = "notify_targets"

// NotifyTargets 解析 Extra 里的在线通知对象
func (o *Operation) NotifyTargets() []string {
	raw, ok := o.Extra[ExtraNotifyTargets]
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (o *Operation) Encode() ([]byte, error) { return json.Marshal(o) }

func DecodeOperation(data []byte) (*Operation, error) {
	o := &Operation{}
	if err := json.Unmarshal(data, o); err != nil {
		return nil, err
	}
	return o, nil
}
