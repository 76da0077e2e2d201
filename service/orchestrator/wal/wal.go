package wal

import (
	"context"
	"encoding/json"
	"time"
)

// Entry WAL 条目：server_id 为主键；Published 标记下游投递完成
// TTL 等于下游消费 SLA，消费完即可回收
type Entry struct {
	ServerMsgID string `json:"server_msg_id"`
	ConvID      string `json:"conv_id"`
	Seq         int64  `json:"seq"`
	Payload     []byte `json:"payload"` // CommitEnvelope 原文
	ReceivedAt  int64  `json:"received_at"`
	Published   bool   `json:"published"`
}

func (e *Entry) encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

func decode(raw []byte) (*Entry, error) {
	e := &Entry{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, err
	}
	return e, nil
}

// WAL 提交日志抽象：生产实现 Redis（键值 + TTL），单测用内存
//
// Append 返回即视为落盘成功；失败时提交必须中止并上抛 StorageUnavailable
type WAL interface {
	Append(ctx context.Context, e *Entry) error
	MarkPublished(ctx context.Context, serverMsgID string) error
	// Get 读兜底：消息已提交但主存尚不可见时的权限检查数据源
	Get(ctx context.Context, serverMsgID string) (*Entry, bool, error)
	// PendingBefore 恢复扫描：返回早于 before 且未标记发布的条目
	PendingBefore(ctx context.Context, before time.Time, limit int) ([]*Entry, error)
	Close() error
}
