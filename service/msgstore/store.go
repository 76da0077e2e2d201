package msgstore

import (
	"context"
	"sort"
	"sync"

	"IMCore/protocol"
	errs "IMCore/tools/errs"
)

// ConvPointer 会话最新消息指针投影
type ConvPointer struct {
	ConvID      string `json:"conv_id" bson:"conv_id"`
	ServerMsgID string `json:"server_msg_id" bson:"server_msg_id"`
	Seq         int64  `json:"seq" bson:"seq"`
	Ts          int64  `json:"ts" bson:"ts"`
	SenderID    string `json:"sender_id" bson:"sender_id"`
	Preview     []byte `json:"preview,omitempty" bson:"preview,omitempty"`
}

// Store 消息持久层。UpsertMessages 以 server_msg_id 幂等，
// 重复行丢弃并计数；操作按 FSM 物化到已存行上。
type Store interface {
	UpsertMessages(ctx context.Context, msgs []*protocol.Message) (inserted, dups int, err error)
	ApplyOperation(ctx context.Context, op *protocol.Operation) error
	GetByServerID(ctx context.Context, serverMsgID string) (*protocol.Message, bool, error)
	ListByConv(ctx context.Context, convID string, fromSeq int64, limit int) ([]*protocol.Message, error)
	MaxSeq(ctx context.Context, convID string) (int64, error)

	// 投影
	BumpConversation(ctx context.Context, p ConvPointer) error
	Conversation(ctx context.Context, convID string) (*ConvPointer, bool, error)
	IncrUnread(ctx context.Context, userID, convID string, delta int64) error
	Unread(ctx context.Context, userID, convID string) (int64, error)
	ResetUnread(ctx context.Context, userID, convID string) error

	Close(ctx context.Context) error
}

// ===== 内存实现（单测与 all-in-one 试跑） =====

type MemStore struct {
	mu       sync.RWMutex
	byID     map[string]*protocol.Message
	byConv   map[string][]string // conv_id → server_msg_id 按 seq 有序
	pointers map[string]*ConvPointer
	unread   map[string]int64 // user|conv
	Fail     bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		byID:     make(map[string]*protocol.Message),
		byConv:   make(map[string][]string),
		pointers: make(map[string]*ConvPointer),
		unread:   make(map[string]int64),
	}
}

func (s *MemStore) UpsertMessages(_ context.Context, msgs []*protocol.Message) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, 0, errs.ErrStorageUnavailable.WithDetail("mem store failing")
	}
	inserted, dups := 0, 0
	for _, m := range msgs {
		if _, ok := s.byID[m.ServerMsgID]; ok {
			dups++
			continue
		}
		cp := *m
		s.byID[m.ServerMsgID] = &cp
		s.byConv[m.ConvID] = append(s.byConv[m.ConvID], m.ServerMsgID)
		inserted++
	}
	return inserted, dups, nil
}

func (s *MemStore) ApplyOperation(_ context.Context, op *protocol.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return errs.ErrStorageUnavailable.WithDetail("mem store failing")
	}
	m, ok := s.byID[op.ServerMsgID]
	if !ok {
		// 目标未落库：操作先到，靠 Kafka 重投或 WAL 补发收敛
		return errs.ErrStorageUnavailable.WithDetail("target not persisted yet: " + op.ServerMsgID)
	}
	return materializeOp(m, op)
}

func (s *MemStore) GetByServerID(_ context.Context, id string) (*protocol.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, false, nil
	}
	cp := *m
	return &cp, true, nil
}

func (s *MemStore) ListByConv(_ context.Context, convID string, fromSeq int64, limit int) ([]*protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*protocol.Message, 0)
	for _, id := range s.byConv[convID] {
		m := s.byID[id]
		if m.Seq < fromSeq {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MaxSeq(_ context.Context, convID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, id := range s.byConv[convID] {
		if m := s.byID[id]; m.Seq > max {
			max = m.Seq
		}
	}
	return max, nil
}

func (s *MemStore) BumpConversation(_ context.Context, p ConvPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pointers[p.ConvID]
	if ok && cur.Seq >= p.Seq {
		return nil // 指针只前进
	}
	cp := p
	s.pointers[p.ConvID] = &cp
	return nil
}

func (s *MemStore) Conversation(_ context.Context, convID string) (*ConvPointer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pointers[convID]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	return &cp, true, nil
}

func (s *MemStore) IncrUnread(_ context.Context, userID, convID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[userID+"|"+convID] += delta
	return nil
}

func (s *MemStore) Unread(_ context.Context, userID, convID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[userID+"|"+convID], nil
}

func (s *MemStore) ResetUnread(_ context.Context, userID, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[userID+"|"+convID] = 0
	return nil
}

func (s *MemStore) Close(context.Context) error { return nil }

var _ Store = (*MemStore)(nil)

// materializeOp 把操作落到已存行上；FSM 非法转移静默丢弃（提交侧已校验，
// 这里只防重投乱序）
func materializeOp(m *protocol.Message, op *protocol.Operation) error {
	switch op.Kind {
	case protocol.OpEdit:
		if op.EditVersion <= m.EditVersion {
			return nil // LWW 吸收旧版本
		}
		m.Content = op.Content
		m.EditVersion = op.EditVersion
		if protocol.CanTransition(m.State, protocol.StateEdited) {
			m.State = protocol.StateEdited
		}
		return nil
	case protocol.OpReactionAdd, protocol.OpReactionDel:
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		key := "reaction:" + string(op.Content) + ":" + op.ActorID
		if op.Kind == protocol.OpReactionAdd {
			m.Extra[key] = "1"
		} else {
			delete(m.Extra, key)
		}
		return nil
	}
	if to, ok := op.Kind.TargetState(); ok {
		if protocol.CanTransition(m.State, to) {
			m.State = to
			if op.Kind == protocol.OpRecall || op.Kind == protocol.OpDeleteHard {
				m.Content = nil
			}
		}
		return nil
	}
	return errs.ErrMessageFormat.WithDetail("unknown op kind " + string(op.Kind))
}
