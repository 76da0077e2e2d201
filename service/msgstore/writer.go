package msgstore

import (
	"context"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"IMCore/logger"
	"IMCore/metrics"
	"IMCore/protocol"
	"IMCore/service/kafkax"
	errs "IMCore/tools/errs"
	"IMCore/tools/safe"
)

// WriterConfig 落库配置
type WriterConfig struct {
	Topic         string // committed-messages
	AckTopic      string // ack-events
	BatchSize     int
	BatchInterval time.Duration
	GapWindow     time.Duration // 缺号停靠窗口，超时记日志后继续
}

func (c *WriterConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 50 * time.Millisecond
	}
	if c.GapWindow <= 0 {
		c.GapWindow = 3 * time.Second
	}
}

type parkedMsg struct {
	msg      *protocol.Message
	deadline time.Time
}

type parkedOp struct {
	op       *protocol.Operation
	deadline time.Time
}

// Writer 消费 committed-messages 批量落库。
// 会话内 seq 必须连续；缺号的消息先停靠，等前驱到齐或窗口到期。
// 窗口到期视为上游已放弃该号位，记 gap 指标后照常落库。
type Writer struct {
	store Store
	pub   kafkax.Publisher
	cfg   WriterConfig
	clock func() time.Time

	mu     sync.Mutex
	water  map[string]int64 // conv_id → 已连续落库的最大 seq
	parked map[string][]parkedMsg
	ops    []parkedOp

	stopCh chan struct{}
	log    *zap.SugaredLogger
}

func NewWriter(store Store, pub kafkax.Publisher, cfg WriterConfig) *Writer {
	cfg.defaults()
	w := &Writer{
		store:  store,
		pub:    pub,
		cfg:    cfg,
		clock:  time.Now,
		water:  make(map[string]int64),
		parked: make(map[string][]parkedMsg),
		stopCh: make(chan struct{}),
		log:    logger.S("msgstore"),
	}
	safe.Go(w.parkSweeper)
	return w
}

// Run 阻塞消费直到 ctx 取消
func (w *Writer) Run(ctx context.Context, kc kafkax.Config) error {
	return kafkax.StartBatchConsumerGroup(ctx, kc, []string{w.cfg.Topic},
		w.cfg.BatchSize, w.cfg.BatchInterval, w.HandleBatch)
}

// HandleBatch 整批失败返回 error，offset 不前进由 Kafka 重投；
// 毒消息跳过不拦路
func (w *Writer) HandleBatch(_ string, _ int32, msgs []*sarama.ConsumerMessage) error {
	ctx := context.Background()

	var incoming []*protocol.Message
	var ops []*protocol.Operation
	for _, km := range msgs {
		env, err := protocol.DecodeEnvelope(km.Value)
		if err != nil {
			w.log.Errorf("poison record offset=%d: %v", km.Offset, err)
			continue
		}
		switch {
		case env.Kind == protocol.EnvelopeMessage && env.Message != nil:
			incoming = append(incoming, env.Message)
		case env.Kind == protocol.EnvelopeOperation && env.Operation != nil:
			ops = append(ops, env.Operation)
		default:
			w.log.Errorf("poison envelope offset=%d kind=%s", km.Offset, env.Kind)
		}
	}

	ready, err := w.admit(ctx, incoming)
	if err != nil {
		return err
	}
	if err := w.persist(ctx, ready); err != nil {
		return err
	}
	w.queueOps(ops)
	return w.applyOps(ctx)
}

// admit 按会话水位放行连续的消息，缺号的停靠
func (w *Writer) admit(ctx context.Context, incoming []*protocol.Message) ([]*protocol.Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ready []*protocol.Message
	for _, m := range incoming {
		water, ok := w.water[m.ConvID]
		if !ok {
			loaded, err := w.store.MaxSeq(ctx, m.ConvID)
			if err != nil {
				return nil, err
			}
			water = loaded
			w.water[m.ConvID] = water
		}
		switch {
		case m.Seq <= water:
			// 旧号位，upsert 会按重复吸收
			ready = append(ready, m)
		case m.Seq == water+1:
			ready = append(ready, m)
			w.water[m.ConvID] = m.Seq
			ready = append(ready, w.promoteLocked(m.ConvID)...)
		default:
			w.parked[m.ConvID] = append(w.parked[m.ConvID], parkedMsg{
				msg: m, deadline: w.clock().Add(w.cfg.GapWindow),
			})
		}
	}
	return ready, nil
}

// promoteLocked 水位推进后把接上号的停靠消息放出来
func (w *Writer) promoteLocked(convID string) []*protocol.Message {
	var out []*protocol.Message
	for {
		advanced := false
		kept := w.parked[convID][:0]
		for _, p := range w.parked[convID] {
			if p.msg.Seq == w.water[convID]+1 {
				out = append(out, p.msg)
				w.water[convID] = p.msg.Seq
				advanced = true
			} else {
				kept = append(kept, p)
			}
		}
		w.parked[convID] = kept
		if !advanced {
			break
		}
	}
	if len(w.parked[convID]) == 0 {
		delete(w.parked, convID)
	}
	return out
}

// persist 落库 + 投影 + storage_ack
func (w *Writer) persist(ctx context.Context, msgs []*protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	inserted, dups, err := w.store.UpsertMessages(ctx, msgs)
	if err != nil {
		return err
	}
	if dups > 0 {
		metrics.StorageDuplicates.Add(float64(dups))
	}
	if inserted > 0 {
		w.log.Debugf("persisted %d messages", inserted)
	}

	acks := make([]kafkax.Record, 0, len(msgs))
	for _, m := range msgs {
		if err := w.store.BumpConversation(ctx, ConvPointer{
			ConvID:      m.ConvID,
			ServerMsgID: m.ServerMsgID,
			Seq:         m.Seq,
			Ts:          m.Timestamp,
			SenderID:    m.SenderID,
			Preview:     preview(m.Content),
		}); err != nil {
			w.log.Warnf("bump conversation %s: %v", m.ConvID, err)
		}
		for _, uid := range recipients(m) {
			if err := w.store.IncrUnread(ctx, uid, m.ConvID, 1); err != nil {
				w.log.Warnf("incr unread %s/%s: %v", uid, m.ConvID, err)
			}
		}

		ack := &protocol.AckEvent{
			MessageID: m.ServerMsgID,
			UserID:    m.SenderID,
			AckType:   protocol.AckStorage,
			Status:    protocol.AckSuccess,
			Timestamp: w.clock().UnixMilli(),
		}
		raw, err := ack.Encode()
		if err != nil {
			continue
		}
		acks = append(acks, kafkax.Record{Topic: w.cfg.AckTopic, Key: m.ServerMsgID, Value: raw})
	}
	if len(acks) > 0 && w.pub != nil {
		if err := w.pub.SendBatch(acks); err != nil {
			// ack 流是通知性的，丢了不拦落库
			w.log.Warnf("storage acks: %v", err)
		}
	}
	return nil
}

func (w *Writer) queueOps(ops []*protocol.Operation) {
	if len(ops) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, op := range ops {
		w.ops = append(w.ops, parkedOp{op: op, deadline: w.clock().Add(w.cfg.GapWindow)})
	}
}

// applyOps 目标还没落库的操作留在队列里，窗口内等消息到位
func (w *Writer) applyOps(ctx context.Context) error {
	w.mu.Lock()
	pending := w.ops
	w.ops = nil
	w.mu.Unlock()

	var retain []parkedOp
	for _, p := range pending {
		err := w.store.ApplyOperation(ctx, p.op)
		if err == nil {
			if p.op.Kind == protocol.OpRead {
				if rerr := w.store.ResetUnread(ctx, p.op.ActorID, p.op.ConvID); rerr != nil {
					w.log.Warnf("reset unread %s/%s: %v", p.op.ActorID, p.op.ConvID, rerr)
				}
			}
			continue
		}
		if errs.Code(err) == errs.CodeStorageUnavailable {
			if w.clock().Before(p.deadline) {
				retain = append(retain, p)
				continue
			}
			w.log.Errorf("op %s on %s dropped after park window: %v", p.op.Kind, p.op.ServerMsgID, err)
			continue
		}
		w.log.Errorf("apply op %s: %v", p.op.Kind, err)
	}
	if len(retain) > 0 {
		w.mu.Lock()
		w.ops = append(retain, w.ops...)
		w.mu.Unlock()
	}
	return nil
}

// parkSweeper 窗口到期的停靠消息不再等前驱，记 gap 后放行
func (w *Writer) parkSweeper() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.releaseExpired(context.Background())
		}
	}
}

func (w *Writer) releaseExpired(ctx context.Context) {
	now := w.clock()
	var expired []*protocol.Message

	w.mu.Lock()
	for convID, list := range w.parked {
		kept := list[:0]
		for _, p := range list {
			if now.After(p.deadline) {
				metrics.StorageGaps.Inc()
				w.log.Warnf("seq gap in %s survived park window: water=%d got=%d",
					convID, w.water[convID], p.msg.Seq)
				if p.msg.Seq > w.water[convID] {
					w.water[convID] = p.msg.Seq
				}
				expired = append(expired, p.msg)
			} else {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(w.parked, convID)
		} else {
			w.parked[convID] = kept
		}
	}
	// 放弃等号后可能有停靠消息直接接上了新水位
	seen := make(map[string]bool)
	for _, m := range expired {
		if seen[m.ConvID] {
			continue
		}
		seen[m.ConvID] = true
		expired = append(expired, w.promoteLocked(m.ConvID)...)
	}
	w.mu.Unlock()

	if len(expired) > 0 {
		if err := w.persist(ctx, expired); err != nil {
			w.log.Errorf("persist expired parked: %v", err)
		}
	}
	_ = w.applyOps(ctx)
}

func (w *Writer) Close() {
	close(w.stopCh)
}

func recipients(m *protocol.Message) []string {
	if len(m.Targets) > 0 {
		out := make([]string, 0, len(m.Targets))
		for _, t := range m.Targets {
			if t != m.SenderID {
				out = append(out, t)
			}
		}
		return out
	}
	if m.ReceiverID != "" && m.ReceiverID != m.SenderID {
		return []string{m.ReceiverID}
	}
	return nil
}

func preview(content []byte) []byte {
	const max = 64
	if len(content) <= max {
		return content
	}
	return content[:max]
}
