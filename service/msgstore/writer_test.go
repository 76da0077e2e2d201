package msgstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Shopify/sarama"

	"IMCore/protocol"
	"IMCore/service/kafkax"
)

type memPublisher struct {
	mu      sync.Mutex
	records []kafkax.Record
}

func (p *memPublisher) Send(topic, key string, value []byte) error {
	return p.SendBatch([]kafkax.Record{{Topic: topic, Key: key, Value: value}})
}

func (p *memPublisher) SendBatch(records []kafkax.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, records...)
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func newTestWriter(t *testing.T) (*Writer, *MemStore, *memPublisher) {
	t.Helper()
	store := NewMemStore()
	pub := &memPublisher{}
	w := NewWriter(store, pub, WriterConfig{
		Topic:     "committed-messages",
		AckTopic:  "ack-events",
		GapWindow: 200 * time.Millisecond,
	})
	t.Cleanup(w.Close)
	return w, store, pub
}

func kmsg(t *testing.T, env *protocol.CommitEnvelope) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "committed-messages", Value: raw}
}

func msgEnv(id, conv, sender, receiver string, seq int64) *protocol.CommitEnvelope {
	return &protocol.CommitEnvelope{
		Kind: protocol.EnvelopeMessage,
		Message: &protocol.Message{
			ServerMsgID: id, ConvID: conv, SenderID: sender, ReceiverID: receiver,
			Seq: seq, Content: []byte("hi"), Timestamp: time.Now().UnixMilli(),
			State: protocol.StateSent,
		},
		Seq: seq, ConvID: conv,
	}
}

func opEnv(op *protocol.Operation, seq int64) *protocol.CommitEnvelope {
	return &protocol.CommitEnvelope{
		Kind: protocol.EnvelopeOperation, Operation: op, Seq: seq, ConvID: op.ConvID,
	}
}

func TestWriterPersistsAndProjects(t *testing.T) {
	w, store, pub := newTestWriter(t)
	ctx := context.Background()

	batch := []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m1", "c1", "u1", "u2", 1)),
		kmsg(t, msgEnv("m2", "c1", "u1", "u2", 2)),
	}
	if err := w.HandleBatch("committed-messages", 0, batch); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, found, _ := store.GetByServerID(ctx, "m1"); !found {
		t.Fatal("m1 not persisted")
	}
	p, found, _ := store.Conversation(ctx, "c1")
	if !found || p.ServerMsgID != "m2" || p.Seq != 2 {
		t.Fatalf("conversation pointer = %+v", p)
	}
	if n, _ := store.Unread(ctx, "u2", "c1"); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}
	// 发送者不计未读
	if n, _ := store.Unread(ctx, "u1", "c1"); n != 0 {
		t.Fatalf("sender unread = %d", n)
	}
	if pub.count() != 2 {
		t.Fatalf("storage acks = %d, want 2", pub.count())
	}
}

func TestWriterAbsorbsDuplicates(t *testing.T) {
	w, store, _ := newTestWriter(t)

	batch := []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m1", "c1", "u1", "u2", 1)),
	}
	if err := w.HandleBatch("committed-messages", 0, batch); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := w.HandleBatch("committed-messages", 0, batch); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	msgs, _ := store.ListByConv(context.Background(), "c1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("duplicate not absorbed, rows = %d", len(msgs))
	}
}

func TestWriterParksSeqGap(t *testing.T) {
	w, store, _ := newTestWriter(t)
	ctx := context.Background()

	// seq 2 先到，1 缺号
	if err := w.HandleBatch("committed-messages", 0, []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m2", "c1", "u1", "u2", 2)),
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, found, _ := store.GetByServerID(ctx, "m2"); found {
		t.Fatal("gapped message persisted before window")
	}

	// 前驱补上后两条都放行
	if err := w.HandleBatch("committed-messages", 0, []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m1", "c1", "u1", "u2", 1)),
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	for _, id := range []string{"m1", "m2"} {
		if _, found, _ := store.GetByServerID(ctx, id); !found {
			t.Fatalf("%s not persisted after gap closed", id)
		}
	}
}

func TestWriterReleasesGapAfterWindow(t *testing.T) {
	w, store, _ := newTestWriter(t)
	ctx := context.Background()

	if err := w.HandleBatch("committed-messages", 0, []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m5", "c1", "u1", "u2", 5)),
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// 把停靠期限拨到过去，前驱永远不会来
	w.mu.Lock()
	for conv, list := range w.parked {
		for i := range list {
			list[i].deadline = time.Now().Add(-time.Second)
		}
		w.parked[conv] = list
	}
	w.mu.Unlock()
	w.releaseExpired(ctx)

	if _, found, _ := store.GetByServerID(ctx, "m5"); !found {
		t.Fatal("expired parked message not persisted")
	}
}

func TestWriterAppliesOperations(t *testing.T) {
	w, store, _ := newTestWriter(t)
	ctx := context.Background()

	batch := []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m1", "c1", "u1", "u2", 1)),
		kmsg(t, opEnv(&protocol.Operation{
			Kind: protocol.OpRecall, OpID: "op1", ServerMsgID: "m1",
			ConvID: "c1", ActorID: "u1",
		}, 2)),
	}
	if err := w.HandleBatch("committed-messages", 0, batch); err != nil {
		t.Fatalf("handle: %v", err)
	}
	m, found, _ := store.GetByServerID(ctx, "m1")
	if !found || m.State != protocol.StateRecalled {
		t.Fatalf("recall not materialized, state = %v", m.State)
	}
	if m.Content != nil {
		t.Fatal("recalled content not cleared")
	}
}

func TestWriterReadResetsUnread(t *testing.T) {
	w, store, _ := newTestWriter(t)
	ctx := context.Background()

	if err := w.HandleBatch("committed-messages", 0, []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m1", "c1", "u1", "u2", 1)),
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n, _ := store.Unread(ctx, "u2", "c1"); n != 1 {
		t.Fatalf("unread before read = %d", n)
	}

	if err := w.HandleBatch("committed-messages", 0, []*sarama.ConsumerMessage{
		kmsg(t, opEnv(&protocol.Operation{
			Kind: protocol.OpRead, OpID: "op1", ServerMsgID: "m1",
			ConvID: "c1", ActorID: "u2",
		}, 2)),
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n, _ := store.Unread(ctx, "u2", "c1"); n != 0 {
		t.Fatalf("unread after read = %d", n)
	}
}

func TestWriterRetriesOpUntilTargetArrives(t *testing.T) {
	w, store, _ := newTestWriter(t)
	ctx := context.Background()

	// 操作先到（跨分区重均衡时可能发生）
	if err := w.HandleBatch("committed-messages", 0, []*sarama.ConsumerMessage{
		kmsg(t, opEnv(&protocol.Operation{
			Kind: protocol.OpRecall, OpID: "op1", ServerMsgID: "m1",
			ConvID: "c1", ActorID: "u1",
		}, 2)),
	}); err != nil {
		t.Fatalf("handle op: %v", err)
	}

	if err := w.HandleBatch("committed-messages", 0, []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m1", "c1", "u1", "u2", 1)),
	}); err != nil {
		t.Fatalf("handle msg: %v", err)
	}
	m, found, _ := store.GetByServerID(ctx, "m1")
	if !found || m.State != protocol.StateRecalled {
		t.Fatalf("parked op not applied, state = %v", m.State)
	}
}

func TestWriterSkipsPoison(t *testing.T) {
	w, store, _ := newTestWriter(t)

	batch := []*sarama.ConsumerMessage{
		{Topic: "committed-messages", Value: []byte("{not json")},
		kmsg(t, msgEnv("m1", "c1", "u1", "u2", 1)),
	}
	if err := w.HandleBatch("committed-messages", 0, batch); err != nil {
		t.Fatalf("poison blocked the batch: %v", err)
	}
	if _, found, _ := store.GetByServerID(context.Background(), "m1"); !found {
		t.Fatal("good message lost alongside poison")
	}
}

func TestWriterStoreFailureKeepsOffset(t *testing.T) {
	w, store, _ := newTestWriter(t)
	store.Fail = true

	err := w.HandleBatch("committed-messages", 0, []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m1", "c1", "u1", "u2", 1)),
	})
	if err == nil {
		t.Fatal("store failure swallowed, offset would advance")
	}

	store.Fail = false
	if err := w.HandleBatch("committed-messages", 0, []*sarama.ConsumerMessage{
		kmsg(t, msgEnv("m1", "c1", "u1", "u2", 1)),
	}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
}
