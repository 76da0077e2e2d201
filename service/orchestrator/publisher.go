package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"IMCore/logger"
	"IMCore/protocol"
	"IMCore/service/kafkax"
	"IMCore/service/orchestrator/wal"
	errs "IMCore/tools/errs"
	"IMCore/tools/safe"
)

// Batcher 攒批发布 committed-messages。满 BatchSize 条或到 BatchInterval
// 即冲刷；发布成功后回写 WAL published 标记，失败的条目留给恢复扫描补发。
type Batcher struct {
	pub      kafkax.Publisher
	w        wal.WAL
	topic    string
	size     int
	interval time.Duration

	in     chan *protocol.CommitEnvelope
	stopCh chan struct{}
	doneCh chan struct{}
	log    *zap.SugaredLogger
}

func NewBatcher(pub kafkax.Publisher, w wal.WAL, topic string, size int, interval time.Duration) *Batcher {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	b := &Batcher{
		pub:      pub,
		w:        w,
		topic:    topic,
		size:     size,
		interval: interval,
		in:       make(chan *protocol.CommitEnvelope, size*4),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		log:      logger.S("batcher"),
	}
	safe.Go(b.run)
	return b
}

// Enqueue 入队等待攒批；队列打满说明下游堵死，上抛 QueueFull
func (b *Batcher) Enqueue(ctx context.Context, env *protocol.CommitEnvelope) error {
	select {
	case b.in <- env:
		return nil
	case <-ctx.Done():
		return errs.Wrap(ctx.Err())
	case <-b.stopCh:
		return errs.ErrQueueFull.WithDetail("batcher stopped")
	default:
	}
	// 非阻塞失败后再做带超时的阻塞尝试
	select {
	case b.in <- env:
		return nil
	case <-time.After(b.interval * 4):
		return errs.ErrQueueFull.WithDetail("publish buffer full")
	case <-ctx.Done():
		return errs.Wrap(ctx.Err())
	case <-b.stopCh:
		return errs.ErrQueueFull.WithDetail("batcher stopped")
	}
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	buf := make([]*protocol.CommitEnvelope, 0, b.size)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		b.flush(buf)
		buf = buf[:0]
	}

	for {
		select {
		case env := <-b.in:
			buf = append(buf, env)
			if len(buf) >= b.size {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.stopCh:
			// 排空后退出
			for {
				select {
				case env := <-b.in:
					buf = append(buf, env)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *Batcher) flush(buf []*protocol.CommitEnvelope) {
	records := make([]kafkax.Record, 0, len(buf))
	for _, env := range buf {
		raw, err := json.Marshal(env)
		if err != nil {
			b.log.Errorf("envelope marshal: %v", err)
			continue
		}
		records = append(records, kafkax.Record{
			Topic: b.topic,
			Key:   env.ConvID,
			Value: raw,
		})
	}
	if len(records) == 0 {
		return
	}
	if err := b.pub.SendBatch(records); err != nil {
		// WAL 里还挂着 pending，恢复扫描会补发
		b.log.Errorf("publish batch of %d failed: %v", len(records), err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, env := range buf {
		id := env.ServerMsgID()
		if id == "" {
			continue
		}
		if err := b.w.MarkPublished(ctx, id); err != nil {
			b.log.Warnf("mark published %s: %v", id, err)
		}
	}
}

// Close 停止接收并冲刷残留
func (b *Batcher) Close() {
	close(b.stopCh)
	<-b.doneCh
}
