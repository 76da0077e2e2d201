package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"IMCore/logger"
	"IMCore/metrics"
	"IMCore/protocol"
	"IMCore/service/kafkax"
	"IMCore/service/orchestrator/wal"
	"IMCore/tools/safe"
)

// Recovery 周期扫描 WAL 中落盘但未发布的条目并补发。
// 与 Batcher 同主题同分区键，补发与首发对下游不可区分。
type Recovery struct {
	w        wal.WAL
	pub      kafkax.Publisher
	topic    string
	interval time.Duration
	minAge   time.Duration // 太新的条目可能还在发布缓冲里，跳过
	batch    int

	stopCh chan struct{}
	doneCh chan struct{}
	log    *zap.SugaredLogger
}

func NewRecovery(w wal.WAL, pub kafkax.Publisher, topic string, interval, minAge time.Duration) *Recovery {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if minAge <= 0 {
		minAge = 2 * time.Second
	}
	r := &Recovery{
		w:        w,
		pub:      pub,
		topic:    topic,
		interval: interval,
		minAge:   minAge,
		batch:    200,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		log:      logger.S("wal-recovery"),
	}
	safe.Go(r.run)
	return r
}

func (r *Recovery) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep 单轮扫描，返回补发条数
func (r *Recovery) Sweep(ctx context.Context) int {
	before := time.Now().Add(-r.minAge)
	entries, err := r.w.PendingBefore(ctx, before, r.batch)
	if err != nil {
		r.log.Warnf("pending scan: %v", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}
	metrics.WALPending.Set(float64(len(entries)))

	republished := 0
	for _, e := range entries {
		env, err := protocol.DecodeEnvelope(e.Payload)
		if err != nil {
			// 解不出来说明 WAL 被写坏，只能记日志并标记吐出
			r.log.Errorf("wal entry %s corrupt, dropping: %v", e.ServerMsgID, err)
			_ = r.w.MarkPublished(ctx, e.ServerMsgID)
			continue
		}
		if err := r.pub.Send(r.topic, env.ConvID, e.Payload); err != nil {
			r.log.Warnf("republish %s: %v", e.ServerMsgID, err)
			continue
		}
		if err := r.w.MarkPublished(ctx, e.ServerMsgID); err != nil {
			r.log.Warnf("mark published %s: %v", e.ServerMsgID, err)
		}
		republished++
	}
	if republished > 0 {
		r.log.Infof("republished %d pending wal entries", republished)
	}
	return republished
}

func (r *Recovery) Close() {
	close(r.stopCh)
	<-r.doneCh
}
