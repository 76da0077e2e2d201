package kafkax

import (
	"context"
	"time"

	"github.com/Shopify/sarama"

	"IMCore/logger"
	"IMCore/tools/safe"
)

// BatchHandler 一次收一批；返回 error 整批不标记 offset，原地重投。
// 批内毒消息由 handler 记录后跳过，不要因为单条脏数据卡死分区。
type BatchHandler func(topic string, partition int32, msgs []*sarama.ConsumerMessage) error

type batchGroupHandler struct {
	handler  BatchHandler
	size     int
	interval time.Duration
}

func (h *batchGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *batchGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *batchGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	buf := make([]*sarama.ConsumerMessage, 0, h.size)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := h.handler(buf[0].Topic, buf[0].Partition, buf); err != nil {
			logger.Errorf("batch handler error topic=%s partition=%d first_offset=%d: %v",
				buf[0].Topic, buf[0].Partition, buf[0].Offset, err)
			return err
		}
		// 整批成功才推进到批内最后一条
		session.MarkMessage(buf[len(buf)-1], "")
		buf = buf[:0]
		return nil
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return flush()
			}
			buf = append(buf, msg)
			if len(buf) >= h.size {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-session.Context().Done():
			return flush()
		}
	}
}

// StartBatchConsumerGroup 攒批消费；批大小或间隔先到先冲刷
func StartBatchConsumerGroup(ctx context.Context, c Config, topics []string, size int, interval time.Duration, handler BatchHandler) error {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, BuildBaseConfig(c))
	if err != nil {
		return err
	}
	defer func() { _ = group.Close() }()

	safe.Go(func() {
		for err := range group.Errors() {
			logger.Errorf("consumer group error: %v", err)
		}
	})

	h := &batchGroupHandler{handler: handler, size: size, interval: interval}
	for {
		if err := group.Consume(ctx, topics, h); err != nil {
			logger.Errorf("consume error: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
