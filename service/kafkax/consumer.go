package kafkax

import (
	"context"

	"github.com/Shopify/sarama"

	"IMCore/logger"
	"IMCore/tools/safe"
)

// MessageHandler 返回 error 时不标记 offset，分区停在原地等待重试；
// 毒消息（无法反序列化）应由 handler 自行记录并返回 nil 以免卡死分区
type MessageHandler func(topic string, partition int32, key, value []byte) error

type groupHandler struct {
	handler MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Debug("consumer group setup")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Debug("consumer group cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handler(msg.Topic, msg.Partition, msg.Key, msg.Value); err != nil {
			logger.Errorf("handler error topic=%s partition=%d offset=%d: %v",
				msg.Topic, msg.Partition, msg.Offset, err)
			// offset 不前进，consumer 会重投
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// StartConsumerGroup 阻塞消费直到 ctx 取消；rebalance 后自动续读
func StartConsumerGroup(ctx context.Context, c Config, topics []string, handler MessageHandler) error {
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

	h := &groupHandler{handler: handler}
	for {
		if err := group.Consume(ctx, topics, h); err != nil {
			logger.Errorf("consume error: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
