package kafkax

import (
	"github.com/Shopify/sarama"

	errs "IMCore/tools/errs"
)

// Publisher 供业务层注入（单测替换为内存实现）
type Publisher interface {
	Send(topic, key string, value []byte) error
	// SendBatch 一次请求提交整批；同 Key 消息进同一分区
	SendBatch(msgs []Record) error
}

type Record struct {
	Topic string
	Key   string
	Value []byte
}

type syncPublisher struct{}

// NewPublisher 基于全局 SyncProducer；Init 之后调用
func NewPublisher() Publisher { return syncPublisher{} }

func (syncPublisher) Send(topic, key string, value []byte) error {
	mu.RLock()
	p := producer
	mu.RUnlock()
	if p == nil {
		return errs.ErrQueueFull.WithDetail("kafka producer not initialized")
	}
	_, _, err := p.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return errs.ErrQueueFull.WrapMsg("kafka send", "topic", topic)
	}
	return nil
}

func (syncPublisher) SendBatch(msgs []Record) error {
	if len(msgs) == 0 {
		return nil
	}
	mu.RLock()
	p := producer
	mu.RUnlock()
	if p == nil {
		return errs.ErrQueueFull.WithDetail("kafka producer not initialized")
	}
	batch := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, &sarama.ProducerMessage{
			Topic: m.Topic,
			Key:   sarama.StringEncoder(m.Key),
			Value: sarama.ByteEncoder(m.Value),
		})
	}
	if err := p.SendMessages(batch); err != nil {
		return errs.ErrQueueFull.WrapMsg("kafka send batch", "n", len(batch))
	}
	return nil
}
