package kafkax

import (
	"errors"
	"fmt"

	"github.com/Shopify/sarama"

	"IMCore/logger"
)

func strPtr(s string) *string { return &s }

// EnsureTopics 启动期保证 topic 存在；已存在且分区不足时只扩不缩
func EnsureTopics(topics []string, partitions int32, rf int16) error {
	cl := Client()
	if cl == nil {
		return errors.New("kafka not initialized")
	}
	admin, err := sarama.NewClusterAdminFromClient(cl)
	if err != nil {
		return err
	}

	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err == nil && len(descs) == 1 && descs[0].Err == sarama.ErrNoError {
			if int32(len(descs[0].Partitions)) < partitions {
				if err := admin.CreatePartitions(t, partitions, nil, false); err != nil {
					return fmt.Errorf("expand topic %s: %w", t, err)
				}
				logger.Infof("[topic] expanded: %s -> %d partitions", t, partitions)
			}
			continue
		}
		td := &sarama.TopicDetail{
			NumPartitions:     partitions,
			ReplicationFactor: rf,
			ConfigEntries: map[string]*string{
				"cleanup.policy":                 strPtr("delete"),
				"min.insync.replicas":            strPtr("1"),
				"unclean.leader.election.enable": strPtr("false"),
				"compression.type":               strPtr("producer"),
			},
		}
		if err := admin.CreateTopic(t, td, false); err != nil {
			if errors.Is(err, sarama.ErrTopicAlreadyExists) {
				continue
			}
			return fmt.Errorf("create topic %s: %w", t, err)
		}
		logger.Infof("[topic] created: %s (partitions=%d rf=%d)", t, partitions, rf)
	}
	return nil
}
