package kafkax

import (
	"strings"
	"sync"
	"time"

	"github.com/Shopify/sarama"

	errs "IMCore/tools/errs"
)

type Config struct {
	Brokers     []string
	GroupID     string
	Compression string // snappy / lz4 / zstd / none
	Retries     int
}

var (
	mu       sync.RWMutex
	client   sarama.Client
	producer sarama.SyncProducer
)

// BuildBaseConfig 生产者按 Key 哈希分区：同一 conversation_id 始终同分区，
// 这是下游保序的前提
func BuildBaseConfig(c Config) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	if c.Retries <= 0 {
		c.Retries = 1
	}
	cfg.Producer.Retry.Max = c.Retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func Init(c Config) error {
	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		return nil
	}
	cl, err := sarama.NewClient(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return errs.WrapMsg(err, "kafka client", "brokers", strings.Join(c.Brokers, ","))
	}
	p, err := sarama.NewSyncProducerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return errs.Wrap(err)
	}
	client, producer = cl, p
	return nil
}

func Client() sarama.Client {
	mu.RLock()
	defer mu.RUnlock()
	return client
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	if producer != nil {
		_ = producer.Close()
		producer = nil
	}
	if client != nil {
		_ = client.Close()
		client = nil
	}
}
