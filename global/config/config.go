package config

import "time"

// 节点类型
const (
	NodeTypeGateway  = "msgGateway"  // 接入网关
	NodeTypeDataNode = "msgDataNode" // 存储写入
	NodeTypePushNode = "msgPushNode" // 推送分发
	NodeTypeAllInOne = "allInOne"    // 单进程全组件（本地联调）
)

// 部署形态
const (
	DeploySingleRegion = "single_region"
	DeployMultiRegion  = "multi_region"
)

// 连接冲突策略
const (
	ConflictAllowAll          = "allow_all"
	ConflictPlatformExclusive = "platform_exclusive"
	ConflictDeviceExclusive   = "device_exclusive"
	ConflictSingleSession     = "single_session"
)

type RetryConfig struct {
	MaxAttempts  int     `mapstructure:"max_attempts"`
	InitialDelay int     `mapstructure:"initial_delay_ms"`
	MaxDelay     int     `mapstructure:"max_delay_ms"`
	Multiplier   float64 `mapstructure:"multiplier"`
}

type RegistryConfig struct {
	Type      string   `mapstructure:"type"` // consul / dns / static
	Endpoints []string `mapstructure:"endpoints"`
	Namespace string   `mapstructure:"namespace"`
	TTLSec    int      `mapstructure:"ttl"`
	// static 模式下 gateway_id -> nats subject 附加元数据
	Static map[string]string `mapstructure:"static"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	GroupID     string   `mapstructure:"group_id"`
	Compression string   `mapstructure:"compression"`
	Retries     int      `mapstructure:"retries"`
}

type NatsConfig struct {
	URL string `mapstructure:"url"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	PoolSize uint64 `mapstructure:"pool_size"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TopicsConfig struct {
	Committed  string `mapstructure:"committed"`   // orchestrator -> {msgstore,pushd}，按 conv_id 分区
	PushTasks  string `mapstructure:"push_tasks"`  // pushd -> workers，按 user_id 分区
	Offline    string `mapstructure:"offline"`     // 离线推送
	AckEvents  string `mapstructure:"ack_events"`  // 网关 -> 消费方
	DeadLetter string `mapstructure:"dead_letter"` // 重试耗尽
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// AppConfig 全量配置；每个节点只消费自己的子集
type AppConfig struct {
	NodeType string `mapstructure:"node_type"`
	NodeID   string `mapstructure:"node_id"` // local_gateway_id
	Region   string `mapstructure:"region"`
	TenantID string `mapstructure:"tenant_id"`

	DeploymentMode string `mapstructure:"gateway_deployment_mode"`

	WSPort      int `mapstructure:"ws_port"`
	QUICPort    int `mapstructure:"quic_port"` // 0 => ws_port+1
	MetricsPort int `mapstructure:"metrics_port"`

	MaxConns            int `mapstructure:"max_conns"`
	SendQueueSize       int `mapstructure:"send_queue_size"`
	MaxMessageSizeBytes int `mapstructure:"max_message_size_bytes"`

	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval"`
	HeartbeatTimeoutSec  int `mapstructure:"heartbeat_timeout"`
	AuthTimeoutSec       int `mapstructure:"auth_timeout"`
	AckTimeoutSec        int `mapstructure:"ack_timeout_seconds"`
	PresenceTTLSec       int `mapstructure:"presence_ttl"`

	ConflictPolicy string `mapstructure:"conflict_policy"`

	HookTimeoutMS int  `mapstructure:"hook_timeout_ms"`
	HookFailOpen  bool `mapstructure:"hook_fail_open"` // 超时放行 or 拒绝

	BatchSize       int `mapstructure:"batch_size"`
	BatchIntervalMS int `mapstructure:"batch_interval_ms"`
	PushParallel    int `mapstructure:"push_parallel"`
	SeqShards       int `mapstructure:"seq_shards"`
	WALTTLMin       int `mapstructure:"wal_ttl_minutes"`
	GapWaitMS       int `mapstructure:"gap_wait_ms"`

	StoreBackend string `mapstructure:"store_backend"` // mongo / postgres

	JWTSecret string `mapstructure:"jwt_secret"`

	Retry     RetryConfig     `mapstructure:"retry_policy"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Nats      NatsConfig      `mapstructure:"nats"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Topics    TopicsConfig    `mapstructure:"topics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	Nacos NacosConfig `mapstructure:"nacos"`
}

type NacosConfig struct {
	Enable bool   `mapstructure:"enable"`
	Addr   string `mapstructure:"addr"`
	Port   uint64 `mapstructure:"port"`
	DataID string `mapstructure:"data_id"`
	Group  string `mapstructure:"group"`
}

func (c *AppConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}
func (c *AppConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}
func (c *AppConfig) AuthTimeout() time.Duration { return time.Duration(c.AuthTimeoutSec) * time.Second }
func (c *AppConfig) AckTimeout() time.Duration  { return time.Duration(c.AckTimeoutSec) * time.Second }
func (c *AppConfig) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSec) * time.Second
}
func (c *AppConfig) HookTimeout() time.Duration {
	return time.Duration(c.HookTimeoutMS) * time.Millisecond
}
func (c *AppConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMS) * time.Millisecond
}
func (c *AppConfig) WALTTL() time.Duration { return time.Duration(c.WALTTLMin) * time.Minute }
func (c *AppConfig) GapWait() time.Duration {
	return time.Duration(c.GapWaitMS) * time.Millisecond
}

// Defaults 未设置项的缺省值；文件与环境变量覆盖其上
func Defaults() *AppConfig {
	return &AppConfig{
		NodeType:             NodeTypeGateway,
		NodeID:               "gateway_01",
		Region:               "default",
		DeploymentMode:       DeploySingleRegion,
		WSPort:               8080,
		MetricsPort:          9100,
		MaxConns:             10000,
		SendQueueSize:        256,
		MaxMessageSizeBytes:  1 << 20,
		HeartbeatIntervalSec: 25,
		HeartbeatTimeoutSec:  90,
		AuthTimeoutSec:       30,
		AckTimeoutSec:        15,
		PresenceTTLSec:       120,
		ConflictPolicy:       ConflictAllowAll,
		HookTimeoutMS:        500,
		HookFailOpen:         true,
		BatchSize:            100,
		BatchIntervalMS:      50,
		PushParallel:         1000,
		SeqShards:            32,
		WALTTLMin:            10,
		GapWaitMS:            3000,
		StoreBackend:         "mongo",
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 200,
			MaxDelay:     10000,
			Multiplier:   2.0,
		},
		Registry: RegistryConfig{Type: "static", TTLSec: 10},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379"},
		Kafka:    KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "im-core", Retries: 3},
		Nats:     NatsConfig{URL: "nats://127.0.0.1:4222"},
		Mongo:    MongoConfig{URI: "mongodb://127.0.0.1:27017", Database: "im_core", PoolSize: 20},
		Topics: TopicsConfig{
			Committed:  "committed-messages",
			PushTasks:  "push-tasks",
			Offline:    "push-tasks-offline",
			AckEvents:  "ack-events",
			DeadLetter: "dead-letter",
		},
		RateLimit: RateLimitConfig{PerSecond: 50, Burst: 100},
	}
}

// QUICListenPort QUIC 端口缺省为 WS 端口 +1
func (c *AppConfig) QUICListenPort() int {
	if c.QUICPort > 0 {
		return c.QUICPort
	}
	return c.WSPort + 1
}
