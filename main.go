package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"IMCore/global/config"
	"IMCore/logger"
	"IMCore/protocol"
	"IMCore/service/gateway"
	"IMCore/service/kafkax"
	"IMCore/service/msgstore"
	"IMCore/service/natsx"
	"IMCore/service/orchestrator"
	"IMCore/service/orchestrator/wal"
	"IMCore/service/presence"
	"IMCore/service/pushd"
	"IMCore/service/registry"
	"IMCore/service/router"
	redisstore "IMCore/service/storage/redis"
	"IMCore/tools/hashring"
	"IMCore/tools/ids"
	"IMCore/tools/retry"
	"IMCore/tools/safe"
)

var log *zap.SugaredLogger

func main() {
	baseFile := flag.String("config", "config/base.yaml", "基础配置文件")
	svcFile := flag.String("service-config", "", "节点覆盖配置（可空）")
	flag.Parse()

	log = logger.S("boot")
	cfg := config.MustLoad(*baseFile, *svcFile)

	// 雪花节点号从 gateway_id 派生，多副本要保证 node_id 彼此不同
	ids.SetNodeID(int64(hashring.Shard(cfg.NodeID, 1024)))

	if cfg.Nacos.Enable {
		if err := config.StartWatcher(cfg, func(next *config.AppConfig) {
			log.Infof("config reloaded from nacos, conflict_policy=%s", next.ConflictPolicy)
		}); err != nil {
			log.Warnf("nacos watcher: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	safe.Go(func() { serveMetrics(cfg) })

	var err error
	switch cfg.NodeType {
	case config.NodeTypeGateway:
		err = runGateway(ctx, cfg)
	case config.NodeTypeDataNode:
		err = runDataNode(ctx, cfg)
	case config.NodeTypePushNode:
		err = runPushNode(ctx, cfg)
	case config.NodeTypeAllInOne:
		err = runAllInOne(ctx, cfg)
	default:
		log.Errorf("unknown node_type %q", cfg.NodeType)
		os.Exit(2)
	}
	if err != nil && ctx.Err() == nil {
		log.Errorf("%s exited: %v", cfg.NodeType, err)
		os.Exit(1)
	}
	log.Infof("%s shut down", cfg.NodeType)
}

func serveMetrics(cfg *config.AppConfig) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	addr := fmt.Sprintf(":%d", cfg.MetricsPort)
	if err := r.Run(addr); err != nil {
		log.Warnf("metrics server: %v", err)
	}
}

// ===== 共用初始化 =====

func initInfra(cfg *config.AppConfig) error {
	if err := redisstore.InitRedis(redisstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := kafkax.Init(kafkaConf(cfg, cfg.Kafka.GroupID)); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

func kafkaConf(cfg *config.AppConfig, group string) kafkax.Config {
	return kafkax.Config{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     group,
		Compression: cfg.Kafka.Compression,
		Retries:     cfg.Kafka.Retries,
	}
}

func newRegistry(cfg *config.AppConfig) (registry.Registry, error) {
	return registry.New(cfg.Registry.Type, cfg.Registry.Endpoints, cfg.Registry.Namespace, cfg.Registry.Static)
}

// ===== 网关节点（接入 + 提交链路）=====

func runGateway(ctx context.Context, cfg *config.AppConfig) error {
	if err := initInfra(cfg); err != nil {
		return err
	}
	rdb := redisstore.GetRedis()
	pub := kafkax.NewPublisher()

	pres := presence.NewRedisPresence(rdb, cfg.PresenceTTL())

	// 提交链路
	walStore := wal.NewRedisWAL(rdb, cfg.WALTTL())
	batcher := orchestrator.NewBatcher(pub, walStore, cfg.Topics.Committed, cfg.BatchSize, cfg.BatchInterval())
	seq := orchestrator.NewSequencer(cfg.SeqShards, orchestrator.RedisSeqLoader(rdb))
	orch := orchestrator.New(orchestrator.Options{
		Deduper:   orchestrator.NewRedisDeduper(rdb, 0, 24*time.Hour),
		Hooks:     orchestrator.NewHookChain(cfg.HookTimeout(), cfg.HookFailOpen),
		Sequencer: seq,
		SeqSave:   orchestrator.RedisSeqSaver(rdb),
		WAL:       walStore,
		Batcher:   batcher,
	})
	defer orch.Close()
	recovery := orchestrator.NewRecovery(walStore, pub, cfg.Topics.Committed, 0, 0)
	defer recovery.Close()

	// 接入面
	mgr := gateway.NewConnManager(gateway.ManagerConf{
		UnauthTTL:      cfg.AuthTimeout(),
		AuthTTL:        cfg.HeartbeatTimeout(),
		ConflictPolicy: cfg.ConflictPolicy,
		SendQueue:      cfg.SendQueueSize,
		MaxConns:       cfg.MaxConns,
	}, cfg.NodeID)
	defer mgr.Close()

	gw := gateway.New(gateway.Options{
		Cfg:      cfg,
		Manager:  mgr,
		Verifier: gateway.NewJWTVerifier([]byte(cfg.JWTSecret), gateway.NewRedisRevocations(rdb)),
		Presence: pres,
		Orch:     orch,
		AckPub:   pub,
	})

	// 跨节点推送 RPC
	nc, err := natsx.New(natsx.Config{Servers: []string{cfg.Nats.URL}, Name: cfg.NodeID})
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer nc.Close()
	if err := gw.ServePush(nc); err != nil {
		return fmt.Errorf("push rpc: %w", err)
	}

	// 注册中心登记，带 TTL 续约
	reg, err := newRegistry(cfg)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer func() { _ = reg.Close() }()
	inst := registry.Instance{
		Service:   "im-gateway",
		ID:        cfg.NodeID,
		Port:      cfg.WSPort,
		Metadata:  map[string]string{"region": cfg.Region},
		Ephemeral: true,
	}
	if err := reg.Register(ctx, inst, registry.RegisterOptions{TTL: time.Duration(cfg.Registry.TTLSec) * time.Second}); err != nil {
		log.Warnf("register gateway: %v", err)
	}
	defer func() { _ = reg.Deregister(context.Background(), inst.Service, inst.ID) }()

	safe.Go(func() {
		if err := gw.RunQUIC(ctx, nil); err != nil && ctx.Err() == nil {
			log.Errorf("quic listener: %v", err)
		}
	})
	return gw.RunWS()
}

// ===== 存储写入节点 =====

func runDataNode(ctx context.Context, cfg *config.AppConfig) error {
	if err := initInfra(cfg); err != nil {
		return err
	}
	pub := kafkax.NewPublisher()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	w := msgstore.NewWriter(store, pub, msgstore.WriterConfig{
		Topic:         cfg.Topics.Committed,
		AckTopic:      cfg.Topics.AckEvents,
		BatchSize:     cfg.BatchSize,
		BatchInterval: cfg.BatchInterval(),
		GapWindow:     cfg.GapWait(),
	})
	return w.Run(ctx, kafkaConf(cfg, cfg.Kafka.GroupID+"-storage"))
}

func openStore(ctx context.Context, cfg *config.AppConfig) (msgstore.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return msgstore.NewPgStore(ctx, cfg.Postgres.DSN)
	default:
		return msgstore.NewMongoStore(ctx, &msgstore.MongoConfig{
			Uri:         cfg.Mongo.URI,
			Database:    cfg.Mongo.Database,
			MaxPoolSize: int(cfg.Mongo.PoolSize),
		})
	}
}

// ===== 推送节点（分发 + 路由）=====

func runPushNode(ctx context.Context, cfg *config.AppConfig) error {
	if err := initInfra(cfg); err != nil {
		return err
	}
	rdb := redisstore.GetRedis()
	pub := kafkax.NewPublisher()

	pres := presence.NewRedisPresence(rdb, cfg.PresenceTTL())
	cache := pushd.NewPresenceCache(pres, 5*time.Second, 2*time.Second)
	cache.Start(ctx)

	reg, err := newRegistry(cfg)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer func() { _ = reg.Close() }()
	wcache := registry.NewWatchedCache(reg, "im-gateway")
	if err := wcache.Start(ctx); err != nil {
		log.Warnf("gateway watch: %v", err)
	}

	nc, err := natsx.New(natsx.Config{Servers: []string{cfg.Nats.URL}, Name: cfg.NodeID})
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer nc.Close()

	rt := router.New(router.Options{Cache: wcache, NC: nc})
	d := newDispatcher(cfg, cache, rt, pub)
	defer d.Close()
	return d.Run(ctx, kafkaConf(cfg, cfg.Kafka.GroupID+"-push"))
}

func newDispatcher(cfg *config.AppConfig, cache *pushd.PresenceCache, rt router.Router, pub kafkax.Publisher) *pushd.Dispatcher {
	return pushd.NewDispatcher(pushd.Config{
		Topic:        cfg.Topics.Committed,
		OfflineTopic: cfg.Topics.Offline,
		AckTopic:     cfg.Topics.AckEvents,
		DeadTopic:    cfg.Topics.DeadLetter,
		MaxParallel:  cfg.PushParallel,
		AckTimeout:   cfg.AckTimeout(),
		Retry: retry.Policy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: time.Duration(cfg.Retry.InitialDelay) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxDelay) * time.Millisecond,
			Multiplier:   cfg.Retry.Multiplier,
		},
	}, cache, rt, pub)
}

// ===== 单进程全组件（本地联调）=====

func runAllInOne(ctx context.Context, cfg *config.AppConfig) error {
	if err := initInfra(cfg); err != nil {
		return err
	}
	rdb := redisstore.GetRedis()
	pub := kafkax.NewPublisher()
	pres := presence.NewRedisPresence(rdb, cfg.PresenceTTL())

	// C4
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()
	w := msgstore.NewWriter(store, pub, msgstore.WriterConfig{
		Topic:     cfg.Topics.Committed,
		AckTopic:  cfg.Topics.AckEvents,
		GapWindow: cfg.GapWait(),
	})
	safe.Go(func() {
		if err := w.Run(ctx, kafkaConf(cfg, cfg.Kafka.GroupID+"-storage")); err != nil && ctx.Err() == nil {
			log.Errorf("storage writer: %v", err)
		}
	})

	// 提交链路：单进程里操作目标可以直接读库，不必等 WAL 回放
	walStore := wal.NewRedisWAL(rdb, cfg.WALTTL())
	batcher := orchestrator.NewBatcher(pub, walStore, cfg.Topics.Committed, cfg.BatchSize, cfg.BatchInterval())
	orch := orchestrator.New(orchestrator.Options{
		Deduper:   orchestrator.NewRedisDeduper(rdb, 0, 24*time.Hour),
		Hooks:     orchestrator.NewHookChain(cfg.HookTimeout(), cfg.HookFailOpen),
		Sequencer: orchestrator.NewSequencer(cfg.SeqShards, orchestrator.RedisSeqLoader(rdb)),
		SeqSave:   orchestrator.RedisSeqSaver(rdb),
		WAL:       walStore,
		Batcher:   batcher,
		Reader:    storeReader{store},
	})
	defer orch.Close()
	recovery := orchestrator.NewRecovery(walStore, pub, cfg.Topics.Committed, 0, 0)
	defer recovery.Close()

	// C1
	mgr := gateway.NewConnManager(gateway.ManagerConf{
		UnauthTTL:      cfg.AuthTimeout(),
		AuthTTL:        cfg.HeartbeatTimeout(),
		ConflictPolicy: cfg.ConflictPolicy,
		SendQueue:      cfg.SendQueueSize,
		MaxConns:       cfg.MaxConns,
	}, cfg.NodeID)
	defer mgr.Close()
	gw := gateway.New(gateway.Options{
		Cfg:      cfg,
		Manager:  mgr,
		Verifier: gateway.NewJWTVerifier([]byte(cfg.JWTSecret), nil),
		Presence: pres,
		Orch:     orch,
		AckPub:   pub,
	})

	// 推送与路由：本机网关短路直推
	cache := pushd.NewPresenceCache(pres, 5*time.Second, 2*time.Second)
	cache.Start(ctx)
	reg, err := newRegistry(cfg)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer func() { _ = reg.Close() }()
	wcache := registry.NewWatchedCache(reg, "im-gateway")
	if err := wcache.Start(ctx); err != nil {
		log.Warnf("gateway watch: %v", err)
	}
	nc, err := natsx.New(natsx.Config{Servers: []string{cfg.Nats.URL}, Name: cfg.NodeID})
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer nc.Close()
	if err := gw.ServePush(nc); err != nil {
		return fmt.Errorf("push rpc: %w", err)
	}
	rt := router.New(router.Options{LocalGatewayID: cfg.NodeID, Local: gw, Cache: wcache, NC: nc})
	d := newDispatcher(cfg, cache, rt, pub)
	defer d.Close()
	safe.Go(func() {
		if err := d.Run(ctx, kafkaConf(cfg, cfg.Kafka.GroupID+"-push")); err != nil && ctx.Err() == nil {
			log.Errorf("push dispatcher: %v", err)
		}
	})

	safe.Go(func() {
		if err := gw.RunQUIC(ctx, nil); err != nil && ctx.Err() == nil {
			log.Errorf("quic listener: %v", err)
		}
	})
	return gw.RunWS()
}

// storeReader 消息存储当提交链路的目标消息读取口用
type storeReader struct {
	store msgstore.Store
}

func (r storeReader) GetByServerID(ctx context.Context, serverMsgID string) (*protocol.Message, bool, error) {
	return r.store.GetByServerID(ctx, serverMsgID)
}
