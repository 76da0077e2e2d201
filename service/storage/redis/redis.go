package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	redisOnce sync.Once
	client    redis.UniversalClient
)

// Config 用于初始化 Redis
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// InitRedis 初始化（单例）；presence / seq / wal / dedupe 共用一个连接池
func InitRedis(c Config) error {
	var initErr error
	redisOnce.Do(func() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
			PoolSize: c.PoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := rdb.Ping(ctx).Err(); err != nil {
			initErr = err
			return
		}
		client = rdb
	})
	return initErr
}

// GetRedis 获取客户端；业务层持有接口便于单测注入
func GetRedis() redis.UniversalClient {
	if client == nil {
		panic("redis not initialized, call InitRedis first")
	}
	return client
}

func CloseRedis() error {
	if client != nil {
		return client.Close()
	}
	return nil
}
