package database

import (
	"compliance-chat-go/pkg/log"
	"context"

	"github.com/go-redis/redis/v8"
)

var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接。addr 为空时不启用，RDB 保持为 nil。
func InitRedis(addr, password string, db int) {
	if addr == "" {
		log.Info("Redis address not configured, history cache and retry counter disabled")
		return
	}
	RDB = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 测试连接
	if err := RDB.Ping(context.Background()).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}

	log.Info("Redis client connected successfully")
}
