package repository

import (
	"compliance-chat-go/internal/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrStaleHistory 表示回填期间缓存已被失效，本次回填被放弃。
var ErrStaleHistory = errors.New("history changed during cache fill")

// versionTTL 是版本号键的过期时间，每次失效时刷新。
const versionTTL = 30 * 24 * time.Hour

// HistoryCache 是会话消息历史的读穿缓存。
//
// 每次失效都会递增会话的版本号。回填前先读取版本号，Set 只在版本号未变时写入，
// 避免读库期间发生的写入被旧快照覆盖。
type HistoryCache interface {
	Get(ctx context.Context, conversationID string) ([]model.Message, bool, error)
	Version(ctx context.Context, conversationID string) (int64, error)
	Set(ctx context.Context, conversationID string, version int64, messages []model.Message) error
	Invalidate(ctx context.Context, conversationID string) error
}

type redisHistoryCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewHistoryCache 创建基于 Redis 的历史缓存。redisClient 为 nil 时返回 nil。
func NewHistoryCache(redisClient *redis.Client, ttl time.Duration) HistoryCache {
	if redisClient == nil {
		return nil
	}
	return &redisHistoryCache{redisClient: redisClient, ttl: ttl}
}

func historyKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:messages", conversationID)
}

func versionKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:ver", conversationID)
}

// Get 从 Redis 读取缓存的历史，未命中时第二个返回值为 false。
func (c *redisHistoryCache) Get(ctx context.Context, conversationID string) ([]model.Message, bool, error) {
	jsonData, err := c.redisClient.Get(ctx, historyKey(conversationID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get conversation history: %w", err)
	}
	var messages []model.Message
	if err := json.Unmarshal(jsonData, &messages); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return messages, true, nil
}

// Version 返回会话当前的缓存版本号，从未失效过时为 0。
func (c *redisHistoryCache) Version(ctx context.Context, conversationID string) (int64, error) {
	v, err := c.redisClient.Get(ctx, versionKey(conversationID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get history version: %w", err)
	}
	return v, nil
}

// Set 在版本号仍等于 version 时缓存完整历史，否则返回 ErrStaleHistory。
func (c *redisHistoryCache) Set(ctx context.Context, conversationID string, version int64, messages []model.Message) error {
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	vKey := versionKey(conversationID)
	err = c.redisClient.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != version {
			return ErrStaleHistory
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, historyKey(conversationID), jsonData, c.ttl)
			return nil
		})
		return err
	}, vKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleHistory), errors.Is(err, redis.TxFailedErr):
		return ErrStaleHistory
	default:
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
}

// Invalidate 递增版本号并删除缓存，消息写入或会话删除后调用。
func (c *redisHistoryCache) Invalidate(ctx context.Context, conversationID string) error {
	vKey := versionKey(conversationID)
	_, err := c.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, vKey)
		pipe.Expire(ctx, vKey, versionTTL)
		pipe.Del(ctx, historyKey(conversationID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate conversation history: %w", err)
	}
	return nil
}
