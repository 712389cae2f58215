// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"compliance-chat-go/internal/config"
	"compliance-chat-go/pkg/events"
	"compliance-chat-go/pkg/log"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// MaxAttempts 是同一事件处理失败后允许的最大重试次数。
const MaxAttempts = 3

// EventProcessor defines the interface for any service that can consume a conversation event.
// This decouples the Kafka consumer from the concrete audit implementation.
type EventProcessor interface {
	Process(ctx context.Context, ev events.ConversationEvent) error
}

// AttemptCounter 记录事件的失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, eventID string) (int64, error)
	Reset(ctx context.Context, eventID string) error
}

// Publisher 将会话生命周期事件写入 Kafka。
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher 初始化 Kafka 生产者。同一会话的事件使用会话 ID 作为 key，保证分区内有序。
func NewPublisher(cfg config.KafkaConfig) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.BrokerList()...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Publisher{writer: w}
}

// Publish 发送一个会话事件到 Kafka。
func (p *Publisher) Publish(ctx context.Context, ev events.ConversationEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ConversationID),
		Value: value,
	})
}

// Close 刷新并关闭生产者。
func (p *Publisher) Close() error {
	return p.writer.Close()
}

type redisAttempts struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAttemptCounter 使用 Redis 计数失败次数，计数 24 小时后过期。
func NewRedisAttemptCounter(rdb *redis.Client) AttemptCounter {
	return &redisAttempts{rdb: rdb, ttl: 24 * time.Hour}
}

func attemptsKey(eventID string) string {
	return fmt.Sprintf("kafka:attempts:%s", eventID)
}

func (a *redisAttempts) Incr(ctx context.Context, eventID string) (int64, error) {
	key := attemptsKey(eventID)
	n, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = a.rdb.Expire(ctx, key, a.ttl).Err()
	return n, nil
}

func (a *redisAttempts) Reset(ctx context.Context, eventID string) error {
	return a.rdb.Del(ctx, attemptsKey(eventID)).Err()
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// StartConsumer 启动一个 Kafka 消费者来处理审计事件，直到 ctx 被取消。
// attempts 为 nil 时失败的事件不提交 offset，由 Kafka 无限重投。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor EventProcessor, attempts AttemptCounter) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.BrokerList(),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}
		handleMessage(ctx, r, m, processor, attempts)
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
	log.Info("Kafka 消费者已停止")
}

// handleMessage 处理单条消息并决定是否提交 offset。
func handleMessage(ctx context.Context, c committer, m kafka.Message, processor EventProcessor, attempts AttemptCounter) {
	var ev events.ConversationEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		commit(ctx, c, m)
		return
	}

	if err := processor.Process(ctx, ev); err != nil {
		log.Errorw("处理审计事件失败", "eventId", ev.EventID, "type", ev.Type, "error", err)
		if attempts == nil {
			return
		}
		n, incErr := attempts.Incr(ctx, ev.EventID)
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return
		}
		if n >= MaxAttempts {
			log.Errorf("审计事件多次失败(>=%d)，提交 offset 终止重试: eventId=%s", MaxAttempts, ev.EventID)
			commit(ctx, c, m)
		}
		return
	}

	if attempts != nil {
		_ = attempts.Reset(ctx, ev.EventID)
	}
	commit(ctx, c, m)
}

func commit(ctx context.Context, c committer, m kafka.Message) {
	if err := c.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
