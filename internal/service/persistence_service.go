// Package service 包含了应用的业务逻辑层。
package service

import (
	"compliance-chat-go/internal/model"
	"compliance-chat-go/internal/repository"
	"compliance-chat-go/pkg/events"
	"compliance-chat-go/pkg/log"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrEmptyTitle 表示重命名时标题为空。
var ErrEmptyTitle = errors.New("title must not be empty")

// PersistenceGateway 是会话管理器与持久化服务之间的边界。
// 两种写入方式（单条自动保存、整段批量保存）都按消息 ID 幂等。
type PersistenceGateway interface {
	CreateConversation(ctx context.Context, owner model.OwnerRefs) (*model.Conversation, error)
	ListConversations(ctx context.Context, owner model.OwnerRefs) ([]model.Conversation, error)
	DeleteConversation(ctx context.Context, owner model.OwnerRefs, conversationID string) error
	RenameConversation(ctx context.Context, conversationID, title string) error
	SaveMessage(ctx context.Context, msg model.Message, conversationID string) error
	SaveMessagesBatch(ctx context.Context, msgs []model.Message, conversationID string) (model.BatchSaveResult, error)
	// LoadMessages 按创建顺序返回消息；新会话返回空切片而非错误。
	LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	GenerateTitle(ctx context.Context, seedText string) (string, error)
}

// TitleGenerator 生成会话标题，由 llm.Client 实现。
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, seedText string) (string, error)
}

// EventPublisher 发布会话生命周期事件，由 kafka.Publisher 实现。
type EventPublisher interface {
	Publish(ctx context.Context, ev events.ConversationEvent) error
}

// TranscriptArchiver 将批量保存的会话记录归档，由 storage.TranscriptArchive 实现。
type TranscriptArchiver interface {
	Archive(ctx context.Context, conversationID string, msgs []model.Message) (string, error)
}

// GatewayOptions 控制网关的默认行为。
type GatewayOptions struct {
	PlaceholderTitle string
	TitleMaxRunes    int
}

type persistenceGateway struct {
	convRepo  repository.ConversationRepository
	msgRepo   repository.MessageRepository
	cache     repository.HistoryCache
	titler    TitleGenerator
	publisher EventPublisher
	archiver  TranscriptArchiver
	opts      GatewayOptions
	now       func() time.Time
}

// NewPersistenceGateway 创建一个新的 PersistenceGateway。cache、publisher、archiver 可以为 nil。
func NewPersistenceGateway(
	convRepo repository.ConversationRepository,
	msgRepo repository.MessageRepository,
	cache repository.HistoryCache,
	titler TitleGenerator,
	publisher EventPublisher,
	archiver TranscriptArchiver,
	opts GatewayOptions,
) PersistenceGateway {
	if opts.PlaceholderTitle == "" {
		opts.PlaceholderTitle = "New Chat"
	}
	return &persistenceGateway{
		convRepo:  convRepo,
		msgRepo:   msgRepo,
		cache:     cache,
		titler:    titler,
		publisher: publisher,
		archiver:  archiver,
		opts:      opts,
		now:       time.Now,
	}
}

// CreateConversation 分配一条新的空会话记录。
func (g *persistenceGateway) CreateConversation(ctx context.Context, owner model.OwnerRefs) (*model.Conversation, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	now := g.now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Title:     g.opts.PlaceholderTitle,
		CompanyID: owner.CompanyID,
		UserID:    owner.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.convRepo.Create(ctx, conv); err != nil {
		return nil, err
	}
	g.publish(ctx, events.New(events.ConversationCreated, conv.ID, owner.CompanyID, owner.UserID, ""))
	return conv, nil
}

// ListConversations 返回用户的全部会话，调用方负责按日期分组。
func (g *persistenceGateway) ListConversations(ctx context.Context, owner model.OwnerRefs) ([]model.Conversation, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	return g.convRepo.ListByOwner(ctx, owner)
}

// DeleteConversation 删除会话及其消息，并清理历史缓存。
func (g *persistenceGateway) DeleteConversation(ctx context.Context, owner model.OwnerRefs, conversationID string) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if err := g.convRepo.Delete(ctx, owner, conversationID); err != nil {
		return err
	}
	g.invalidate(ctx, conversationID)
	g.publish(ctx, events.New(events.ConversationDeleted, conversationID, owner.CompanyID, owner.UserID, ""))
	return nil
}

// RenameConversation 更新标题，不改变 updated_at。
func (g *persistenceGateway) RenameConversation(ctx context.Context, conversationID, title string) error {
	title = g.normalizeTitle(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if err := g.convRepo.UpdateTitle(ctx, conversationID, title); err != nil {
		return err
	}
	if conv, err := g.convRepo.FindByID(ctx, conversationID); err == nil {
		g.publish(ctx, events.New(events.ConversationRenamed, conversationID, conv.CompanyID, conv.UserID, title))
	}
	return nil
}

// SaveMessage 持久化单条已完成的消息（自动保存路径）。
// 会话已被删除时返回 repository.ErrConversationNotFound。
func (g *persistenceGateway) SaveMessage(ctx context.Context, msg model.Message, conversationID string) error {
	if err := g.saveOne(ctx, msg, conversationID); err != nil {
		return err
	}
	g.touch(ctx, conversationID, msg.CreatedAt)
	g.invalidate(ctx, conversationID)
	return nil
}

// SaveMessagesBatch 一次性持久化整个消息缓冲区。
// 单条失败只计数，不回滚已成功写入的记录。
func (g *persistenceGateway) SaveMessagesBatch(ctx context.Context, msgs []model.Message, conversationID string) (model.BatchSaveResult, error) {
	var result model.BatchSaveResult
	conv, err := g.convRepo.FindByID(ctx, conversationID)
	if err != nil {
		return result, err
	}

	var latest time.Time
	saved := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		if err := g.saveOne(ctx, msg, conversationID); err != nil {
			result.ErrorCount++
			log.Warnw("batch save: message failed", "conversationId", conversationID, "messageId", msg.ID, "error", err)
			continue
		}
		result.SavedCount++
		saved = append(saved, msg)
		if msg.CreatedAt.After(latest) {
			latest = msg.CreatedAt
		}
	}
	if result.SavedCount > 0 {
		g.touch(ctx, conversationID, latest)
		g.invalidate(ctx, conversationID)
	}

	if g.archiver != nil && len(saved) > 0 {
		key, err := g.archiver.Archive(ctx, conversationID, saved)
		if err != nil {
			log.Warnw("batch save: transcript archive failed", "conversationId", conversationID, "error", err)
		} else {
			result.ArchiveKey = key
		}
	}

	detail := fmt.Sprintf("saved=%d failed=%d", result.SavedCount, result.ErrorCount)
	g.publish(ctx, events.New(events.SessionBatchSaved, conversationID, conv.CompanyID, conv.UserID, detail))
	log.Infow("batch save finished", "conversationId", conversationID, "saved", result.SavedCount, "failed", result.ErrorCount)
	return result, nil
}

// LoadMessages 优先读取 Redis 缓存，未命中时回源数据库并回填缓存。
// 回填以读库前的版本号为条件，读库期间发生的写入会让本次回填作废。
func (g *persistenceGateway) LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var (
		version  int64
		fillable bool
	)
	if g.cache != nil {
		msgs, ok, err := g.cache.Get(ctx, conversationID)
		if err != nil {
			log.Warnw("history cache read failed", "conversationId", conversationID, "error", err)
		} else if ok {
			return msgs, nil
		}
		if version, err = g.cache.Version(ctx, conversationID); err != nil {
			log.Warnw("history cache version read failed", "conversationId", conversationID, "error", err)
		} else {
			fillable = true
		}
	}

	msgs, err := g.msgRepo.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if fillable {
		err := g.cache.Set(ctx, conversationID, version, msgs)
		switch {
		case errors.Is(err, repository.ErrStaleHistory):
			log.Debugf("skip history cache fill for conversation %s: changed during load", conversationID)
		case err != nil:
			log.Warnw("history cache write failed", "conversationId", conversationID, "error", err)
		}
	}
	return msgs, nil
}

// GenerateTitle 调用生成服务得到标题，并裁剪到配置的长度。
func (g *persistenceGateway) GenerateTitle(ctx context.Context, seedText string) (string, error) {
	if g.titler == nil {
		return "", errors.New("title generation is not configured")
	}
	title, err := g.titler.GenerateTitle(ctx, seedText)
	if err != nil {
		return "", err
	}
	title = g.normalizeTitle(title)
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}

func (g *persistenceGateway) saveOne(ctx context.Context, msg model.Message, conversationID string) error {
	if conversationID == "" {
		return errors.New("conversationId is required")
	}
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	msg.ConversationID = conversationID
	msg.RowID = 0
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = g.now()
	}
	return g.msgRepo.Upsert(ctx, &msg)
}

func (g *persistenceGateway) normalizeTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if g.opts.TitleMaxRunes > 0 && utf8.RuneCountInString(title) > g.opts.TitleMaxRunes {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:g.opts.TitleMaxRunes]))
	}
	return title
}

func (g *persistenceGateway) touch(ctx context.Context, conversationID string, at time.Time) {
	if at.IsZero() {
		at = g.now()
	}
	if err := g.convRepo.TouchUpdatedAt(ctx, conversationID, at); err != nil {
		log.Warnw("failed to touch conversation", "conversationId", conversationID, "error", err)
	}
}

func (g *persistenceGateway) invalidate(ctx context.Context, conversationID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Invalidate(ctx, conversationID); err != nil {
		log.Warnw("history cache invalidate failed", "conversationId", conversationID, "error", err)
	}
}

func (g *persistenceGateway) publish(ctx context.Context, ev events.ConversationEvent) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.Publish(ctx, ev); err != nil {
		log.Warnw("failed to publish conversation event", "type", ev.Type, "conversationId", ev.ConversationID, "error", err)
	}
}
