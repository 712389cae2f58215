// Package session 实现单个用户的会话管理器：会话列表、当前消息缓冲区、
// 流式生成以及与持久化服务之间的协调。每个用户连接持有一个独立的 Session。
package session

import (
	"compliance-chat-go/internal/config"
	"compliance-chat-go/internal/model"
	"compliance-chat-go/internal/service"
	"compliance-chat-go/pkg/llm"
	"compliance-chat-go/pkg/log"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type options struct {
	clock           func() time.Time
	autosaveTimeout time.Duration
	titleTimeout    time.Duration
	maxWarnings     int
}

// Option 配置 Session。
type Option func(*options)

// WithClock 替换会话时钟，分组和消息时间戳都以它为准。
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithAutosaveTimeout 设置单条自动保存的超时。
func WithAutosaveTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.autosaveTimeout = d
		}
	}
}

// WithTitleTimeout 设置标题生成的超时。
func WithTitleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.titleTimeout = d
		}
	}
}

// WithMaxWarnings 设置状态中保留的最近警告条数。
func WithMaxWarnings(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxWarnings = n
		}
	}
}

// WithConfig 从 session 配置段读取各项参数，零值保持默认。
func WithConfig(cfg config.SessionConfig) Option {
	return func(o *options) {
		WithAutosaveTimeout(cfg.AutosaveTimeout)(o)
		WithTitleTimeout(cfg.TitleTimeout)(o)
		WithMaxWarnings(cfg.MaxWarnings)(o)
	}
}

// Session 是单个用户会话的生命周期控制器。
//
// 它拥有：
// - 会话列表和当前选中的会话
// - 当前会话的消息缓冲区
// - 唯一的活动流槽位
type Session struct {
	owner    model.OwnerRefs
	gateway  service.PersistenceGateway
	streamer Streamer
	opts     options

	locks keyedMutex
	bg    sync.WaitGroup

	mu       sync.Mutex
	registry registry
	buffer   messageBuffer
	// stable 是最近一次加载完成的缓冲区，连续切换全部失败时据此还原。
	stable   bufferState
	selected string
	active   *streamHandle
	epoch    uint64
	creating int
	renaming int
	saving   bool
	deleting map[string]bool
	// fresh 记录本次会话中新建、尚未发送过消息的会话，首条消息会触发标题生成。
	fresh    map[string]bool
	lastErr  string
	warnings []string
	closed   bool

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// New 为 owner 创建一个空闲状态的 Session。
func New(owner model.OwnerRefs, gateway service.PersistenceGateway, streamer Streamer, opts ...Option) *Session {
	o := options{
		clock:           time.Now,
		autosaveTimeout: 5 * time.Second,
		titleTimeout:    30 * time.Second,
		maxWarnings:     20,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Session{
		owner:    owner,
		gateway:  gateway,
		streamer: streamer,
		opts:     o,
		deleting: make(map[string]bool),
		fresh:    make(map[string]bool),
		subs:     make(map[int]func(Event)),
	}
}

// Owner 返回会话所属的归属键。
func (s *Session) Owner() model.OwnerRefs {
	return s.owner
}

// Subscribe 注册事件回调，返回取消订阅函数。
// 回调可能在不同 goroutine 中被调用，同一条流的 chunk 事件按到达顺序串行投递。
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Snapshot 返回当前可观察状态的副本。分组在每次调用时按会话时钟重新计算。
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Phase:    s.phaseLocked(),
		Groups:   s.registry.groups(s.opts.clock()),
		Messages: s.buffer.messages(),
		Flags: Flags{
			Creating:       s.creating > 0,
			LoadingHistory: s.buffer.loading,
			Deleting:       len(s.deleting) > 0,
			Renaming:       s.renaming > 0,
			Streaming:      s.active != nil,
			Saving:         s.saving,
		},
		LastError: s.lastErr,
		Warnings:  append([]string(nil), s.warnings...),
	}
	if s.selected != "" {
		if c, ok := s.registry.get(s.selected); ok {
			st.Selected = &c
		}
	}
	return st
}

func (s *Session) phaseLocked() Phase {
	switch {
	case s.creating > 0:
		return PhaseCreating
	case len(s.deleting) > 0:
		return PhaseDeleting
	case s.renaming > 0 && s.selected != "":
		return PhaseRenaming
	case s.selected != "":
		return PhaseSelected
	}
	return PhaseIdle
}

func (s *Session) checkOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(KindInvalid, op, "", ErrClosed)
	}
	return nil
}

// fail 记录阻塞性错误并通知订阅者。调用时不能持有 s.mu。
func (s *Session) fail(err *Error) error {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	log.Warnw("session operation failed", "op", err.Op, "kind", err.Kind, "conversationId", err.ConversationID, "error", err.Err)
	s.emit(errorEvent(EventError, err), Event{Type: EventState})
	return err
}

// warn 记录非阻塞警告。调用时不能持有 s.mu。
func (s *Session) warn(err *Error) {
	s.mu.Lock()
	s.addWarningLocked(err.Error())
	s.mu.Unlock()
	log.Warnw("session warning", "op", err.Op, "kind", err.Kind, "conversationId", err.ConversationID, "error", err.Err)
	s.emit(errorEvent(EventWarning, err))
}

func (s *Session) addWarningLocked(msg string) {
	s.warnings = append(s.warnings, msg)
	if over := len(s.warnings) - s.opts.maxWarnings; over > 0 {
		s.warnings = append([]string(nil), s.warnings[over:]...)
	}
}

// cancelActiveLocked 取消并清空活动流槽位，返回被取消的 handle。
// 尚未收到任何内容的助手占位消息会被撤回。
func (s *Session) cancelActiveLocked() *streamHandle {
	h := s.active
	if h == nil {
		return nil
	}
	s.active = nil
	h.cancel()
	if content, ok := s.buffer.content(h.run.AssistantMessageID); ok && content == "" {
		s.buffer.retract(h.run.AssistantMessageID)
	}
	h.run.finish(OutcomeCancelled, nil)
	return h
}

func cancelledEvents(h *streamHandle) []Event {
	if h == nil {
		return nil
	}
	return []Event{{
		Type:           EventStreamCancelled,
		ConversationID: h.run.ConversationID,
		MessageID:      h.run.AssistantMessageID,
	}}
}

// command 是一次乐观修改及其补偿。apply、revert、commit 都在持有 s.mu 时调用。
type command struct {
	op     string
	id     string
	quiet  bool
	apply  func() []Event
	revert func()
	commit func() []Event
}

// execute 先应用乐观修改，再调用持久化；失败时执行补偿并返回类型化错误。
func (s *Session) execute(ctx context.Context, cmd command, kind Kind, call func(context.Context) error) error {
	s.mu.Lock()
	evs := cmd.apply()
	s.mu.Unlock()
	s.emit(append(evs, Event{Type: EventState, ConversationID: cmd.id})...)

	err := call(ctx)

	s.mu.Lock()
	if err != nil {
		cmd.revert()
		s.mu.Unlock()
		se := newError(kind, cmd.op, cmd.id, err)
		if cmd.quiet {
			log.Warnw("background operation failed", "op", cmd.op, "conversationId", cmd.id, "error", err)
			s.emit(Event{Type: EventState, ConversationID: cmd.id})
			return se
		}
		return s.fail(se)
	}
	evs = nil
	if cmd.commit != nil {
		evs = cmd.commit()
	}
	if !cmd.quiet {
		s.lastErr = ""
	}
	s.mu.Unlock()
	s.emit(append(evs, Event{Type: EventState, ConversationID: cmd.id})...)
	return nil
}

// Refresh 从持久化服务重新加载会话列表。当前选中的会话若已不存在则回到空闲状态。
func (s *Session) Refresh(ctx context.Context) error {
	const op = "refresh"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	convs, err := s.gateway.ListConversations(ctx, s.owner)
	if err != nil {
		return s.fail(newError(KindPersistenceRead, op, "", err))
	}

	s.mu.Lock()
	s.registry.replace(convs)
	var evs []Event
	if s.selected != "" {
		if _, ok := s.registry.get(s.selected); !ok {
			evs = cancelledEvents(s.cancelActiveLocked())
			s.selected = ""
			s.buffer.clear()
			s.epoch++
		}
	}
	s.mu.Unlock()
	s.emit(append(evs, Event{Type: EventState})...)
	return nil
}

// Create 新建会话，成功后放到列表最前并选中，消息缓冲区清空。失败时状态不变。
func (s *Session) Create(ctx context.Context) (*model.Conversation, error) {
	const op = "create"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.creating++
	s.mu.Unlock()
	s.emit(Event{Type: EventState})

	conv, err := s.gateway.CreateConversation(ctx, s.owner)

	s.mu.Lock()
	s.creating--
	if err != nil {
		s.mu.Unlock()
		return nil, s.fail(newError(KindPersistenceWrite, op, "", err))
	}
	evs := cancelledEvents(s.cancelActiveLocked())
	s.registry.prepend(*conv)
	s.selected = conv.ID
	s.buffer.reset(conv.ID, nil)
	s.fresh[conv.ID] = true
	s.epoch++
	s.lastErr = ""
	s.mu.Unlock()

	log.Infow("conversation created", "conversationId", conv.ID, "companyId", s.owner.CompanyID, "userId", s.owner.UserID)
	s.emit(append(evs, Event{Type: EventState, ConversationID: conv.ID})...)
	out := *conv
	return &out, nil
}

// Select 切换到另一个会话并加载其历史。活动流在加载开始前同步取消；
// 加载期间缓冲区处于 loading 状态，失败时保持原来的选择。
// 原来的选择已被删除时，改为选中分组遍历顺序中的另一个会话。
func (s *Session) Select(ctx context.Context, id string) error {
	fallback, err := s.load(ctx, id)
	if fallback != "" {
		// 只改选一次，改选失败时停在空闲状态。
		if _, ferr := s.load(ctx, fallback); ferr != nil {
			log.Warnw("failed to select fallback conversation", "failed", id, "next", fallback, "error", ferr)
		}
	}
	return err
}

// load 执行一次切换。返回的 fallback 非空表示加载失败后需要改选的会话。
func (s *Session) load(ctx context.Context, id string) (fallback string, err error) {
	const op = "select"
	if err := s.checkOpen(op); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.deleting[id] {
		s.mu.Unlock()
		return "", newError(KindConflict, op, id, ErrConflict)
	}
	s.mu.Unlock()

	unlock := s.locks.lock(id)
	defer unlock()

	s.mu.Lock()
	_, ok := s.registry.get(id)
	s.mu.Unlock()
	if !ok {
		return "", s.fail(newError(KindInvalid, op, id, ErrUnknownConversation))
	}

	var (
		epoch uint64
		msgs  []model.Message
	)
	superseded := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.epoch != epoch
	}
	cmd := command{
		op: op,
		id: id,
		apply: func() []Event {
			h := s.cancelActiveLocked()
			// 上一次切换仍在加载时保留更早的还原点。
			if !s.buffer.loading {
				s.stable = s.buffer.save()
			}
			s.epoch++
			epoch = s.epoch
			s.buffer.startLoading(id)
			return cancelledEvents(h)
		},
		revert: func() {
			if s.epoch != epoch {
				return
			}
			switch {
			case s.selected != "" && s.stable.conversationID == s.selected:
				s.buffer.restore(s.stable)
			case s.selected == "":
				s.buffer.clear()
				if next, ok := s.registry.first(s.opts.clock(), id); ok {
					fallback = next.ID
				}
			default:
				s.buffer.reset(s.selected, nil)
			}
		},
		commit: func() []Event {
			if s.epoch != epoch {
				return nil
			}
			s.selected = id
			s.buffer.reset(id, msgs)
			return nil
		},
	}
	err = s.execute(ctx, cmd, KindPersistenceRead, func(ctx context.Context) error {
		var err error
		msgs, err = s.gateway.LoadMessages(ctx, id)
		if err != nil && superseded() {
			log.Debugf("discarding superseded history load for conversation %s: %v", id, err)
			return nil
		}
		return err
	})
	return fallback, err
}

// Rename 修改标题，只替换列表中的标题，不影响分组位置，也不阻塞流式生成。
func (s *Session) Rename(ctx context.Context, id, title string) error {
	return s.rename(ctx, "rename", id, title, nil, false)
}

// rename 在 expect 非 nil 时仅当当前标题仍等于 *expect 才生效，自动标题不会覆盖用户的修改。
func (s *Session) rename(ctx context.Context, op, id, title string, expect *string, quiet bool) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return newError(KindInvalid, op, id, ErrEmptyInput)
	}
	if err := s.checkOpen(op); err != nil {
		return err
	}
	s.mu.Lock()
	if s.deleting[id] {
		s.mu.Unlock()
		return newError(KindConflict, op, id, ErrConflict)
	}
	s.mu.Unlock()

	unlock := s.locks.lock(id)
	defer unlock()

	s.mu.Lock()
	current, ok := s.registry.get(id)
	s.mu.Unlock()
	if !ok {
		se := newError(KindInvalid, op, id, ErrUnknownConversation)
		if quiet {
			return se
		}
		return s.fail(se)
	}
	if expect != nil && current.Title != *expect {
		log.Debugf("skip %s for conversation %s: title already changed", op, id)
		return nil
	}

	var old string
	cmd := command{
		op:    op,
		id:    id,
		quiet: quiet,
		apply: func() []Event {
			old, _ = s.registry.rename(id, title)
			s.renaming++
			delete(s.fresh, id)
			return nil
		},
		revert: func() {
			s.renaming--
			if c, ok := s.registry.get(id); ok && c.Title == title {
				s.registry.rename(id, old)
			}
		},
		commit: func() []Event {
			s.renaming--
			return nil
		},
	}
	return s.execute(ctx, cmd, KindPersistenceWrite, func(ctx context.Context) error {
		return s.gateway.RenameConversation(ctx, id, title)
	})
}

// Delete 删除会话。删除的是当前选中的会话时，清空缓冲区并选中分组遍历顺序中的第一个会话；
// 没有其他会话时回到空闲状态。失败时会话原位恢复，选择和缓冲区一并还原。
func (s *Session) Delete(ctx context.Context, id string) error {
	const op = "delete"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	s.mu.Lock()
	if s.deleting[id] {
		s.mu.Unlock()
		return newError(KindConflict, op, id, ErrConflict)
	}
	s.deleting[id] = true
	s.mu.Unlock()

	// 等待同一会话上进行中的加载结束。
	unlock := s.locks.lock(id)
	defer unlock()

	s.mu.Lock()
	if _, ok := s.registry.get(id); !ok {
		delete(s.deleting, id)
		s.mu.Unlock()
		return s.fail(newError(KindInvalid, op, id, ErrUnknownConversation))
	}
	s.mu.Unlock()

	var (
		removed     model.Conversation
		index       int
		wasSelected bool
		ownsBuffer  bool
		prevBuffer  bufferState
		epoch       uint64
		nextID      string
	)
	cmd := command{
		op: op,
		id: id,
		apply: func() []Event {
			removed, index, _ = s.registry.remove(id)
			if s.selected != id {
				return nil
			}
			wasSelected = true
			s.selected = ""
			// 另一个会话正在加载时缓冲区归它所有。
			if s.buffer.loading && s.buffer.conversationID != id {
				return nil
			}
			ownsBuffer = true
			h := s.cancelActiveLocked()
			prevBuffer = s.buffer.save()
			s.buffer.clear()
			s.epoch++
			epoch = s.epoch
			return cancelledEvents(h)
		},
		revert: func() {
			delete(s.deleting, id)
			s.registry.insertAt(removed, index)
			if !wasSelected || s.selected != "" {
				return
			}
			if ownsBuffer && s.epoch != epoch {
				return
			}
			s.selected = id
			if ownsBuffer {
				s.buffer.restore(prevBuffer)
			}
		},
		commit: func() []Event {
			delete(s.deleting, id)
			delete(s.fresh, id)
			if wasSelected && s.selected == "" && !s.buffer.loading {
				if next, ok := s.registry.first(s.opts.clock(), id); ok {
					nextID = next.ID
				}
			}
			return nil
		},
	}
	err := s.execute(ctx, cmd, KindPersistenceWrite, func(ctx context.Context) error {
		return s.gateway.DeleteConversation(ctx, s.owner, id)
	})
	if err != nil {
		return err
	}
	log.Infow("conversation deleted", "conversationId", id, "wasSelected", wasSelected)

	if nextID != "" {
		if err := s.Select(ctx, nextID); err != nil {
			log.Warnw("failed to select next conversation after delete", "deleted", id, "next", nextID, "error", err)
		}
	}
	return nil
}

// SendAndStream 追加用户消息并开始流式生成助手回复。
// 新的流会先取消正在进行的流；用户消息立即自动保存，助手消息在流完成后自动保存一次。
func (s *Session) SendAndStream(ctx context.Context, text string) (*Run, error) {
	const op = "send"
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newError(KindInvalid, op, "", ErrEmptyInput)
	}
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.selected == "" {
		s.mu.Unlock()
		return nil, s.fail(newError(KindInvalid, op, "", ErrNoSelection))
	}
	convID := s.selected
	if s.buffer.loading || s.buffer.conversationID != convID {
		s.mu.Unlock()
		return nil, newError(KindConflict, op, convID, ErrConflict)
	}

	evs := cancelledEvents(s.cancelActiveLocked())
	now := s.opts.clock()
	history := toLLMMessages(s.buffer.completed())
	firstUser := s.buffer.countRole(model.RoleUser) == 0

	userMsg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           model.RoleUser,
		Content:        text,
		CreatedAt:      now,
	}
	// 助手回复排在提问之后，毫秒精度的存储也能区分两者。
	assistant := model.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           model.RoleAssistant,
		CreatedAt:      now.Add(time.Millisecond),
	}
	history = append(history, llm.Message{Role: string(model.RoleUser), Content: text})
	s.buffer.append(userMsg, false)
	s.buffer.append(assistant, true)
	s.registry.touch(convID, now)

	var titleSeed, placeholder string
	if firstUser && s.fresh[convID] {
		delete(s.fresh, convID)
		titleSeed = text
		if c, ok := s.registry.get(convID); ok {
			placeholder = c.Title
		}
	}

	handle := &streamHandle{run: newRun(convID, userMsg.ID, assistant.ID)}
	s.active = handle
	s.mu.Unlock()
	s.emit(append(evs, Event{Type: EventState, ConversationID: convID})...)

	s.autosave(userMsg)
	if titleSeed != "" {
		s.generateTitle(convID, titleSeed, placeholder)
	}

	token := s.streamer.StartStream(ctx, llm.GenerateRequest{
		ConversationID: convID,
		Messages:       history,
	}, llm.StreamCallbacks{
		OnChunk: func(text string) { s.onChunk(handle, text) },
		OnDone:  func() { s.onDone(handle) },
		OnError: func(err error) { s.onError(handle, err) },
	})

	s.mu.Lock()
	handle.token = token
	if handle.cancelled {
		token.Cancel()
	}
	s.mu.Unlock()
	return handle.run, nil
}

func (s *Session) onChunk(h *streamHandle, text string) {
	s.mu.Lock()
	if s.active != h {
		s.mu.Unlock()
		return
	}
	s.buffer.appendChunk(h.run.AssistantMessageID, text)
	s.mu.Unlock()
	s.emit(Event{
		Type:           EventChunk,
		ConversationID: h.run.ConversationID,
		MessageID:      h.run.AssistantMessageID,
		Text:           text,
	})
}

func (s *Session) onDone(h *streamHandle) {
	s.mu.Lock()
	if s.active != h {
		s.mu.Unlock()
		return
	}
	s.active = nil
	id := h.run.AssistantMessageID
	msg, ok := s.buffer.finalize(id)
	if ok && msg.Content == "" {
		s.buffer.retract(id)
		ok = false
	}
	s.mu.Unlock()

	if ok {
		s.autosave(msg)
	}
	s.emit(Event{Type: EventStreamDone, ConversationID: h.run.ConversationID, MessageID: id}, Event{Type: EventState})
	h.run.finish(OutcomeCompleted, nil)
}

// onError 处理传输错误：流终止，已收到的部分内容保留在缓冲区但不会保存。
func (s *Session) onError(h *streamHandle, err error) {
	s.mu.Lock()
	if s.active != h {
		s.mu.Unlock()
		return
	}
	s.active = nil
	id := h.run.AssistantMessageID
	if content, ok := s.buffer.content(id); ok && content == "" {
		s.buffer.retract(id)
	}
	se := newError(KindTransport, "send", h.run.ConversationID, err)
	s.addWarningLocked(se.Error())
	s.mu.Unlock()

	log.Warnw("generation stream failed", "conversationId", h.run.ConversationID, "error", err)
	s.emit(errorEvent(EventWarning, se), Event{Type: EventState})
	h.run.finish(OutcomeFailed, se)
}

// CancelActiveStream 取消当前的流，返回是否确实有流被取消。取消不是错误，不产生警告。
func (s *Session) CancelActiveStream() bool {
	s.mu.Lock()
	h := s.cancelActiveLocked()
	s.mu.Unlock()
	if h == nil {
		return false
	}
	log.Infow("generation stream cancelled", "conversationId", h.run.ConversationID)
	s.emit(append(cancelledEvents(h), Event{Type: EventState})...)
	return true
}

// SaveSessionBatch 把当前缓冲区中已完成的消息一次性保存。部分失败作为警告上报，不会回滚。
func (s *Session) SaveSessionBatch(ctx context.Context) (model.BatchSaveResult, error) {
	const op = "save_batch"
	if err := s.checkOpen(op); err != nil {
		return model.BatchSaveResult{}, err
	}
	s.mu.Lock()
	if s.selected == "" {
		s.mu.Unlock()
		return model.BatchSaveResult{}, s.fail(newError(KindInvalid, op, "", ErrNoSelection))
	}
	convID := s.selected
	if s.buffer.loading {
		s.mu.Unlock()
		return model.BatchSaveResult{}, newError(KindConflict, op, convID, ErrConflict)
	}
	msgs := s.buffer.completed()
	s.saving = true
	s.mu.Unlock()
	s.emit(Event{Type: EventState, ConversationID: convID})

	res, err := s.gateway.SaveMessagesBatch(ctx, msgs, convID)

	s.mu.Lock()
	s.saving = false
	s.mu.Unlock()
	if err != nil {
		se := newError(KindPersistenceWrite, op, convID, err)
		s.warn(se)
		s.emit(Event{Type: EventState, ConversationID: convID})
		return res, se
	}
	if res.ErrorCount > 0 {
		s.warn(newError(KindPersistenceWrite, op, convID,
			fmt.Errorf("%d of %d messages failed to save", res.ErrorCount, len(msgs))))
	}
	log.Infow("session batch saved", "conversationId", convID, "saved", res.SavedCount, "failed", res.ErrorCount)
	s.emit(Event{Type: EventState, ConversationID: convID})
	return res, nil
}

// Close 取消活动流并等待后台保存和标题生成结束。
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	h := s.cancelActiveLocked()
	s.mu.Unlock()
	s.emit(cancelledEvents(h)...)
	s.bg.Wait()
}

// autosave 在后台保存一条已完成的消息，失败只产生警告，内存中的缓冲区仍是准的。
func (s *Session) autosave(msg model.Message) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.autosaveTimeout)
		defer cancel()
		if err := s.gateway.SaveMessage(ctx, msg, msg.ConversationID); err != nil {
			s.warn(newError(KindPersistenceWrite, "autosave", msg.ConversationID, err))
		}
	}()
}

// generateTitle 根据首条用户消息异步生成标题，失败只记录日志。
func (s *Session) generateTitle(convID, seed, placeholder string) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.titleTimeout)
		defer cancel()
		title, err := s.gateway.GenerateTitle(ctx, seed)
		if err != nil {
			se := newError(KindTitleGeneration, "generate_title", convID, err)
			log.Warnw("title generation failed, keeping placeholder", "conversationId", convID, "error", se)
			return
		}
		if err := s.rename(ctx, "generate_title", convID, title, &placeholder, true); err != nil {
			log.Warnw("failed to apply generated title", "conversationId", convID, "error", err)
		}
	}()
}

func toLLMMessages(msgs []model.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
