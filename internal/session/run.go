package session

import (
	"compliance-chat-go/pkg/llm"
	"context"
	"errors"
	"sync"
)

// ErrRunNil 表示 Run 为 nil。
var ErrRunNil = errors.New("run is nil")

// Streamer 发起流式生成请求，由 llm.Client 实现。
type Streamer interface {
	StartStream(ctx context.Context, req llm.GenerateRequest, cb llm.StreamCallbacks) *llm.CancelToken
}

// Outcome 描述一次流式生成如何结束。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Run 代表一次进行中的 sendAndStream，可等待。
type Run struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string

	done chan struct{}

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newRun(conversationID, userMessageID, assistantMessageID string) *Run {
	return &Run{
		ConversationID:     conversationID,
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantMessageID,
		done:               make(chan struct{}),
	}
}

// finish 只有第一次调用生效。
func (r *Run) finish(outcome Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != "" {
		return
	}
	r.outcome = outcome
	r.err = err
	close(r.done)
}

// Done 在流结束（完成、取消或失败）后关闭。
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait 阻塞直到流结束或 ctx 结束。
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	if r == nil {
		return "", ErrRunNil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.err
}

// streamHandle 是会话唯一的活动流槽位。只有当前安装的 handle 才能写入消息缓冲区。
type streamHandle struct {
	run       *Run
	token     *llm.CancelToken
	cancelled bool
}

// cancel 请求中止底层请求；令牌尚未安装时在安装后补发。
func (h *streamHandle) cancel() {
	h.cancelled = true
	if h.token != nil {
		h.token.Cancel()
	}
}
