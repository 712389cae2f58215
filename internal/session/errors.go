package session

import (
	"errors"
	"fmt"
)

// Kind 对会话操作的失败进行分类。
type Kind string

const (
	KindTransport        Kind = "transport"
	KindCancelled        Kind = "cancelled"
	KindPersistenceWrite Kind = "persistence_write"
	KindPersistenceRead  Kind = "persistence_read"
	KindConflict         Kind = "conflict"
	KindTitleGeneration  Kind = "title_generation"
	KindInvalid          Kind = "invalid"
)

var (
	// ErrNoSelection 表示当前没有选中的会话。
	ErrNoSelection = errors.New("no conversation selected")
	// ErrUnknownConversation 表示会话不在当前列表中。
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrConflict 表示同一会话上已有生命周期操作在进行。
	ErrConflict = errors.New("conversation is busy with another operation")
	// ErrClosed 表示会话已关闭。
	ErrClosed = errors.New("session closed")
	// ErrEmptyInput 表示文本或标题为空。
	ErrEmptyInput = errors.New("input must not be empty")
)

// Error 是操作边界上返回的类型化错误。
type Error struct {
	Kind           Kind
	Op             string
	ConversationID string
	Err            error
}

func (e *Error) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Kind, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, conversationID string, err error) *Error {
	return &Error{Kind: kind, Op: op, ConversationID: conversationID, Err: err}
}

// KindOf 返回 err 链上第一个 *Error 的分类，没有则返回空串。
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
