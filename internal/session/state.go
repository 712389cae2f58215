package session

import (
	"compliance-chat-go/internal/model"
	"errors"
)

// Phase 是生命周期状态机的当前状态。
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseCreating Phase = "creating"
	PhaseSelected Phase = "selected"
	PhaseRenaming Phase = "renaming"
	PhaseDeleting Phase = "deleting"
)

// Flags 是各操作的进行中标记。
type Flags struct {
	Creating       bool `json:"creating"`
	LoadingHistory bool `json:"loadingHistory"`
	Deleting       bool `json:"deleting"`
	Renaming       bool `json:"renaming"`
	Streaming      bool `json:"streaming"`
	Saving         bool `json:"saving"`
}

// State 是对外可观察的会话状态快照。
type State struct {
	Phase     Phase               `json:"phase"`
	Selected  *model.Conversation `json:"selected,omitempty"`
	Groups    []Group             `json:"groups"`
	Messages  []model.Message     `json:"messages"`
	Flags     Flags               `json:"flags"`
	LastError string              `json:"lastError,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// EventType 标识推送给订阅者的事件。
type EventType string

const (
	EventState           EventType = "state"
	EventChunk           EventType = "chunk"
	EventStreamDone      EventType = "stream_done"
	EventStreamCancelled EventType = "stream_cancelled"
	EventWarning         EventType = "warning"
	EventError           EventType = "error"
)

// Event 是推送给订阅者的一条通知。
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	Text           string    `json:"text,omitempty"`
	Kind           Kind      `json:"kind,omitempty"`
	Err            error     `json:"-"`
}

func errorEvent(t EventType, err error) Event {
	ev := Event{Type: t, Err: err, Text: err.Error()}
	var se *Error
	if errors.As(err, &se) {
		ev.Kind = se.Kind
		ev.ConversationID = se.ConversationID
	}
	return ev
}
