package session

import "compliance-chat-go/internal/model"

type bufferEntry struct {
	msg model.Message
	// partial 标记尚未完成的助手消息（流中、已取消或失败），批量保存会跳过它。
	partial bool
}

// messageBuffer 是当前会话的消息序列，始终只属于一个会话。
type messageBuffer struct {
	conversationID string
	entries        []bufferEntry
	loading        bool
}

// bufferState 是缓冲区的完整副本，用于失败时恢复。
type bufferState struct {
	conversationID string
	entries        []bufferEntry
	loading        bool
}

func (b *messageBuffer) save() bufferState {
	return bufferState{
		conversationID: b.conversationID,
		entries:        append([]bufferEntry(nil), b.entries...),
		loading:        b.loading,
	}
}

func (b *messageBuffer) restore(s bufferState) {
	b.conversationID = s.conversationID
	b.entries = s.entries
	b.loading = s.loading
}

// reset 原子地换成另一个会话的历史。
func (b *messageBuffer) reset(conversationID string, msgs []model.Message) {
	b.conversationID = conversationID
	b.loading = false
	b.entries = make([]bufferEntry, 0, len(msgs))
	for _, m := range msgs {
		b.entries = append(b.entries, bufferEntry{msg: m})
	}
}

// startLoading 清空旧消息并进入加载状态，避免展示过期内容。
func (b *messageBuffer) startLoading(conversationID string) {
	b.conversationID = conversationID
	b.entries = nil
	b.loading = true
}

func (b *messageBuffer) clear() {
	b.conversationID = ""
	b.entries = nil
	b.loading = false
}

func (b *messageBuffer) append(msg model.Message, partial bool) {
	b.entries = append(b.entries, bufferEntry{msg: msg, partial: partial})
}

func (b *messageBuffer) find(id string) int {
	for i := len(b.entries) - 1; i >= 0; i-- {
		if b.entries[i].msg.ID == id {
			return i
		}
	}
	return -1
}

func (b *messageBuffer) appendChunk(id, text string) bool {
	i := b.find(id)
	if i < 0 {
		return false
	}
	b.entries[i].msg.Content += text
	return true
}

// finalize 标记消息已完成并返回其副本。
func (b *messageBuffer) finalize(id string) (model.Message, bool) {
	i := b.find(id)
	if i < 0 {
		return model.Message{}, false
	}
	b.entries[i].partial = false
	return b.entries[i].msg, true
}

// retract 移除一条消息。
func (b *messageBuffer) retract(id string) bool {
	i := b.find(id)
	if i < 0 {
		return false
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return true
}

func (b *messageBuffer) content(id string) (string, bool) {
	i := b.find(id)
	if i < 0 {
		return "", false
	}
	return b.entries[i].msg.Content, true
}

func (b *messageBuffer) countRole(role model.Role) int {
	n := 0
	for _, e := range b.entries {
		if e.msg.Role == role {
			n++
		}
	}
	return n
}

func (b *messageBuffer) messages() []model.Message {
	out := make([]model.Message, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.msg)
	}
	return out
}

// completed 返回所有已完成的消息，供批量保存使用。
func (b *messageBuffer) completed() []model.Message {
	out := make([]model.Message, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.partial {
			out = append(out, e.msg)
		}
	}
	return out
}
