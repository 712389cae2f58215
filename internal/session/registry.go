package session

import (
	"compliance-chat-go/internal/model"
	"time"
)

// registry 持有用户的会话列表，按最近更新时间倒序。分组在每次快照时重新计算，不做存储。
type registry struct {
	convs []model.Conversation
}

func (r *registry) replace(convs []model.Conversation) {
	r.convs = append([]model.Conversation(nil), convs...)
}

func (r *registry) index(id string) int {
	for i := range r.convs {
		if r.convs[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *registry) get(id string) (model.Conversation, bool) {
	if i := r.index(id); i >= 0 {
		return r.convs[i], true
	}
	return model.Conversation{}, false
}

func (r *registry) prepend(c model.Conversation) {
	r.convs = append([]model.Conversation{c}, r.convs...)
}

// remove 删除会话并返回其原位置，用于失败时原位恢复。
func (r *registry) remove(id string) (model.Conversation, int, bool) {
	i := r.index(id)
	if i < 0 {
		return model.Conversation{}, -1, false
	}
	c := r.convs[i]
	r.convs = append(r.convs[:i], r.convs[i+1:]...)
	return c, i, true
}

func (r *registry) insertAt(c model.Conversation, i int) {
	if i < 0 || i > len(r.convs) {
		i = len(r.convs)
	}
	r.convs = append(r.convs, model.Conversation{})
	copy(r.convs[i+1:], r.convs[i:])
	r.convs[i] = c
}

// rename 原地替换标题，返回旧标题。不改变 updatedAt，因此分组位置不变。
func (r *registry) rename(id, title string) (string, bool) {
	i := r.index(id)
	if i < 0 {
		return "", false
	}
	old := r.convs[i].Title
	r.convs[i].Title = title
	return old, true
}

// touch 在新增内容后推进 updatedAt 并把会话移到列表最前。
func (r *registry) touch(id string, at time.Time) {
	c, i, ok := r.remove(id)
	if !ok {
		return
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
		r.prepend(c)
		return
	}
	r.insertAt(c, i)
}

func (r *registry) groups(now time.Time) []Group {
	return Bucket(r.convs, now)
}

// first 返回按分组遍历顺序找到的第一个 id 不等于 skip 的会话；所有会话都未分组时退回列表顺序。
func (r *registry) first(now time.Time, skip string) (model.Conversation, bool) {
	for _, g := range r.groups(now) {
		for _, c := range g.Conversations {
			if c.ID != skip {
				return c, true
			}
		}
	}
	for _, c := range r.convs {
		if c.ID != skip {
			return c, true
		}
	}
	return model.Conversation{}, false
}
