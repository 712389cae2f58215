package session

import (
	"compliance-chat-go/internal/model"
	"time"
)

// 分组标签
const (
	LabelToday          = "Today"
	LabelYesterday      = "Yesterday"
	LabelTwoDaysAgo     = "Two Days Ago"
	LabelPrevious7Days  = "Previous 7 Days"
	LabelPrevious30Days = "Previous 30 Days"
)

// monthLabelLayout 生成 "March 2024" 形式的标签。
const monthLabelLayout = "January 2006"

// Group 是一个按最近更新时间划分的会话分组。
type Group struct {
	Label         string               `json:"label"`
	Conversations []model.Conversation `json:"conversations"`
}

// Bucket 按 updatedAt 相对 now 的日历天数把会话分组。
// 分组顺序为扫描输入时首次出现的顺序；当月内不满足任何规则的会话（例如未来日期）不进入任何分组。
func Bucket(conversations []model.Conversation, now time.Time) []Group {
	groups := []Group{}
	index := make(map[string]int)
	for _, conv := range conversations {
		label, ok := bucketLabel(conv.UpdatedAt, now)
		if !ok {
			continue
		}
		i, seen := index[label]
		if !seen {
			i = len(groups)
			index[label] = i
			groups = append(groups, Group{Label: label})
		}
		groups[i].Conversations = append(groups[i].Conversations, conv)
	}
	return groups
}

func bucketLabel(updatedAt, now time.Time) (string, bool) {
	loc := now.Location()
	t := updatedAt.In(loc)
	days := calendarDays(t, now)
	switch {
	case days == 0:
		return LabelToday, true
	case days == 1:
		return LabelYesterday, true
	case days == 2:
		return LabelTwoDaysAgo, true
	case days >= 3 && days <= 7:
		return LabelPrevious7Days, true
	}
	if t.Year() != now.Year() || t.Month() != now.Month() {
		return t.Format(monthLabelLayout), true
	}
	if days >= 8 && days <= 30 {
		return LabelPrevious30Days, true
	}
	return "", false
}

// calendarDays 返回 t 到 now 之间相差的日历天数，与具体时刻无关。
func calendarDays(t, now time.Time) int {
	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	from := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	to := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}
