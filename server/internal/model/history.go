package model

import (
	"fmt"
	"time"
)

// 持久化文件中的角色取值。
const (
	RecordRoleHuman = "human"
	RecordRoleAI    = "ai"
)

// HistoryRecord 是 Message 的持久化形式。
type HistoryRecord struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Timestamp 为带时区偏移的 ISO-8601 字符串。
	Timestamp string `json:"timestamp"`
}

// ToRecord 把消息转换为持久化记录；消息没有时间戳时使用 captured。
func ToRecord(msg Message, captured time.Time) HistoryRecord {
	role := RecordRoleHuman
	if msg.Role == RoleAssistant {
		role = RecordRoleAI
	}
	ts := msg.TS
	if ts.IsZero() {
		ts = captured
	}
	return HistoryRecord{
		Role:      role,
		Content:   msg.Content,
		Timestamp: ts.Format(time.RFC3339Nano),
	}
}

// FromRecord 把持久化记录还原为消息。时间戳无法解析时保留为零值。
func FromRecord(rec HistoryRecord) (Message, error) {
	var role Role
	switch rec.Role {
	case RecordRoleHuman:
		role = RoleUser
	case RecordRoleAI:
		role = RoleAssistant
	default:
		return Message{}, fmt.Errorf("unknown record role %q", rec.Role)
	}
	msg := Message{Role: role, Content: rec.Content}
	if rec.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
			msg.TS = ts
		}
	}
	return msg, nil
}
