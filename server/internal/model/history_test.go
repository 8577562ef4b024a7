package model

import (
	"testing"
	"time"
)

// TestRecordRoundTripKeepsRoleAndContent 验证消息与持久化记录之间的转换。
// 场景：用户消息与助手消息分别转换为 human/ai 记录，再还原后角色、内容、时间一致。
func TestRecordRoundTripKeepsRoleAndContent(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	ts := time.Date(2024, 1, 1, 8, 0, 0, 0, loc)

	user := NewUserMessage("What is justice?", ts)
	rec := ToRecord(user, time.Time{})
	if rec.Role != RecordRoleHuman {
		t.Fatalf("expected human role, got %q", rec.Role)
	}
	if rec.Timestamp != "2024-01-01T08:00:00+08:00" {
		t.Fatalf("unexpected timestamp %q", rec.Timestamp)
	}

	back, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if back.Role != RoleUser || back.Content != user.Content || !back.TS.Equal(ts) {
		t.Fatalf("unexpected message after round trip: %+v", back)
	}

	ai := ToRecord(NewAssistantMessage("elenchus", "Is it fairness?", time.Time{}), ts)
	if ai.Role != RecordRoleAI {
		t.Fatalf("expected ai role, got %q", ai.Role)
	}
	if ai.Timestamp == "" {
		t.Fatalf("expected capture timestamp to be used")
	}
}

// TestFromRecordRejectsUnknownRole 验证未知角色会报错而不是被静默当成用户消息。
func TestFromRecordRejectsUnknownRole(t *testing.T) {
	if _, err := FromRecord(HistoryRecord{Role: "system", Content: "x"}); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}
