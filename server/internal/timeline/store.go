// Package timeline 记录每个 session 的事实事件（用户输入、节点 step、失败、命令），用于回放与审计。
package timeline

import (
	"context"

	"socratic-tutor/server/internal/model"
)

// 事件类型。
const (
	TypeUserMessage = "user_message"
	TypeStep        = "step"
	TypeTurnFailed  = "turn_failed"
	TypeCommand     = "command"
)

type Store interface {
	// Append 以 append-first 的契约写入 timeline，返回本次写入的 seq。
	// 约定：同一 session 的 seq 单调递增。
	Append(ctx context.Context, sessionID string, evt *model.TimelineEvent) (int64, error)
	// List 返回该 session 的全量事件，用于回放与验收。
	List(ctx context.Context, sessionID string) ([]model.TimelineEvent, error)
	// Drop 丢弃该 session 的全部事件。
	Drop(ctx context.Context, sessionID string) error
}
