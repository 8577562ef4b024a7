// Package history 负责会话历史的持久化：整文件读写，缺失或损坏视为空历史。
package history

import (
	"context"
	"errors"
	"fmt"

	"socratic-tutor/server/internal/model"
)

// Store 是一个 session 专属的历史存储句柄。
type Store interface {
	// Load 读取全部历史。文件缺失或无法解析时返回空历史而不是错误。
	Load(ctx context.Context) ([]model.Message, error)
	// Save 用 msgs 整体覆盖已持久化的历史。
	Save(ctx context.Context, msgs []model.Message) error
	// Reset 清空已持久化的历史，重复调用是安全的。
	Reset(ctx context.Context) error
	// Location 描述存储位置，用于日志。
	Location() string
}

// PersistenceError 表示历史无法读写。会话遇到它时降级为仅内存运行。
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError 判断 err 链中是否包含 PersistenceError。
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
