package history

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"socratic-tutor/server/internal/model"
)

const lockRetryDelay = 25 * time.Millisecond

// FileStore 把历史保存为一个 JSON 数组文件，每次保存整体重写。
// 读写期间持有 <path>.lock 文件锁，保证同一时刻只有一个进程访问。
type FileStore struct {
	path   string
	lock   *flock.Flock
	now    func() time.Time
	logger *slog.Logger
}

// NewFileStore 创建基于文件的历史存储。
func NewFileStore(path string, now func() time.Time, logger *slog.Logger) *FileStore {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   path,
		lock:   flock.New(path + ".lock"),
		now:    now,
		logger: logger,
	}
}

func (s *FileStore) Location() string { return s.path }

func (s *FileStore) withLock(ctx context.Context, op string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &PersistenceError{Op: op, Path: s.path, Err: err}
	}
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return &PersistenceError{Op: op, Path: s.path, Err: err}
	}
	if !locked {
		return &PersistenceError{Op: op, Path: s.path, Err: errors.New("history file is locked")}
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release history lock", "path", s.path, "error", err)
		}
	}()
	return fn()
}

// Load 读取历史文件。文件不存在、内容无法解析时返回空历史。
func (s *FileStore) Load(ctx context.Context) ([]model.Message, error) {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var data []byte
	err := s.withLock(ctx, "load", func() error {
		var readErr error
		data, readErr = os.ReadFile(s.path)
		return readErr
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		if IsPersistenceError(err) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "load", Path: s.path, Err: err}
	}

	return decodeRecords(data, s.path, s.logger), nil
}

// Save 写临时文件后 rename 覆盖，避免保存中途失败破坏已有历史。
func (s *FileStore) Save(ctx context.Context, msgs []model.Message) error {
	captured := s.now()
	records := make([]model.HistoryRecord, 0, len(msgs))
	for _, msg := range msgs {
		records = append(records, model.ToRecord(msg, captured))
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}

	err = s.withLock(ctx, "save", func() error {
		tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
		if err != nil {
			return err
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return err
		}
		if err := os.Rename(tmpName, s.path); err != nil {
			os.Remove(tmpName)
			return err
		}
		return nil
	})
	if err != nil && !IsPersistenceError(err) {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	return err
}

// Reset 删除历史文件，文件不存在不算错误。
func (s *FileStore) Reset(ctx context.Context) error {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	err := s.withLock(ctx, "reset", func() error {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
	if err != nil && !IsPersistenceError(err) {
		return &PersistenceError{Op: "reset", Path: s.path, Err: err}
	}
	return err
}

// decodeRecords 解析历史记录；整体损坏返回空，单条未知角色的记录跳过。
func decodeRecords(data []byte, path string, logger *slog.Logger) []model.Message {
	var records []model.HistoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		logger.Warn("history file unparsable, starting with empty history", "path", path, "error", err)
		return nil
	}
	msgs := make([]model.Message, 0, len(records))
	for i, rec := range records {
		msg, err := model.FromRecord(rec)
		if err != nil {
			logger.Warn("skipping history record", "path", path, "index", i, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
