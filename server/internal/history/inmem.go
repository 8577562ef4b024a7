package history

import (
	"context"
	"sync"

	"socratic-tutor/server/internal/model"
)

// InMemoryStore 是一个基于内存的历史存储实现，重启即丢数据。
type InMemoryStore struct {
	mu   sync.RWMutex
	msgs []model.Message
	// SaveErr/LoadErr/ResetErr 非空时对应操作返回该错误，用于模拟读写失败。
	SaveErr  error
	LoadErr  error
	ResetErr error
	saves    int
}

func NewInMemoryStore(initial ...model.Message) *InMemoryStore {
	return &InMemoryStore{msgs: model.CloneMessages(initial)}
}

func (s *InMemoryStore) Location() string { return "memory" }

func (s *InMemoryStore) Load(_ context.Context) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.LoadErr != nil {
		return nil, &PersistenceError{Op: "load", Path: "memory", Err: s.LoadErr}
	}
	return model.CloneMessages(s.msgs), nil
}

func (s *InMemoryStore) Save(_ context.Context, msgs []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return &PersistenceError{Op: "save", Path: "memory", Err: s.SaveErr}
	}
	s.msgs = model.CloneMessages(msgs)
	s.saves++
	return nil
}

func (s *InMemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
	if s.ResetErr != nil {
		return &PersistenceError{Op: "reset", Path: "memory", Err: s.ResetErr}
	}
	return nil
}

// Saves 返回成功保存的次数。
func (s *InMemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
