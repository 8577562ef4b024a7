package timeline

import (
	"context"
	"sync"

	"socratic-tutor/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[string][]model.TimelineEvent
	seq    map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events: make(map[string][]model.TimelineEvent),
		seq:    make(map[string]int64),
	}
}

// Append 追加事件到 timeline，并为该 session 分配单调递增 seq。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *model.TimelineEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.SessionID = sessionID
	s.events[sessionID] = append(s.events[sessionID], eventCopy)

	return seq, nil
}

// List 返回某个 session 的全部 timeline 事件（按 seq 顺序），返回的是副本。
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[sessionID]
	out := make([]model.TimelineEvent, len(events))
	copy(out, events)
	return out, nil
}

// Drop 删除 session 的事件，seq 计数一并清除。
func (s *InMemoryStore) Drop(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, sessionID)
	delete(s.seq, sessionID)
	return nil
}
