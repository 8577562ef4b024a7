package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrInvalidID = errors.New("invalid session id")
)

// Factory 为新的 session id 构造一个 Session（含各自的历史句柄）。
type Factory func(ctx context.Context, id string) (*Session, error)

// Manager 是一个基于内存的 Session 注册表，供 HTTP 服务按 id 查找会话。
// 重启即丢失注册关系，已持久化的历史仍可通过同一 id 重新打开。
type Manager struct {
	mu      sync.RWMutex
	data    map[string]*Session
	factory Factory
}

func NewManager(factory Factory) *Manager {
	return &Manager{data: make(map[string]*Session), factory: factory}
}

// Create 分配新的 session id 并注册。
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	return m.Open(ctx, uuid.NewString())
}

// Open 打开指定 id 的会话；已注册时直接返回。
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	if s, err := m.Get(ctx, id); err == nil {
		return s, nil
	}
	s, err := m.factory(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[id]; ok {
		return existing, nil
	}
	m.data[id] = s
	return s, nil
}

// Get 根据 id 获取 Session。
func (m *Manager) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete 注销 Session，不影响已持久化的历史。
func (m *Manager) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[id]; !ok {
		return ErrNotFound
	}
	delete(m.data, id)
	return nil
}

// Len 返回已注册的会话数量。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
