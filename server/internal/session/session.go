// Package session 定义一次对话会话：持有自己的历史句柄、持久化开关与内存历史，
// 负责把一轮用户输入裁剪后交给编排器，并在整轮成功后提交历史。
package session

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"socratic-tutor/server/internal/contextcap"
	"socratic-tutor/server/internal/history"
	"socratic-tutor/server/internal/model"
	"socratic-tutor/server/internal/timeline"
)

// DefaultTokenBudget 每轮进入编排前 transcript 的默认 token 上限。
const DefaultTokenBudget = 2000

// Runner 对一份 transcript 运行一轮编排，orchestrator.Orchestrator 满足该接口。
type Runner interface {
	Steps(ctx context.Context, transcript []model.Message) iter.Seq2[model.Step, error]
}

// Session 是一个对话会话。
//
// 并发约定：同一时刻只运行一轮或一个命令（turnMu），状态字段由 mu 保护，
// 因此渲染 step 的调用方可以在迭代过程中读取 History。
type Session struct {
	id        string
	store     history.Store
	runner    Runner
	estimator contextcap.Estimator
	budget    int
	timeline  timeline.Store
	now       func() time.Time
	logger    *slog.Logger

	turnMu sync.Mutex

	mu      sync.Mutex
	enabled bool
	// degraded 为 true 表示历史存储读写失败，本会话只在内存中运行。
	degraded bool
	history  []model.Message
}

// Option 配置 Session。
type Option func(*Session)

func WithEstimator(est contextcap.Estimator) Option {
	return func(s *Session) {
		if est != nil {
			s.estimator = est
		}
	}
}

// WithTokenBudget 设置上下文裁剪的 token 预算，非正数保持默认值。
func WithTokenBudget(budget int) Option {
	return func(s *Session) {
		if budget > 0 {
			s.budget = budget
		}
	}
}

// WithPersistence 设置是否持久化历史，默认开启。
func WithPersistence(enabled bool) Option {
	return func(s *Session) { s.enabled = enabled }
}

// WithTimeline 把每个事件写入 timeline。
func WithTimeline(store timeline.Store) Option {
	return func(s *Session) { s.timeline = store }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New 创建会话。调用方随后应调用 Open 加载已持久化的历史。
func New(id string, store history.Store, runner Runner, opts ...Option) *Session {
	s := &Session{
		id:        id,
		store:     store,
		runner:    runner,
		estimator: contextcap.WhitespaceEstimator{},
		budget:    DefaultTokenBudget,
		enabled:   true,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", id)
	return s
}

func (s *Session) ID() string { return s.id }

// Open 在持久化开启时从存储加载历史。读取失败只降级，不返回错误。
func (s *Session) Open(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.reloadLocked(ctx)
}

// History 返回内存历史的副本。
func (s *Session) History() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneMessages(s.history)
}

// PersistenceEnabled 返回用户是否开启了历史持久化。
func (s *Session) PersistenceEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Degraded 返回存储是否已失效（仅内存运行）。
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Execute 执行运行时命令并返回给用户的提示。CommandQuit 由调用方自行处理。
func (s *Session) Execute(ctx context.Context, cmd Command) (string, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	var notice string
	switch cmd {
	case CommandHistoryOff:
		s.mu.Lock()
		s.enabled = false
		s.mu.Unlock()
		notice = "Persistent history disabled for this session."
	case CommandHistoryOn:
		s.mu.Lock()
		s.enabled = true
		s.reloadLocked(ctx)
		n := len(s.history)
		s.mu.Unlock()
		notice = fmt.Sprintf("Persistent history enabled. Loaded %d messages.", n)
	case CommandReset:
		s.mu.Lock()
		s.history = nil
		s.mu.Unlock()
		// 删除失败静默忽略
		if err := s.store.Reset(ctx); err != nil {
			s.logger.Debug("history reset failed", "location", s.store.Location(), "error", err)
		}
		notice = "History reset; conversation memory cleared."
	default:
		return "", fmt.Errorf("unsupported command: %s", cmd)
	}

	s.record(ctx, &model.TimelineEvent{Type: timeline.TypeCommand, Text: cmd.String()})
	return notice, nil
}

// Turn 运行一轮对话：裁剪 history+输入，逐个产出编排 step。
//
// 约定：
// - Done step 产出前已完成提交；调用方提前 break 或出错时本轮不提交任何内容。
// - 持久化开启时 history := history + [user] + 本轮助手消息，然后整体保存。
// - 保存失败时会话降级为仅内存运行，本轮结果仍然有效。
func (s *Session) Turn(ctx context.Context, input string) iter.Seq2[model.Step, error] {
	return func(yield func(model.Step, error) bool) {
		s.turnMu.Lock()
		defer s.turnMu.Unlock()

		turnID := uuid.NewString()
		user := model.NewUserMessage(input, s.now())

		s.mu.Lock()
		candidate := append(model.CloneMessages(s.history), user)
		s.mu.Unlock()
		capped := contextcap.Cap(candidate, s.budget, s.estimator)

		s.logger.Debug("turn started", "turn_id", turnID, "history", len(candidate)-1, "capped", len(capped))
		s.record(ctx, &model.TimelineEvent{TurnID: turnID, Type: timeline.TypeUserMessage, Text: input})

		for step, err := range s.runner.Steps(ctx, capped) {
			if err != nil {
				s.logger.Warn("turn failed", "turn_id", turnID, "node", step.Node, "error", err)
				s.record(ctx, &model.TimelineEvent{TurnID: turnID, Type: timeline.TypeTurnFailed, Text: err.Error()})
				yield(step, err)
				return
			}
			if step.Done && step.Result != nil {
				s.commit(ctx, user, step.Result.Messages)
			}
			stepCopy := step
			s.record(ctx, &model.TimelineEvent{TurnID: turnID, Type: timeline.TypeStep, Step: &stepCopy})
			if !yield(step, nil) || step.Done {
				return
			}
		}
	}
}

// Run 运行一轮对话并只返回汇总结果。
func (s *Session) Run(ctx context.Context, input string) (model.TurnResult, error) {
	for step, err := range s.Turn(ctx, input) {
		if err != nil {
			return model.TurnResult{}, err
		}
		if step.Done && step.Result != nil {
			return *step.Result, nil
		}
	}
	return model.TurnResult{}, fmt.Errorf("turn ended without result")
}

func (s *Session) commit(ctx context.Context, user model.Message, produced []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return
	}
	next := make([]model.Message, 0, len(s.history)+1+len(produced))
	next = append(next, s.history...)
	next = append(next, user)
	next = append(next, produced...)
	s.history = next

	if s.degraded {
		return
	}
	if err := s.store.Save(ctx, next); err != nil {
		s.degradeLocked("save", err)
	}
}

// reloadLocked 用存储中的历史替换内存历史；失败时保留内存历史并降级。
func (s *Session) reloadLocked(ctx context.Context) {
	msgs, err := s.store.Load(ctx)
	if err != nil {
		s.degradeLocked("load", err)
		return
	}
	s.history = msgs
	s.degraded = false
}

func (s *Session) degradeLocked(op string, err error) {
	if !s.degraded {
		s.logger.Warn("history persistence unavailable, continuing in memory",
			"op", op, "location", s.store.Location(), "error", err)
	}
	s.degraded = true
}

func (s *Session) record(ctx context.Context, evt *model.TimelineEvent) {
	if s.timeline == nil {
		return
	}
	evt.ServerTS = s.now()
	if _, err := s.timeline.Append(ctx, s.id, evt); err != nil {
		s.logger.Warn("timeline append failed", "type", evt.Type, "error", err)
	}
}
