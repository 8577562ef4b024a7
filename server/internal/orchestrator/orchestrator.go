package orchestrator

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"socratic-tutor/server/internal/agent"
	"socratic-tutor/server/internal/arbiter"
	"socratic-tutor/server/internal/model"
)

// DefaultMaxHops 单轮内 Arbiter→Agent 往返次数的默认上限。
const DefaultMaxHops = 3

// ErrUnknownAgent 表示 Arbiter 选中了未注册的策略，按 DecisionError 处理。
var ErrUnknownAgent = errors.New("unknown agent")

// ErrNoResult 表示 step 流在没有 Done 事件的情况下结束。
var ErrNoResult = errors.New("orchestration ended without result")

// Decider 是 Arbiter 节点的能力。
type Decider interface {
	Decide(ctx context.Context, transcript []model.Message) (arbiter.Decision, error)
}

// AgentLookup 按名字查找教学策略，agent.Registry 满足该接口。
type AgentLookup interface {
	Get(name string) (agent.Agent, bool)
}

// Orchestrator 把 Arbiter 与教学策略串成一个循环。
//
// 状态机：
// - Routing：调用 Arbiter，更新 next_agent 与掌握度。
// - Responding(a)：调用策略 a，追加回复后回到 Routing。
// - Done：掌握度达标（每次裁决后立即检查），或往返次数达到上限。
//
// 节点严格顺序执行，每个节点执行完成后向调用方产出一个 Step。
type Orchestrator struct {
	decider   Decider
	agents    AgentLookup
	maxHops   int
	threshold float64
	now       func() time.Time
	logger    *slog.Logger
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithMaxHops 设置单轮往返上限，非正数保持默认值。
func WithMaxHops(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxHops = n
		}
	}
}

// WithMasteryThreshold 设置掌握度阈值，取值需在 (0, 1]。
func WithMasteryThreshold(th float64) Option {
	return func(o *Orchestrator) {
		if th > 0 && th <= 1 {
			o.threshold = th
		}
	}
}

// WithClock 替换时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func New(decider Decider, agents AgentLookup, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		decider:   decider,
		agents:    agents,
		maxHops:   DefaultMaxHops,
		threshold: model.DefaultMasteryThreshold,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MaxHops 返回当前的往返上限。
func (o *Orchestrator) MaxHops() int { return o.maxHops }

// Threshold 返回当前的掌握度阈值。
func (o *Orchestrator) Threshold() float64 { return o.threshold }

// Steps 对一份裁剪后的 transcript 运行一轮编排。
//
// 约定：
// - 每个节点执行后产出一个 Step；最后一个 Step 的 Done 为 true，Result 携带汇总结果。
// - 出错时产出一次 (Step{Node}, err) 后结束，调用方不应提交本轮任何结果。
// - 调用方提前 break 时立即停止，不再调用后续节点。
// - 最多调用 Arbiter maxHops+1 次。
func (o *Orchestrator) Steps(ctx context.Context, transcript []model.Message) iter.Seq2[model.Step, error] {
	return func(yield func(model.Step, error) bool) {
		state := NewDialogueState(transcript)

		for {
			if err := ctx.Err(); err != nil {
				yield(model.Step{Node: model.NodeArbiter, Hop: state.Hops}, err)
				return
			}

			// Routing
			decision, err := o.decider.Decide(ctx, model.CloneMessages(state.Transcript))
			if err != nil {
				yield(model.Step{Node: model.NodeArbiter, Hop: state.Hops}, asDecisionError(err))
				return
			}
			ApplyDecision(state, decision)

			score := state.MasteryScore
			step := model.Step{
				Node:         model.NodeArbiter,
				Hop:          state.Hops,
				MasteryScore: &score,
				NextAgent:    state.NextAgent,
				Raw:          decision.Raw,
			}
			o.logger.Debug("node executed",
				"node", model.NodeArbiter, "hop", state.Hops,
				"score", score, "next_agent", state.NextAgent)

			var reason model.DoneReason
			switch {
			case score >= o.threshold:
				reason = model.DoneMastery
			case state.Hops >= o.maxHops:
				reason = model.DoneHopLimit
			}
			if reason != "" {
				step.Done = true
				step.DoneReason = reason
				step.Result = state.Result(reason, o.threshold)
				yield(step, nil)
				return
			}

			a, ok := o.agents.Get(state.NextAgent)
			if !ok {
				yield(step, &arbiter.DecisionError{
					Reason: "next agent " + state.NextAgent + " is not registered",
					Raw:    decision.Raw,
					Err:    ErrUnknownAgent,
				})
				return
			}
			if !yield(step, nil) {
				return
			}

			// Responding(a)
			if err := ctx.Err(); err != nil {
				yield(model.Step{Node: a.Name(), Hop: state.Hops}, err)
				return
			}
			msg, err := a.Respond(ctx, model.CloneMessages(state.Transcript))
			if err != nil {
				yield(model.Step{Node: a.Name(), Hop: state.Hops}, asGenerationError(a.Name(), err))
				return
			}
			msg = o.normalizeResponse(a.Name(), msg)
			ApplyResponse(state, msg)
			o.logger.Debug("node executed", "node", a.Name(), "hop", state.Hops, "chars", len(msg.Content))

			if !yield(model.Step{Node: a.Name(), Hop: state.Hops, Messages: []model.Message{msg}}, nil) {
				return
			}
		}
	}
}

// Run 运行一轮编排并只返回汇总结果。
func (o *Orchestrator) Run(ctx context.Context, transcript []model.Message) (model.TurnResult, error) {
	for step, err := range o.Steps(ctx, transcript) {
		if err != nil {
			return model.TurnResult{}, err
		}
		if step.Done && step.Result != nil {
			return *step.Result, nil
		}
	}
	return model.TurnResult{}, ErrNoResult
}

// normalizeResponse 保证策略回复是一条带策略名与时间戳的助手消息。
func (o *Orchestrator) normalizeResponse(name string, msg model.Message) model.Message {
	msg.Role = model.RoleAssistant
	if msg.Agent == "" {
		msg.Agent = name
	}
	if msg.TS.IsZero() {
		msg.TS = o.now()
	}
	return msg
}

func asDecisionError(err error) error {
	var de *arbiter.DecisionError
	if errors.As(err, &de) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &arbiter.DecisionError{Reason: "decider failed", Err: err}
}

func asGenerationError(name string, err error) error {
	var ge *agent.GenerationError
	if errors.As(err, &ge) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &agent.GenerationError{Agent: name, Err: err}
}
