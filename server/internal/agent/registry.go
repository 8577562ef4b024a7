package agent

import (
	"fmt"
	"time"

	"socratic-tutor/server/internal/llm"
	"socratic-tutor/server/internal/model"
)

// Registry 维护策略名 → Agent 的映射。新增策略只需注册，不需要改编排逻辑。
type Registry struct {
	agents map[string]Agent
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register 注册一个策略；名字不能为空、不能与保留节点名冲突、不能重复。
func (r *Registry) Register(a Agent) error {
	name := a.Name()
	switch name {
	case "", model.AgentNone, model.NodeArbiter:
		return fmt.Errorf("invalid agent name %q", name)
	}
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %q already registered", name)
	}
	r.agents[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get 按名字查找策略。
func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// Names 按注册顺序返回全部策略名。
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len 返回已注册策略数量。
func (r *Registry) Len() int { return len(r.order) }

// NewDefaultRegistry 注册四个内置策略。promptsDir 非空时其中的 <name>.md 覆盖内置提示词。
func NewDefaultRegistry(client llm.Client, promptsDir string, now func() time.Time) (*Registry, error) {
	prompts, err := LoadPrompts(promptsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	reg := NewRegistry()
	for _, name := range DefaultNames {
		instructions, err := BuildInstructions(name, prompts[name])
		if err != nil {
			return nil, err
		}
		if err := reg.Register(NewLLMAgent(name, instructions, client, now)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
