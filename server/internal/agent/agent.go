// Package agent 实现四种教学策略（elenchus/aporia/maieutics/dialectic）。
// 所有策略共享同一接口：transcript → 一条助手消息，编排器对它们一视同仁。
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"socratic-tutor/server/internal/llm"
	"socratic-tutor/server/internal/model"
)

// 内置教学策略名。
const (
	Elenchus  = "elenchus"
	Aporia    = "aporia"
	Maieutics = "maieutics"
	Dialectic = "dialectic"
)

// DefaultNames 是内置策略的注册顺序。
var DefaultNames = []string{Elenchus, Aporia, Maieutics, Dialectic}

// ErrEmptyResponse 表示模型返回了空文本。
var ErrEmptyResponse = errors.New("empty response")

// Agent 是一个教学策略。Respond 不得修改 transcript，追加由编排器负责。
type Agent interface {
	Name() string
	Respond(ctx context.Context, transcript []model.Message) (model.Message, error)
}

// GenerationError 表示某个策略未能产出回复，本轮因此中止。
type GenerationError struct {
	Agent string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("agent %s failed to respond: %v", e.Agent, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// LLMAgent 用固定的系统提示词调用模型生成回复。
type LLMAgent struct {
	name         string
	instructions string
	client       llm.Client
	now          func() time.Time
}

// NewLLMAgent 创建一个基于模型的教学策略。
func NewLLMAgent(name, instructions string, client llm.Client, now func() time.Time) *LLMAgent {
	if now == nil {
		now = time.Now
	}
	return &LLMAgent{name: name, instructions: instructions, client: client, now: now}
}

func (a *LLMAgent) Name() string { return a.name }

// Instructions 返回该策略的系统提示词。
func (a *LLMAgent) Instructions() string { return a.instructions }

func (a *LLMAgent) Respond(ctx context.Context, transcript []model.Message) (model.Message, error) {
	text, err := a.client.Complete(ctx, llm.FromTranscript(a.instructions, transcript), nil)
	if err != nil {
		return model.Message{}, &GenerationError{Agent: a.name, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return model.Message{}, &GenerationError{Agent: a.name, Err: ErrEmptyResponse}
	}
	return model.NewAssistantMessage(a.name, text, a.now()), nil
}
