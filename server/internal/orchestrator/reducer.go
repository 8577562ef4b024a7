package orchestrator

import (
	"socratic-tutor/server/internal/arbiter"
	"socratic-tutor/server/internal/model"
)

// DialogueState 是一次编排运行独占的状态，每轮用户输入新建一份，结束后丢弃。
type DialogueState struct {
	// Transcript 只追加，不重排。
	Transcript   []model.Message
	NextAgent    string
	MasteryScore float64
	// Hops 是已完成的 Arbiter→Agent 往返次数。
	Hops int
	// Produced 是本轮新产出的助手消息。
	Produced []model.Message
}

// NewDialogueState 用裁剪后的 transcript 初始化状态，不与调用方共享底层数组。
func NewDialogueState(transcript []model.Message) *DialogueState {
	return &DialogueState{
		Transcript: model.CloneMessages(transcript),
		NextAgent:  model.AgentNone,
	}
}

// ApplyDecision 只允许 Arbiter 节点调用：更新 next_agent 与掌握度。
// 掌握度可以比上一跳更低，这里不做单调约束。
func ApplyDecision(state *DialogueState, d arbiter.Decision) {
	if state == nil {
		return
	}
	state.NextAgent = d.NextAgent
	state.MasteryScore = d.MasteryScore
}

// ApplyResponse 只允许教学策略节点调用：追加消息并计一次往返。
func ApplyResponse(state *DialogueState, msg model.Message) {
	if state == nil {
		return
	}
	state.Transcript = append(state.Transcript, msg)
	state.Produced = append(state.Produced, msg)
	state.Hops++
}

// Result 汇总当前状态为一轮的结果。
func (s *DialogueState) Result(reason model.DoneReason, threshold float64) *model.TurnResult {
	produced := model.CloneMessages(s.Produced)
	if produced == nil {
		produced = []model.Message{}
	}
	return &model.TurnResult{
		Messages:       produced,
		MasteryScore:   s.MasteryScore,
		Hops:           s.Hops,
		Reason:         reason,
		MasteryReached: s.MasteryScore >= threshold,
	}
}
