package model

import (
	"strings"
	"time"
)

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// 节点名。教学策略节点直接使用策略名（elenchus/aporia/...）。
const (
	NodeArbiter = "arbiter"
	// AgentNone 是 Arbiter 在掌握度达标后返回的终止哨兵。
	AgentNone = "none"
)

// DefaultMasteryThreshold 掌握度阈值，达到即结束本轮编排。
const DefaultMasteryThreshold = 0.9

// Message 是 transcript 中的一条消息。创建后视为不可变，只允许追加新的消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Agent 记录产出该消息的教学策略，用户消息为空。
	Agent string    `json:"agent,omitempty"`
	TS    time.Time `json:"ts"`
}

// NewUserMessage 创建一条用户消息。
func NewUserMessage(text string, ts time.Time) Message {
	return Message{Role: RoleUser, Content: text, TS: ts}
}

// NewAssistantMessage 创建一条由某个教学策略产出的助手消息。
func NewAssistantMessage(agent, text string, ts time.Time) Message {
	return Message{Role: RoleAssistant, Content: strings.TrimSpace(text), Agent: agent, TS: ts}
}

// CloneMessages 返回切片副本，避免调用方之间共享底层数组。
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// DoneReason 说明一轮编排为什么结束。
type DoneReason string

const (
	DoneMastery  DoneReason = "mastery"
	DoneHopLimit DoneReason = "hop_limit"
)

// Step 是一次节点执行产出的事件，调用方可以据此实时渲染中间结果。
type Step struct {
	// Node 是节点名：arbiter 或某个教学策略。
	Node string `json:"node"`
	// Hop 是当前已完成的 Arbiter→Agent 往返次数（从 0 开始）。
	Hop int `json:"hop"`
	// Messages 只在教学策略节点上出现，是该节点新产出的消息。
	Messages []Message `json:"messages,omitempty"`
	// MasteryScore/NextAgent/Raw 只在 arbiter 节点上出现。
	MasteryScore *float64 `json:"mastery_score,omitempty"`
	NextAgent    string   `json:"next_agent,omitempty"`
	Raw          string   `json:"raw_diagnostic_text,omitempty"`

	// Done 为 true 表示本轮编排结束，Result 携带汇总结果。
	Done       bool        `json:"done,omitempty"`
	DoneReason DoneReason  `json:"done_reason,omitempty"`
	Result     *TurnResult `json:"result,omitempty"`
}

// MasteryReached 判断该事件是否携带达标的掌握度。
func (s Step) MasteryReached(threshold float64) bool {
	return s.MasteryScore != nil && *s.MasteryScore >= threshold
}

// TurnResult 汇总一轮（一次用户输入）内的产出。
type TurnResult struct {
	// Messages 是本轮新产出的助手消息，按产出顺序排列。
	Messages       []Message  `json:"messages"`
	MasteryScore   float64    `json:"mastery_score"`
	Hops           int        `json:"hops"`
	Reason         DoneReason `json:"reason"`
	MasteryReached bool       `json:"mastery_reached"`
}

// TimelineEvent 是写入 timeline 的一条事实事件。
type TimelineEvent struct {
	// Seq 由 timeline 分配，单调递增。
	Seq       int64  `json:"seq,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// TurnID 关联同一轮用户输入产生的全部事件。
	TurnID string `json:"turn_id,omitempty"`

	// Type 表示事件类型（user_message/step/turn_failed/command）。
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	Step     *Step     `json:"step,omitempty"`
	ServerTS time.Time `json:"server_ts,omitempty"`
}
