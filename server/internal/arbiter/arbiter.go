// Package arbiter 决定下一个教学策略并给出掌握度评分。
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"socratic-tutor/server/internal/llm"
	"socratic-tutor/server/internal/model"
)

// Decision 是一次裁决的结果。
type Decision struct {
	// NextAgent 为已注册策略之一；掌握度达标时为 model.AgentNone。
	NextAgent    string
	MasteryScore float64
	// Raw 是模型的原始输出，只用于调试展示，下游不得解析。
	Raw string
}

// DecisionError 表示无法得到可用的裁决。本轮中止且不重试。
type DecisionError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *DecisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("arbiter decision failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("arbiter decision failed: %s", e.Reason)
}

func (e *DecisionError) Unwrap() error { return e.Err }

// Descriptions 是内置策略的一句话说明，写进 Arbiter 的系统提示词。
var Descriptions = map[string]string{
	"elenchus":  "cross-examination: test a claim the learner just made against a counterexample",
	"aporia":    "guided contradiction: surface two incompatible things the learner believes",
	"maieutics": "question-led discovery: build on a promising partial answer with a guiding question",
	"dialectic": "dialectical synthesis: confront the position with its strongest opposite and seek synthesis",
}

// LLMArbiter 用模型做裁决。
type LLMArbiter struct {
	client    llm.Client
	agents    []string
	threshold float64
	logger    *slog.Logger
}

// New 创建 Arbiter。agents 是可选的策略名，threshold 是掌握度阈值。
func New(client llm.Client, agents []string, threshold float64, logger *slog.Logger) *LLMArbiter {
	if threshold <= 0 {
		threshold = model.DefaultMasteryThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMArbiter{
		client:    client,
		agents:    append([]string(nil), agents...),
		threshold: threshold,
		logger:    logger,
	}
}

// Decide 根据 transcript 选择下一个策略并评估掌握度。
func (a *LLMArbiter) Decide(ctx context.Context, transcript []model.Message) (Decision, error) {
	if len(transcript) == 0 {
		return Decision{}, &DecisionError{Reason: "empty transcript"}
	}

	messages := []llm.Message{
		{Role: "system", Content: a.buildSystemPrompt()},
		{Role: "user", Content: a.buildUserPrompt(transcript)},
	}

	response, err := a.client.Complete(ctx, messages, a.schema())
	if err != nil {
		return Decision{}, &DecisionError{Reason: "llm complete", Err: err}
	}

	decision, err := ParseDecision(response, a.agents, a.threshold)
	if err != nil {
		a.logger.Debug("arbiter output rejected", "raw", response, "error", err)
		return Decision{}, err
	}
	return decision, nil
}

// schema 符合 OpenAI Strict Mode：required 覆盖全部 properties。
func (a *LLMArbiter) schema() *llm.JSONSchema {
	choices := append(append([]string(nil), a.agents...), model.AgentNone)
	return &llm.JSONSchema{
		Name: "arbiter_decision",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"next_agent": map[string]any{
					"type":        "string",
					"enum":        choices,
					"description": "teaching strategy to apply next, or none once mastery is reached",
				},
				"mastery_score": map[string]any{
					"type":        "number",
					"description": "estimated learner understanding between 0 and 1",
				},
				"reasoning": map[string]any{
					"type":        "string",
					"description": "short explanation of the decision",
				},
			},
			"required":             []string{"next_agent", "mastery_score", "reasoning"},
			"additionalProperties": false,
		},
		Strict: true,
	}
}

func (a *LLMArbiter) buildSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are the arbiter of a Socratic tutoring dialogue.\n")
	sb.WriteString("After every message you decide which teaching strategy should speak next and how well the learner understands the topic.\n\n")
	sb.WriteString("Available strategies:\n")
	for _, name := range a.agents {
		desc := Descriptions[name]
		if desc == "" {
			desc = "custom strategy"
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", name, desc))
	}
	sb.WriteString("\nMastery score rubric:\n")
	sb.WriteString("- 0.0-0.3: the learner holds a naive or inconsistent view\n")
	sb.WriteString("- 0.3-0.6: the learner sees some distinctions but cannot defend them\n")
	sb.WriteString("- 0.6-0.9: the learner reasons well but has gaps\n")
	sb.WriteString(fmt.Sprintf("- %.2f and above: the learner can state and defend a coherent account in their own words\n\n", a.threshold))
	sb.WriteString(fmt.Sprintf("When the score is %.2f or higher set next_agent to %q.\n", a.threshold, model.AgentNone))
	sb.WriteString(`Answer only with JSON: {"next_agent": "...", "mastery_score": 0.0, "reasoning": "..."}`)
	return sb.String()
}

func (a *LLMArbiter) buildUserPrompt(transcript []model.Message) string {
	var sb strings.Builder
	sb.WriteString("Dialogue so far:\n")
	sb.WriteString(FormatTranscript(transcript))
	sb.WriteString("\nDecide the next strategy and score the learner's current mastery.")
	return sb.String()
}

// FormatTranscript 把 transcript 格式化为 Learner/Tutor 对话文本。
func FormatTranscript(transcript []model.Message) string {
	var sb strings.Builder
	for _, msg := range transcript {
		switch msg.Role {
		case model.RoleUser:
			sb.WriteString("Learner: ")
		default:
			if msg.Agent != "" {
				sb.WriteString(fmt.Sprintf("Tutor (%s): ", msg.Agent))
			} else {
				sb.WriteString("Tutor: ")
			}
		}
		sb.WriteString(strings.TrimSpace(msg.Content))
		sb.WriteString("\n")
	}
	return sb.String()
}
