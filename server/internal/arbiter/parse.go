package arbiter

import (
	"encoding/json"
	"fmt"
	"strings"

	"socratic-tutor/server/internal/model"
)

type decisionPayload struct {
	NextAgent    string          `json:"next_agent"`
	MasteryScore json.RawMessage `json:"mastery_score"`
	Reasoning    string          `json:"reasoning"`
}

// ParseDecision 解析模型输出。允许 JSON 外面包着 markdown 代码块或少量说明文字。
//
// 规则：
// - mastery_score 必须是 [0,1] 内的数字。
// - 分数低于阈值时 next_agent 必须是 agents 之一。
// - 分数达到阈值时 next_agent 可以为空或 none，统一归为 model.AgentNone。
func ParseDecision(raw string, agents []string, threshold float64) (Decision, error) {
	body, ok := extractJSONObject(raw)
	if !ok {
		return Decision{}, &DecisionError{Reason: "no JSON object in output", Raw: raw}
	}

	var payload decisionPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return Decision{}, &DecisionError{Reason: "unmarshal output", Raw: raw, Err: err}
	}
	if len(payload.MasteryScore) == 0 || string(payload.MasteryScore) == "null" {
		return Decision{}, &DecisionError{Reason: "missing mastery_score", Raw: raw}
	}
	var score float64
	if err := json.Unmarshal(payload.MasteryScore, &score); err != nil {
		return Decision{}, &DecisionError{Reason: "mastery_score is not a number", Raw: raw, Err: err}
	}
	if score < 0 || score > 1 {
		return Decision{}, &DecisionError{Reason: fmt.Sprintf("mastery_score %v out of range", score), Raw: raw}
	}

	next := strings.ToLower(strings.TrimSpace(payload.NextAgent))
	if score >= threshold {
		if next != "" && next != model.AgentNone && !containsName(agents, next) {
			return Decision{}, &DecisionError{Reason: fmt.Sprintf("unknown next_agent %q", payload.NextAgent), Raw: raw}
		}
		return Decision{NextAgent: model.AgentNone, MasteryScore: score, Raw: raw}, nil
	}
	if !containsName(agents, next) {
		return Decision{}, &DecisionError{Reason: fmt.Sprintf("unknown next_agent %q", payload.NextAgent), Raw: raw}
	}
	return Decision{NextAgent: next, MasteryScore: score, Raw: raw}, nil
}

// extractJSONObject 取第一个 '{' 到最后一个 '}' 之间的内容。
func extractJSONObject(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

func containsName(names []string, target string) bool {
	for _, name := range names {
		if name == target {
			return true
		}
	}
	return false
}
