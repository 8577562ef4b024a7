package arbiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"socratic-tutor/server/internal/llm"
	"socratic-tutor/server/internal/model"
)

var agents = []string{"elenchus", "aporia", "maieutics", "dialectic"}

func mustDecisionError(t *testing.T, err error) *DecisionError {
	t.Helper()
	var de *DecisionError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecisionError, got %v", err)
	}
	return de
}

// TestParseDecisionPlainJSON 验证标准 JSON 输出被正确解析。
func TestParseDecisionPlainJSON(t *testing.T) {
	raw := `{"next_agent":"elenchus","mastery_score":0.2,"reasoning":"naive view"}`
	d, err := ParseDecision(raw, agents, 0.9)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.NextAgent != "elenchus" || d.MasteryScore != 0.2 || d.Raw != raw {
		t.Fatalf("unexpected decision %+v", d)
	}
}

// TestParseDecisionFencedAndCased 验证代码块包裹、大小写与空白都能容忍。
func TestParseDecisionFencedAndCased(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"next_agent\": \" Maieutics \", \"mastery_score\": 0.4, \"reasoning\": \"x\"}\n```"
	d, err := ParseDecision(raw, agents, 0.9)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.NextAgent != "maieutics" {
		t.Fatalf("expected maieutics, got %q", d.NextAgent)
	}
}

// TestParseDecisionMasteryUsesSentinel 验证达到阈值时 next_agent 归为 none。
func TestParseDecisionMasteryUsesSentinel(t *testing.T) {
	for _, raw := range []string{
		`{"next_agent":"none","mastery_score":0.92}`,
		`{"next_agent":"","mastery_score":0.9}`,
		`{"next_agent":"dialectic","mastery_score":1}`,
	} {
		d, err := ParseDecision(raw, agents, 0.9)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if d.NextAgent != model.AgentNone {
			t.Fatalf("expected sentinel for %s, got %q", raw, d.NextAgent)
		}
	}
}

// TestParseDecisionMalformed 验证各类无法使用的输出都返回 DecisionError。
func TestParseDecisionMalformed(t *testing.T) {
	cases := map[string]string{
		"no json":        "I think elenchus",
		"broken json":    `{"next_agent": "elenchus", "mastery_score": }`,
		"missing score":  `{"next_agent":"elenchus"}`,
		"null score":     `{"next_agent":"elenchus","mastery_score":null}`,
		"string score":   `{"next_agent":"elenchus","mastery_score":"0.4"}`,
		"negative":       `{"next_agent":"elenchus","mastery_score":-0.1}`,
		"above one":      `{"next_agent":"none","mastery_score":1.2}`,
		"unknown agent":  `{"next_agent":"sophistry","mastery_score":0.3}`,
		"none too early": `{"next_agent":"none","mastery_score":0.5}`,
		"unknown at top": `{"next_agent":"sophistry","mastery_score":0.95}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDecision(raw, agents, 0.9)
			de := mustDecisionError(t, err)
			if de.Reason == "" {
				t.Fatalf("expected reason")
			}
		})
	}
}

// TestLLMArbiterDecide 验证 Arbiter 把 transcript 格式化后交给模型，并附带 strict schema。
// 场景：transcript 为一问一答，模型返回 aporia/0.35。
func TestLLMArbiterDecide(t *testing.T) {
	var gotMessages []llm.Message
	var gotSchema *llm.JSONSchema
	client := llm.ClientFunc(func(ctx context.Context, m []llm.Message, s *llm.JSONSchema) (string, error) {
		gotMessages, gotSchema = m, s
		return `{"next_agent":"aporia","mastery_score":0.35,"reasoning":"contradiction"}`, nil
	})
	a := New(client, agents, 0.9, nil)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := a.Decide(context.Background(), []model.Message{
		model.NewUserMessage("What is justice?", now),
		model.NewAssistantMessage("elenchus", "Is it helping friends?", now),
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.NextAgent != "aporia" || d.MasteryScore != 0.35 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(gotMessages) != 2 || gotMessages[0].Role != "system" {
		t.Fatalf("unexpected messages %+v", gotMessages)
	}
	if !strings.Contains(gotMessages[1].Content, "Learner: What is justice?") ||
		!strings.Contains(gotMessages[1].Content, "Tutor (elenchus): Is it helping friends?") {
		t.Fatalf("transcript not formatted:\n%s", gotMessages[1].Content)
	}
	if gotSchema == nil || !gotSchema.Strict {
		t.Fatalf("expected strict schema")
	}
	for _, name := range agents {
		if !strings.Contains(gotMessages[0].Content, name) {
			t.Fatalf("system prompt should list %s", name)
		}
	}
}

// TestLLMArbiterDecideFailures 验证空 transcript 与模型失败都返回 DecisionError。
func TestLLMArbiterDecideFailures(t *testing.T) {
	boom := errors.New("timeout")
	a := New(llm.ClientFunc(func(ctx context.Context, m []llm.Message, s *llm.JSONSchema) (string, error) {
		return "", boom
	}), agents, 0.9, nil)

	_, err := a.Decide(context.Background(), nil)
	mustDecisionError(t, err)

	_, err = a.Decide(context.Background(), []model.Message{model.NewUserMessage("hi", time.Time{})})
	mustDecisionError(t, err)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped model error")
	}
}
