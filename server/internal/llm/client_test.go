package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"socratic-tutor/server/internal/config"
	"socratic-tutor/server/internal/model"
)

// TestOpenAIClientComplete 验证 OpenAI 客户端的请求格式与响应解析。
// 场景：服务端返回 chat/completions 结构，期望取出第一条 choice 的内容，并带上鉴权头与 schema。
func TestOpenAIClientComplete(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hello world"}}]}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy", Model: "gpt-test"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Complete(ctx, []Message{{Role: "user", Content: "test"}}, &JSONSchema{Name: "x", Schema: map[string]any{"type": "object"}})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if res != "hello world" {
		t.Fatalf("unexpected response: %s", res)
	}
	if gotAuth != "Bearer dummy" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if _, ok := gotBody["response_format"]; !ok {
		t.Fatalf("expected response_format in request body")
	}
}

// TestOpenAIClientErrorStatus 验证非 200 状态码返回错误。
func TestOpenAIClientErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy", Model: "gpt-test"})
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "test"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

// TestOpenAIClientEmptyContent 验证空内容被视为错误。
func TestOpenAIClientEmptyContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"  "}}]}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, Model: "gpt-test"})
	if _, err := client.Complete(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

// TestAnthropicClientSeparatesSystem 验证 Anthropic 客户端把 system 消息拆到顶层字段。
// 场景：输入包含 system/user 两条消息，请求体中 messages 只剩 user，system 单独出现。
func TestAnthropicClientSeparatesSystem(t *testing.T) {
	var gotBody struct {
		System   string              `json:"system"`
		Messages []map[string]string `json:"messages"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"content":[{"type":"text","text":"Why do you think so?"}]}`))
	}))
	defer ts.Close()

	client := NewAnthropicClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "k", Model: "claude-test"})
	res, err := client.Complete(context.Background(), []Message{
		{Role: "system", Content: "be socratic"},
		{Role: "user", Content: "What is justice?"},
	}, nil)
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if res != "Why do you think so?" {
		t.Fatalf("unexpected response %q", res)
	}
	if gotBody.System != "be socratic" {
		t.Fatalf("expected system prompt separated, got %q", gotBody.System)
	}
	if len(gotBody.Messages) != 1 || gotBody.Messages[0]["role"] != "user" {
		t.Fatalf("unexpected messages %+v", gotBody.Messages)
	}
}

// TestAnthropicClientEndsOnUserTurn 验证后续 hop 的请求以 user 消息结尾，不会让模型续写上一位教学策略的回复。
// 场景：transcript 为 [assistant, user, assistant, assistant]，对应裁剪后以 assistant 开头的第二跳调用。
func TestAnthropicClientEndsOnUserTurn(t *testing.T) {
	var gotBody struct {
		Messages []map[string]string `json:"messages"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"content":[{"type":"text","text":"What follows from that?"}]}`))
	}))
	defer ts.Close()

	client := NewAnthropicClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "k", Model: "claude-test"})
	msgs := FromTranscript("use maieutics", []model.Message{
		model.NewAssistantMessage("aporia", "Are you sure?", time.Time{}),
		model.NewUserMessage("What is justice?", time.Time{}),
		model.NewAssistantMessage("elenchus", "Is it always fair?", time.Time{}),
		model.NewAssistantMessage("aporia", "Can both be true?", time.Time{}),
	})
	if _, err := client.Complete(context.Background(), msgs, nil); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	got := gotBody.Messages
	if len(got) != 5 {
		t.Fatalf("expected 5 alternating messages, got %+v", got)
	}
	if got[0]["role"] != "user" || got[len(got)-1]["role"] != "user" {
		t.Fatalf("expected conversation to start and end with user, got %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i]["role"] == got[i-1]["role"] {
			t.Fatalf("expected alternating roles, got %+v", got)
		}
	}
	if got[3]["content"] != "Is it always fair?\n\nCan both be true?" {
		t.Fatalf("expected consecutive assistant turns merged, got %q", got[3]["content"])
	}
}

// TestFromTranscript 验证 transcript 转换保留顺序并前置 system。
func TestFromTranscript(t *testing.T) {
	msgs := FromTranscript("sys", []model.Message{
		model.NewUserMessage("q", time.Time{}),
		model.NewAssistantMessage("aporia", "a", time.Time{}),
	})
	if len(msgs) != 3 || msgs[0].Role != "system" || msgs[1].Role != "user" || msgs[2].Role != "assistant" {
		t.Fatalf("unexpected conversion: %+v", msgs)
	}
}

// TestNewClientRejectsUnknownProvider 验证未知 provider 报错。
func TestNewClientRejectsUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = "local"
	if _, err := NewClient(cfg); err == nil {
		t.Fatalf("expected error")
	}
}
