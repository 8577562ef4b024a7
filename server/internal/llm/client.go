package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"socratic-tutor/server/internal/config"
	"socratic-tutor/server/internal/model"
)

// Client 模型调用的唯一边界：messages → 生成的文本。
type Client interface {
	// Complete 完成文本生成任务；schema 非空时要求结构化输出
	Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error)
}

// Message 消息结构
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// JSONSchema JSON Schema 定义（用于结构化输出）
type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// ClientFunc 让普通函数满足 Client 接口，便于测试与组合。
type ClientFunc func(ctx context.Context, messages []Message, schema *JSONSchema) (string, error)

func (f ClientFunc) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	return f(ctx, messages, schema)
}

// FromTranscript 把系统提示词与 transcript 转换为模型消息。
func FromTranscript(system string, transcript []model.Message) []Message {
	out := make([]Message, 0, len(transcript)+1)
	if system != "" {
		out = append(out, Message{Role: "system", Content: system})
	}
	for _, msg := range transcript {
		out = append(out, Message{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

// NewClient 创建 LLM 客户端
func NewClient(cfg *config.Config) (Client, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.LLM.OpenAI), nil
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg.LLM.Anthropic), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// OpenAIClient OpenAI 客户端
type OpenAIClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

// NewOpenAIClient 创建 OpenAI 客户端
func NewOpenAIClient(cfg config.LLMProviderConfig) *OpenAIClient {
	return &OpenAIClient{
		config:     cfg,
		httpClient: newHTTPClient(cfg.Timeout),
	}
}

// Complete 完成文本生成（OpenAI）
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	reqBody := map[string]any{
		"model":                 c.config.Model,
		"messages":              messages,
		"temperature":           c.config.Temperature,
		"max_completion_tokens": c.config.MaxTokens,
	}

	// reasoning 模型会把预算消耗在 reasoning tokens 上，降低 effort 保证有可解析的输出。
	if isOpenAIReasoningModel(c.config.Model) {
		reqBody["reasoning_effort"] = "low"
		delete(reqBody, "temperature")
	}

	if schema != nil {
		reqBody["response_format"] = map[string]any{
			"type":        "json_schema",
			"json_schema": schema,
		}
	}

	respBody, err := c.post(ctx, "/chat/completions", reqBody, map[string]string{
		"Authorization": "Bearer " + c.config.APIKey,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	content := result.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty content in response: %s", string(respBody))
	}
	return content, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, payload any, headers map[string]string) ([]byte, error) {
	return doJSON(ctx, c.httpClient, c.config.APIURL+path, payload, headers)
}

func isOpenAIReasoningModel(model string) bool {
	return strings.HasPrefix(model, "gpt-5") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

// AnthropicClient Anthropic 客户端
type AnthropicClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

// NewAnthropicClient 创建 Anthropic 客户端
func NewAnthropicClient(cfg config.LLMProviderConfig) *AnthropicClient {
	return &AnthropicClient{
		config:     cfg,
		httpClient: newHTTPClient(cfg.Timeout),
	}
}

// Complete 完成文本生成（Anthropic）。schema 只作为提示附加到 system 中。
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	// Anthropic 需要分离 system message
	var systemParts []string
	var turns []Message

	for _, msg := range messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		turns = append(turns, msg)
	}
	chat := alternateTurns(turns)
	if schema != nil {
		raw, err := json.Marshal(schema.Schema)
		if err != nil {
			return "", fmt.Errorf("marshal schema: %w", err)
		}
		systemParts = append(systemParts, "Respond with a single JSON object matching this schema:\n"+string(raw))
	}

	reqBody := map[string]any{
		"model":       c.config.Model,
		"messages":    chat,
		"max_tokens":  c.config.MaxTokens,
		"temperature": c.config.Temperature,
	}
	if len(systemParts) > 0 {
		reqBody["system"] = strings.Join(systemParts, "\n\n")
	}

	respBody, err := doJSON(ctx, c.httpClient, c.config.APIURL+"/messages", reqBody, map[string]string{
		"x-api-key":         c.config.APIKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
			Type string `json:"type"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("no content in response")
	}
	return sb.String(), nil
}

// Anthropic 会把末尾的 assistant 消息当作预填充续写，因此对话必须以 user 开头并以 user 结尾。
const (
	leadingTurnNote  = "(The conversation so far continues below.)"
	trailingTurnNote = "(Write your own next message to the learner.)"
)

// alternateTurns 合并相邻的同角色消息，并保证首尾都是 user。
func alternateTurns(turns []Message) []map[string]string {
	var chat []map[string]string
	for _, msg := range turns {
		role := msg.Role
		if role != "assistant" {
			role = "user"
		}
		if n := len(chat); n > 0 && chat[n-1]["role"] == role {
			chat[n-1]["content"] += "\n\n" + msg.Content
			continue
		}
		chat = append(chat, map[string]string{"role": role, "content": msg.Content})
	}
	if len(chat) == 0 || chat[0]["role"] == "assistant" {
		chat = append([]map[string]string{{"role": "user", "content": leadingTurnNote}}, chat...)
	}
	if chat[len(chat)-1]["role"] == "assistant" {
		chat = append(chat, map[string]string{"role": "user", "content": trailingTurnNote})
	}
	return chat
}

func doJSON(ctx context.Context, httpClient *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
