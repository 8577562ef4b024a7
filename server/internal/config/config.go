package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Dialogue  DialogueConfig  `yaml:"dialogue"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	History   HistoryConfig   `yaml:"history"`
	Agents    AgentsConfig    `yaml:"agents"`
	Logging   LoggingConfig   `yaml:"logging"`
	UI        UIConfig        `yaml:"ui"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr 返回 host:port 形式的监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 模型调用配置（Arbiter 与教学策略共用）
type LLMConfig struct {
	Provider  string            `yaml:"provider"` // "openai" or "anthropic"
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string        `yaml:"api_key"`
	APIURL      string        `yaml:"api_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Active 返回当前 provider 对应的配置。
func (l LLMConfig) Active() LLMProviderConfig {
	if l.Provider == ProviderAnthropic {
		return l.Anthropic
	}
	return l.OpenAI
}

// DialogueConfig 编排器与上下文裁剪的参数。
type DialogueConfig struct {
	// TokenBudget 每轮进入编排前 transcript 的 token 上限。
	TokenBudget int `yaml:"token_budget"`
	// MasteryThreshold 掌握度阈值，默认 0.9。
	MasteryThreshold float64 `yaml:"mastery_threshold"`
	// MaxHops 单轮内 Arbiter→Agent 往返次数上限。
	MaxHops int `yaml:"max_hops"`
}

type TokenizerConfig struct {
	// Strategy: whitespace | tiktoken
	Strategy string `yaml:"strategy"`
	Encoding string `yaml:"encoding"`
}

type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend: json | sqlite
	Backend string `yaml:"backend"`
	// Path 是 chat 模式下的历史文件。
	Path string `yaml:"path"`
	// Dir 是 serve 模式下每个 session 的历史文件目录。
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

type AgentsConfig struct {
	// PromptsDir 下的 <agent>.md 会覆盖内置的系统提示词。
	PromptsDir string `yaml:"prompts_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type UIConfig struct {
	// Markdown 为 true 时用 glamour 渲染教学策略的回复。
	Markdown bool `yaml:"markdown"`
	// Color 为 false 时关闭 lipgloss 样式。
	Color bool `yaml:"color"`
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	BackendJSON   = "json"
	BackendSQLite = "sqlite"

	StrategyWhitespace = "whitespace"
	StrategyTiktoken   = "tiktoken"
)

// Default 返回默认配置，配置文件只需覆盖需要修改的字段。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			OpenAI: LLMProviderConfig{
				APIURL:      "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.2,
				MaxTokens:   800,
				Timeout:     30 * time.Second,
			},
			Anthropic: LLMProviderConfig{
				APIURL:      "https://api.anthropic.com/v1",
				Model:       "claude-3-5-haiku-latest",
				Temperature: 0.2,
				MaxTokens:   800,
				Timeout:     30 * time.Second,
			},
		},
		Dialogue: DialogueConfig{
			TokenBudget:      2000,
			MasteryThreshold: 0.9,
			MaxHops:          3,
		},
		Tokenizer: TokenizerConfig{
			Strategy: StrategyWhitespace,
			Encoding: "cl100k_base",
		},
		History: HistoryConfig{
			Enabled:    true,
			Backend:    BackendJSON,
			Path:       "message_history.json",
			Dir:        "data/history",
			SQLitePath: "data/history.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		UI: UIConfig{
			Color: true,
		},
	}
}

// Load 从文件加载配置。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		slog.Debug("config file loaded", "path", path, "bytes", len(data))
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖敏感信息
func (c *Config) applyEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.Anthropic.APIKey = key
	}
	// LLM_API_KEY 优先级最高，只作用于当前 provider
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		switch c.LLM.Provider {
		case ProviderOpenAI:
			c.LLM.OpenAI.APIKey = key
		case ProviderAnthropic:
			c.LLM.Anthropic.APIKey = key
		}
	}
	if path := os.Getenv("SOCRATIC_HISTORY_PATH"); path != "" {
		c.History.Path = path
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider))
	}
	if c.Dialogue.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("dialogue.token_budget must be > 0"))
	}
	if c.Dialogue.MaxHops <= 0 {
		errs = append(errs, fmt.Errorf("dialogue.max_hops must be > 0"))
	}
	if c.Dialogue.MasteryThreshold <= 0 || c.Dialogue.MasteryThreshold > 1 {
		errs = append(errs, fmt.Errorf("dialogue.mastery_threshold must be in (0, 1]"))
	}
	switch c.Tokenizer.Strategy {
	case StrategyWhitespace, StrategyTiktoken:
	default:
		errs = append(errs, fmt.Errorf("unsupported tokenizer strategy: %q", c.Tokenizer.Strategy))
	}
	switch c.History.Backend {
	case BackendJSON:
		if c.History.Path == "" {
			errs = append(errs, fmt.Errorf("history.path is required for json backend"))
		}
		if c.History.Dir == "" {
			errs = append(errs, fmt.Errorf("history.dir is required for json backend"))
		}
	case BackendSQLite:
		if c.History.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("history.sqlite_path is required for sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported history backend: %q", c.History.Backend))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported logging format: %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// RequireAPIKey 只在真正需要调用模型时检查 API key。
func (c *Config) RequireAPIKey() error {
	if c.LLM.Active().APIKey == "" {
		return fmt.Errorf("API key for provider %s is required (set LLM_API_KEY env var or config)", c.LLM.Provider)
	}
	return nil
}

// SlogLevel 把配置中的日志级别转换为 slog.Level，未知值按 info 处理。
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
