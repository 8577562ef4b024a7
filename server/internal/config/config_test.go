package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// TestLoadWithoutFileUsesDefaults 验证不传配置文件时使用默认值。
// 场景：path 为空，期望 token 预算、阈值、hop 上限均为默认值。
func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dialogue.MasteryThreshold != 0.9 {
		t.Fatalf("expected threshold 0.9, got %v", cfg.Dialogue.MasteryThreshold)
	}
	if cfg.Dialogue.MaxHops != 3 {
		t.Fatalf("expected max hops 3, got %d", cfg.Dialogue.MaxHops)
	}
	if cfg.Dialogue.TokenBudget != 2000 {
		t.Fatalf("expected budget 2000, got %d", cfg.Dialogue.TokenBudget)
	}
	if !cfg.History.Enabled || cfg.History.Backend != BackendJSON {
		t.Fatalf("expected json history enabled by default, got %+v", cfg.History)
	}
}

// TestLoadOverlaysFileAndEnv 验证配置文件覆盖默认值，环境变量覆盖 API key。
// 场景：YAML 只写部分字段，其他字段保留默认值；LLM_API_KEY 作用于当前 provider。
func TestLoadOverlaysFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
llm:
  provider: anthropic
dialogue:
  token_budget: 512
  max_hops: 5
tokenizer:
  strategy: tiktoken
history:
  backend: sqlite
  sqlite_path: ` + filepath.Join(dir, "h.db") + `
logging:
  level: debug
  format: json
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LLM_API_KEY", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dialogue.TokenBudget != 512 || cfg.Dialogue.MaxHops != 5 {
		t.Fatalf("unexpected dialogue config: %+v", cfg.Dialogue)
	}
	if cfg.Dialogue.MasteryThreshold != 0.9 {
		t.Fatalf("expected default threshold preserved, got %v", cfg.Dialogue.MasteryThreshold)
	}
	if cfg.LLM.Anthropic.APIKey != "secret" {
		t.Fatalf("expected anthropic key from env")
	}
	if cfg.LLM.OpenAI.APIKey == "secret" {
		t.Fatalf("LLM_API_KEY should only apply to the active provider")
	}
	if err := cfg.RequireAPIKey(); err != nil {
		t.Fatalf("expected api key present: %v", err)
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level")
	}
}

// TestValidateRejectsBadValues 验证非法配置被拒绝。
func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"provider":  func(c *Config) { c.LLM.Provider = "local" },
		"budget":    func(c *Config) { c.Dialogue.TokenBudget = 0 },
		"hops":      func(c *Config) { c.Dialogue.MaxHops = -1 },
		"threshold": func(c *Config) { c.Dialogue.MasteryThreshold = 1.5 },
		"strategy":  func(c *Config) { c.Tokenizer.Strategy = "bpe" },
		"backend":   func(c *Config) { c.History.Backend = "redis" },
		"path":      func(c *Config) { c.History.Path = "" },
		"dir":       func(c *Config) { c.History.Dir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

// TestRequireAPIKeyMissing 验证缺少 API key 时报错。
func TestRequireAPIKeyMissing(t *testing.T) {
	cfg := Default()
	if err := cfg.RequireAPIKey(); err == nil {
		t.Fatalf("expected missing key error")
	}
}

// TestLoadExampleConfig 验证仓库中的示例配置可以直接加载。
func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	cfg, err := Load(filepath.Join("..", "..", "configs", "socratic.example.yaml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:8080" || cfg.Dialogue.MaxHops != 3 || !cfg.UI.Color {
		t.Fatalf("unexpected example config %+v", cfg)
	}
}
