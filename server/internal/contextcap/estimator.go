package contextcap

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"socratic-tutor/server/internal/config"
	"socratic-tutor/server/internal/model"
)

// Estimator 估算一条消息的 token 开销。Cap 对具体策略无感知。
type Estimator interface {
	Estimate(msg model.Message) int
}

// EstimatorFunc 让普通函数满足 Estimator。
type EstimatorFunc func(msg model.Message) int

func (f EstimatorFunc) Estimate(msg model.Message) int { return f(msg) }

// WhitespaceEstimator 按空白分词计数，Overhead 为每条消息的固定开销。
type WhitespaceEstimator struct {
	Overhead int
}

func (w WhitespaceEstimator) Estimate(msg model.Message) int {
	return len(strings.Fields(msg.Content)) + w.Overhead
}

// messageOverhead 近似 ChatML 中 role/分隔符的开销。
const messageOverhead = 4

// TiktokenEstimator 使用 tiktoken 编码计数；编码加载失败时退化为 1 token ≈ 4 字符。
type TiktokenEstimator struct {
	encoding string

	once sync.Once
	tkm  *tiktoken.Tiktoken
}

// NewTiktokenEstimator 创建按指定编码计数的估算器，编码延迟到首次使用时加载。
func NewTiktokenEstimator(encoding string) *TiktokenEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenEstimator{encoding: encoding}
}

func (t *TiktokenEstimator) tokenizer() *tiktoken.Tiktoken {
	t.once.Do(func() {
		tkm, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			slog.Warn("failed to load tiktoken encoding, falling back to heuristic", "encoding", t.encoding, "error", err)
			return
		}
		t.tkm = tkm
	})
	return t.tkm
}

// Loaded 报告编码是否加载成功。
func (t *TiktokenEstimator) Loaded() bool {
	return t.tokenizer() != nil
}

func (t *TiktokenEstimator) Estimate(msg model.Message) int {
	if msg.Content == "" {
		return messageOverhead
	}
	if tkm := t.tokenizer(); tkm != nil {
		return len(tkm.Encode(msg.Content, nil, nil)) + messageOverhead
	}
	return (len(msg.Content)+3)/4 + messageOverhead
}

// NewEstimator 根据配置选择估算策略。
func NewEstimator(cfg config.TokenizerConfig) (Estimator, error) {
	switch cfg.Strategy {
	case "", config.StrategyWhitespace:
		return WhitespaceEstimator{}, nil
	case config.StrategyTiktoken:
		return NewTiktokenEstimator(cfg.Encoding), nil
	default:
		return nil, fmt.Errorf("unsupported tokenizer strategy: %s", cfg.Strategy)
	}
}
