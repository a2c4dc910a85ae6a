package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Counter 统计文本 token 数。模型未回报 usage 时由状态机调用。
type Counter interface {
	CountTokens(model, text string) int
}

// 模型前缀到 tiktoken 编码的映射，按前缀长度从长到短匹配
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o-mini", "o200k_base"},
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"gpt-4-turbo", "cl100k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5-turbo", "cl100k_base"},
	{"text-embedding-3", "cl100k_base"},
}

const defaultEncoding = "cl100k_base"

// EncodingForModel 返回模型使用的编码，未知模型回落到 cl100k_base
func EncodingForModel(model string) string {
	m := strings.ToLower(model)
	for _, e := range modelEncodings {
		if strings.HasPrefix(m, e.prefix) {
			return e.encoding
		}
	}
	return defaultEncoding
}

// =============================================================================
// 🔢 Tiktoken 计数器
// =============================================================================

// Tiktoken 基于 tiktoken-go 的计数器。编码数据首次使用时加载，
// 加载失败（离线环境）时退化为字符估算。
type Tiktoken struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool
	fallback  *Estimator
	logger    *zap.Logger

	getEncoding func(name string) (*tiktoken.Tiktoken, error)
}

// NewTiktoken 创建计数器
func NewTiktoken(logger *zap.Logger) *Tiktoken {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiktoken{
		encodings:   make(map[string]*tiktoken.Tiktoken),
		failed:      make(map[string]bool),
		fallback:    NewEstimator(),
		logger:      logger.With(zap.String("component", "tokenizer")),
		getEncoding: tiktoken.GetEncoding,
	}
}

// CountTokens 实现 Counter
func (t *Tiktoken) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := t.encoding(EncodingForModel(model))
	if err != nil {
		return t.fallback.CountTokens(model, text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *Tiktoken) encoding(name string) (*tiktoken.Tiktoken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if enc, ok := t.encodings[name]; ok {
		return enc, nil
	}
	if t.failed[name] {
		return nil, fmt.Errorf("encoding %s unavailable", name)
	}

	enc, err := t.getEncoding(name)
	if err != nil {
		t.failed[name] = true
		t.logger.Warn("tiktoken encoding unavailable, falling back to estimator",
			zap.String("encoding", name), zap.Error(err))
		return nil, err
	}
	t.encodings[name] = enc
	return enc, nil
}

// =============================================================================
// 📏 字符估算器
// =============================================================================

// Estimator 按字符数估算 token：CJK 约 1.5 字符/token，其余约 4 字符/token
type Estimator struct{}

// NewEstimator 创建估算器
func NewEstimator() *Estimator { return &Estimator{} }

// CountTokens 实现 Counter
func (e *Estimator) CountTokens(_ string, text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
