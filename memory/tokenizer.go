package memory

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer 上下文组装使用的 token 计数接口。
type Tokenizer interface {
	// CountTokens 返回文本的 token 数。
	CountTokens(text string) int
}

// TiktokenCounter 基于 tiktoken 的计数器。
// 编码数据不可用时（首次使用需下载）回退到字符估算并记录警告日志。
type TiktokenCounter struct {
	encoding string
	logger   *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenCounter 创建 tiktoken 计数器。encoding 为空时使用 cl100k_base。
func NewTiktokenCounter(encoding string, logger *zap.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenCounter{encoding: encoding, logger: logger}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = err
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens 返回文本的 token 数，失败时回退到估算。
func (t *TiktokenCounter) CountTokens(text string) int {
	if err := t.init(); err != nil {
		t.logger.Warn("tiktoken unavailable, falling back to estimate", zap.Error(err))
		return EstimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// EstimatorCounter 不依赖外部编码数据的估算计数器（CJK 感知）。
type EstimatorCounter struct{}

// CountTokens 估算文本的 token 数。
func (EstimatorCounter) CountTokens(text string) int {
	return EstimateTokens(text)
}

// EstimateTokens CJK 字符按 1 token 计，其余按 4 字符 1 token 估算。
func EstimateTokens(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	n := cjk + (other+3)/4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
