// Package cache 提供嵌入向量的两级缓存（进程内 LRU 池 + Redis）。
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// KeyStrategy 缓存键生成策略接口。
type KeyStrategy interface {
	// GenerateKey 为归一化文本生成缓存键。
	GenerateKey(text string) string

	// Name 返回策略名称（用于日志和调试）。
	Name() string
}

// FingerprintStrategy 基于 sha256 的指纹策略。
// 指纹包含模型标识和维度，不同模型产生的向量不会发生键冲突。
type FingerprintStrategy struct {
	model      string
	dimensions int
}

// NewFingerprintStrategy 创建指纹策略。
func NewFingerprintStrategy(model string, dimensions int) *FingerprintStrategy {
	return &FingerprintStrategy{model: model, dimensions: dimensions}
}

// Name 返回策略名称。
func (s *FingerprintStrategy) Name() string {
	return "fingerprint"
}

// GenerateKey 生成指纹键。文本仅做 trim（保留大小写）。
func (s *FingerprintStrategy) GenerateKey(text string) string {
	normalized := NormalizeText(text)
	h := sha256.New()
	h.Write([]byte(s.model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(s.dimensions)))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]) // 使用前 16 字节
}

// NormalizeText 归一化缓存查找用文本：去首尾空白，保留大小写。
func NormalizeText(text string) string {
	return strings.TrimSpace(text)
}
