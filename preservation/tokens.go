package preservation

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter 估算文本 Token 数
type TokenCounter interface {
	CountTokens(text string) int
}

// ByteCounter 按 4 字节 ≈ 1 Token 粗略估算
type ByteCounter struct{}

// CountTokens 实现 TokenCounter
func (ByteCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TiktokenCounter 基于 tiktoken 编码计数。编码数据首次使用时加载，
// 加载失败后退化为 ByteCounter。
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
	fallback ByteCounter
}

// NewTiktokenCounter 创建计数器，encoding 为空时使用 cl100k_base
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Err 返回编码加载错误，未加载或成功时为 nil
func (t *TiktokenCounter) Err() error {
	return t.init()
}

// CountTokens 实现 TokenCounter
func (t *TiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}
