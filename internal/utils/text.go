// internal/utils/text.go
package utils

import (
	"strings"
	"sync"

	"github.com/aryann/difflib"
	"github.com/pkoukk/tiktoken-go"
)

// TruncateRunes 按字符（非字节）截取前 n 个
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// RuneCount 字符数
func RuneCount(s string) int {
	return len([]rune(s))
}

// TokenCounter 估算 token 数
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter 基于 cl100k_base，只用于日志估算，不参与截断
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewTiktokenCounter 延迟加载编码表（首次可能需要下载）
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{}
}

// Count 编码失败时退回按字符估算
func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
	})
	if c.err != nil || c.enc == nil {
		return RuneCount(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// LineDelta 行级差异类型
type LineDelta int

const (
	LineEqual LineDelta = iota
	LineDeleted
	LineInserted
)

// LineChange 一行差异
type LineChange struct {
	Delta LineDelta
	Text  string
}

// DiffLines 对比两段文本，a 为旧文本
func DiffLines(a, b string) []LineChange {
	recs := difflib.Diff(splitLines(a), splitLines(b))
	out := make([]LineChange, 0, len(recs))
	for _, r := range recs {
		switch r.Delta {
		case difflib.Common:
			out = append(out, LineChange{Delta: LineEqual, Text: r.Payload})
		case difflib.LeftOnly:
			out = append(out, LineChange{Delta: LineDeleted, Text: r.Payload})
		case difflib.RightOnly:
			out = append(out, LineChange{Delta: LineInserted, Text: r.Payload})
		}
	}
	return out
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}
