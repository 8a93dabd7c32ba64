package memory

import (
	"strings"

	"github.com/BaSui01/memflow/types"
)

// Summarize 将内容压缩为 ≤200 字符的摘要：
// 折叠空白后在词边界处截断（rune 安全）。
func Summarize(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	return truncateText(collapsed, types.SummaryMaxLen)
}

// truncateText 截断文本到指定 rune 数，在词边界处截断。
func truncateText(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	// 预留省略号
	truncated := string(runes[:maxLen-3])
	lastSpace := strings.LastIndex(truncated, " ")
	if lastSpace > len(truncated)/2 {
		truncated = truncated[:lastSpace]
	}
	return truncated + "..."
}
