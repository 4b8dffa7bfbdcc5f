// Package rag 实现问答管线：嵌入 → 维度校验 → 检索 → 拼装提示词 →
// 生成（一次性或流式，流式带首块竞速与心跳）。
package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ContextCaps 上下文拼装的上限。流式比一次性更紧，控制提示词长度。
type ContextCaps struct {
	MaxDocs        int
	PerDocMaxChars int
	TotalMaxChars  int
}

var (
	// UnaryCaps 一次性问答的上下文上限
	UnaryCaps = ContextCaps{MaxDocs: 5, PerDocMaxChars: 500, TotalMaxChars: 2000}
	// StreamCaps 流式问答的上下文上限
	StreamCaps = ContextCaps{MaxDocs: 3, PerDocMaxChars: 300, TotalMaxChars: 900}
)

// Source 返回给调用方的命中来源
type Source struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// ScoredDoc 检索命中的最小视图
type ScoredDoc struct {
	ID      any
	Score   float64
	Payload map[string]any
}

// prepareContexts 按分值顺序去重、截断并累计上下文。
// sources 与 contexts 同序、同长。
func prepareContexts(scored []ScoredDoc, caps ContextCaps) ([]string, []Source) {
	seen := make(map[string]struct{})
	var contexts []string
	var sources []Source
	total := 0
	for _, s := range scored {
		if s.Payload == nil {
			continue
		}
		text, _ := s.Payload["text"].(string)
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		snippet := truncate(text, caps.PerDocMaxChars)
		if total+len(snippet) > caps.TotalMaxChars {
			break
		}
		contexts = append(contexts, snippet)
		total += len(snippet)
		sources = append(sources, Source{ID: s.ID, Score: s.Score, Payload: s.Payload})
		if len(contexts) >= caps.MaxDocs {
			break
		}
	}
	return contexts, sources
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	// 字节截断会切坏多字节字符，回退到最近的 rune 边界
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// buildPrompt 上下文在前、问题在后；无上下文时退化为裸问题。
func buildPrompt(query string, contexts []string) string {
	if len(contexts) == 0 {
		return query
	}
	var blocks []string
	for i, c := range contexts {
		blocks = append(blocks, fmt.Sprintf("[DOC %d] %s", i+1, c))
	}
	return "你是一个知识库问答助手。\n" +
		"请仅依据提供的文档上下文来回答问题；\n" +
		"如果文档中没有相关信息，请明确回答'未在文档中找到相关信息'，不要编造。\n\n" +
		"[文档上下文]\n" + strings.Join(blocks, "\n\n") + "\n\n" +
		"[用户问题]\n" + query + "\n\n" +
		"请用简洁中文回答。"
}

func contextsTotalLen(contexts []string) int {
	total := 0
	for _, c := range contexts {
		total += len(c)
	}
	return total
}
