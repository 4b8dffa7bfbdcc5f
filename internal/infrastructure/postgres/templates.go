// Package postgres 提供只读 SQL 模板查询：白名单模板 + SELECT 校验 +
// 行数上限 + 单模板超时 + 审计环。禁止任何写语句到达数据库。
package postgres

import (
	"fmt"
	"regexp"
	"sort"
)

// Template 单个版本的模板定义。SQL 使用 @name 形式的命名参数。
type Template struct {
	SQL       string `json:"sql"`
	MaxRows   int    `json:"max_rows"`
	TimeoutMS int    `json:"timeout_ms"`
}

// 内置模板表：template_id → version → Template
var builtinTemplates = map[string]map[string]Template{
	"echo_int": {
		"v1": {
			SQL:       "SELECT @x::int AS x",
			MaxRows:   1000,
			TimeoutMS: 3000,
		},
	},
}

var (
	selectPrefix = regexp.MustCompile(`(?i)^SELECT\b`)
	// 注释、多语句与一切写操作关键字
	forbiddenPattern = regexp.MustCompile(`(?i);|--|/\*|\*/|\b(INSERT|UPDATE|DELETE|ALTER|DROP|CREATE|GRANT|REVOKE|TRUNCATE|MERGE|CALL|DO)\b`)
)

// ValidateSQL 只允许单条 SELECT，不允许注释与写关键字
func ValidateSQL(sql string) error {
	if !selectPrefix.MatchString(trimSpace(sql)) {
		return fmt.Errorf("only SELECT is allowed")
	}
	if forbiddenPattern.MatchString(sql) {
		return fmt.Errorf("forbidden statement or comment detected")
	}
	return nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// WrapWithLimit 外包一层 LIMIT，不改写原语句语义
func WrapWithLimit(sql string, maxRows int) string {
	return fmt.Sprintf("SELECT * FROM ( %s ) __t__ LIMIT %d", sql, maxRows)
}

// ResolveTemplate 解析模板与版本。version 为空或不存在时取字典序最新版本。
func ResolveTemplate(templateID, version string) (Template, string, error) {
	versions, ok := builtinTemplates[templateID]
	if !ok {
		return Template{}, "", fmt.Errorf("unknown template_id: %s", templateID)
	}
	if version != "" {
		if tpl, ok := versions[version]; ok {
			return tpl, version, nil
		}
	}
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return Template{}, "", fmt.Errorf("no available template version")
	}
	sort.Strings(keys)
	latest := keys[len(keys)-1]
	return versions[latest], latest, nil
}

// ListTemplates 返回 template_id → 版本列表（字典序）
func ListTemplates() map[string][]string {
	out := make(map[string][]string, len(builtinTemplates))
	for id, versions := range builtinTemplates {
		keys := make([]string, 0, len(versions))
		for k := range versions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out[id] = keys
	}
	return out
}
