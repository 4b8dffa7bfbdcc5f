package tool

import (
	"fmt"
	"strings"
)

// 敏感键（小写比较）。命中的值在回显与日志中脱敏，外呼仍使用原值。
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"authorization": {},
	"cookie":        {},
	"api_key":       {},
	"apikey":        {},
	"password":      {},
}

func maskValue(v any) any {
	if v == nil {
		return nil
	}
	// 按 rune 截取，多字节值不能切在半个字符上
	r := []rune(fmt.Sprintf("%v", v))
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:2]) + "***" + string(r[len(r)-2:])
}

// Mask 递归脱敏对象与数组中的敏感键
func Mask(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
				out[k] = maskValue(item)
			} else {
				out[k] = Mask(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Mask(item)
		}
		return out
	default:
		return v
	}
}
