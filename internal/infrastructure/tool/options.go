package tool

import (
	"fmt"
	"math"
)

// optInt 取整型选项。JSON 反序列化后的数字是 float64，这里只接受整数值。
// 缺省返回 def；存在但非整数返回错误。
func optInt(opts map[string]any, key string, def int) (int, error) {
	raw, ok := opts[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("options.%s must be an integer", key)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("options.%s must be an integer", key)
	}
}

// optIntDefault 同 optInt，但类型不符时直接回退默认值（用于非校验路径）
func optIntDefault(opts map[string]any, key string, def int) int {
	v, err := optInt(opts, key, def)
	if err != nil {
		return def
	}
	return v
}

func optBool(opts map[string]any, key string) bool {
	v, ok := opts[key].(bool)
	return ok && v
}

func optString(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}

// optStrings 取字符串列表选项（allow_hosts/deny_hosts）。
// 缺省返回 nil；非字符串成员被忽略。
func optStrings(opts map[string]any, key string) []string {
	raw, ok := opts[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
