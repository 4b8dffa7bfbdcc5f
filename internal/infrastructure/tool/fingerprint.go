package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Fingerprint 工具调用的稳定指纹：限流、单飞、缓存与熔断共用此键。
// 规范化编码：map 键排序、无多余空白（encoding/json 的默认行为）。
func Fingerprint(tenant, toolType, toolName string, params, normalized map[string]any) string {
	base := map[string]any{
		"params":     orEmpty(params),
		"normalized": orEmpty(normalized),
	}
	blob, err := json.Marshal(base)
	if err != nil {
		blob = []byte(fmt.Sprintf("%v", base))
	}
	sum := sha256.Sum256(blob)
	return strings.Join([]string{
		tenant,
		strings.ToLower(toolType),
		strings.ToLower(toolName),
		hex.EncodeToString(sum[:]),
	}, ":")
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
