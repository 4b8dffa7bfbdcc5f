package qdrant

// CollectionInfo 集合元信息。VectorSize 为 0 表示无法从返回结构中识别维度。
type CollectionInfo struct {
	VectorSize  int
	Distance    string
	PointsCount int64
	Raw         map[string]any
}

func newCollectionInfo(raw map[string]any) *CollectionInfo {
	info := &CollectionInfo{Raw: raw}
	if n, ok := raw["points_count"].(float64); ok {
		info.PointsCount = int64(n)
	}
	size, dist := extractVectorConfig(raw)
	info.VectorSize = size
	info.Distance = dist
	return info
}

// extractVectorConfig 在多代服务端返回结构间探测向量配置。
// 依次尝试 config.params.vectors / params.vectors / params / vectors；
// 命名向量配置取首个条目。
func extractVectorConfig(raw map[string]any) (int, string) {
	candidates := []any{
		dig(raw, "config", "params", "vectors"),
		dig(raw, "params", "vectors"),
		dig(raw, "params"),
		raw["vectors"],
	}
	for _, cand := range candidates {
		node, ok := cand.(map[string]any)
		if !ok {
			continue
		}
		if size, dist, ok := vectorParams(node); ok {
			return size, dist
		}
		// 命名向量：{name: {size, distance}}
		for _, v := range node {
			if sub, ok := v.(map[string]any); ok {
				if size, dist, ok := vectorParams(sub); ok {
					return size, dist
				}
			}
		}
	}
	return 0, ""
}

func vectorParams(node map[string]any) (int, string, bool) {
	size, ok := node["size"].(float64)
	if !ok || size <= 0 {
		return 0, "", false
	}
	dist, _ := node["distance"].(string)
	return int(size), dist, true
}

func dig(m map[string]any, keys ...string) any {
	cur := any(m)
	for _, k := range keys {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = node[k]
	}
	return cur
}
