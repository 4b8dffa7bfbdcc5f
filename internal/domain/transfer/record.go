// Package transfer 负责集合数据的批量搬运：NDJSON 导入、
// 后台导出任务与浏览器友好的流式下载。
package transfer

import (
	"context"
	"encoding/json"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
)

// Index 搬运所需的向量索引能力，*qdrant.Client 即满足。
type Index interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	GetInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	Scroll(ctx context.Context, name string, p qdrant.ScrollParams) ([]qdrant.Point, any, error)
	Upsert(ctx context.Context, name string, vectors [][]float32, payloads []map[string]any, ids []any) error
	Retrieve(ctx context.Context, name string, ids []any, withVectors, withPayload bool) ([]qdrant.Point, error)
}

// exportRecord 导出文件中的一行。未请求的字段写为 null。
type exportRecord struct {
	ID      any `json:"id"`
	Vector  any `json:"vector"`
	Payload any `json:"payload"`
}

// unwrapVector 命名向量配置下只有一个向量时取其值
func unwrapVector(v any) any {
	if named, ok := v.(map[string]any); ok && len(named) == 1 {
		for _, inner := range named {
			return inner
		}
	}
	return v
}

func marshalRecord(p qdrant.Point, withVectors, withPayload bool) ([]byte, error) {
	rec := exportRecord{ID: p.ID}
	if withVectors {
		rec.Vector = unwrapVector(p.Vector)
	}
	if withPayload && p.Payload != nil {
		rec.Payload = p.Payload
	}
	return json.Marshal(rec)
}

// downloadLine 与文件导出不同：未请求的字段整个省略
func downloadLine(p qdrant.Point, withVectors, withPayload bool) ([]byte, error) {
	obj := map[string]any{"id": p.ID}
	if withVectors {
		obj["vector"] = unwrapVector(p.Vector)
	}
	if withPayload {
		obj["payload"] = p.Payload
	}
	return json.Marshal(obj)
}
