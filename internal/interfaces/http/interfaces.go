package http

import (
	"context"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
)

// VectorIndex 集合管理端点依赖的向量索引操作
type VectorIndex interface {
	List(ctx context.Context) ([]string, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	GetInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	Ensure(ctx context.Context, name string, size int, distance qdrant.Distance) error
	Drop(ctx context.Context, name string) error
	Clear(ctx context.Context, name string) error
	DeleteByIDs(ctx context.Context, name string, ids []any) error
	DeleteByFilter(ctx context.Context, name string, filters map[string]any) (int, error)
	Upsert(ctx context.Context, name string, vectors [][]float32, payloads []map[string]any, ids []any) error
	Search(ctx context.Context, name string, query []float32, topK int, filters map[string]any) ([]qdrant.ScoredPoint, error)
}

// Embedder 嵌入端点依赖的嵌入引擎
type Embedder interface {
	Embeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
	EmbedModel() string
}
