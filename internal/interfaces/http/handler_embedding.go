package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

// EmbeddingHandler 直通嵌入端点
type EmbeddingHandler struct {
	embed  Embedder
	index  VectorIndex
	logger *zap.Logger
}

// NewEmbeddingHandler 创建嵌入处理器
func NewEmbeddingHandler(embed Embedder, index VectorIndex, logger *zap.Logger) *EmbeddingHandler {
	return &EmbeddingHandler{embed: embed, index: index, logger: logger}
}

type embedRequest struct {
	Texts []string `json:"texts" binding:"required"`
	Model string   `json:"model"`
}

// Embed 批量嵌入，返回向量与维度
func (h *EmbeddingHandler) Embed(c *gin.Context) {
	var req embedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	if len(req.Texts) == 0 {
		respondError(c, h.logger, apperrors.NewBadRequest("texts is required"))
		return
	}
	vectors, err := h.embed.Embeddings(c.Request.Context(), req.Texts, req.Model)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to embed texts", err))
		return
	}
	dimension := 0
	if len(vectors) > 0 {
		dimension = len(vectors[0])
	}
	respondOK(c, http.StatusOK, gin.H{
		"model":     h.modelName(req.Model),
		"dimension": dimension,
		"vectors":   vectors,
	})
}

func (h *EmbeddingHandler) modelName(requested string) string {
	if requested != "" {
		return requested
	}
	return h.embed.EmbedModel()
}

type embedUpsertRequest struct {
	Collection string           `json:"collection" binding:"required"`
	Texts      []string         `json:"texts" binding:"required"`
	Metadatas  []map[string]any `json:"metadatas"`
	IDs        []any            `json:"ids"`
	Model      string           `json:"model"`
}

// Upsert 嵌入并写入集合。集合不存在时按首个向量维度自动建立。
func (h *EmbeddingHandler) Upsert(c *gin.Context) {
	var req embedUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	if len(req.Texts) == 0 {
		respondError(c, h.logger, apperrors.NewBadRequest("texts is required"))
		return
	}
	ctx := c.Request.Context()
	vectors, err := h.embed.Embeddings(ctx, req.Texts, req.Model)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to embed texts", err))
		return
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		respondError(c, h.logger, apperrors.NewUpstream("empty embedding result", nil))
		return
	}
	dimension := len(vectors[0])
	if err := h.index.Ensure(ctx, req.Collection, dimension, qdrant.DistanceCosine); err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to ensure collection", err))
		return
	}

	payloads := make([]map[string]any, len(req.Texts))
	for i, t := range req.Texts {
		p := map[string]any{"text": t}
		if i < len(req.Metadatas) {
			for k, v := range req.Metadatas[i] {
				p[k] = v
			}
		}
		payloads[i] = p
	}
	if err := h.index.Upsert(ctx, req.Collection, vectors, payloads, req.IDs); err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to upsert points", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"collection": req.Collection,
		"dimension":  dimension,
		"count":      len(req.Texts),
	})
}

type embedSearchRequest struct {
	Collection string         `json:"collection" binding:"required"`
	Query      string         `json:"query" binding:"required"`
	TopK       int            `json:"top_k"`
	Filters    map[string]any `json:"filters"`
	Model      string         `json:"model"`
}

// Search 语义检索。集合不存在按零命中处理。
func (h *EmbeddingHandler) Search(c *gin.Context) {
	var req embedSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	ctx := c.Request.Context()
	vectors, err := h.embed.Embeddings(ctx, []string{req.Query}, req.Model)
	if err != nil || len(vectors) == 0 {
		respondError(c, h.logger, apperrors.NewUpstream("failed to embed query", err))
		return
	}
	exists, err := h.index.CollectionExists(ctx, req.Collection)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("vector index unavailable", err))
		return
	}
	if !exists {
		respondOK(c, http.StatusOK, gin.H{"collection": req.Collection, "matches": []gin.H{}})
		return
	}
	scored, err := h.index.Search(ctx, req.Collection, vectors[0], topK, req.Filters)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("search failed", err))
		return
	}
	matches := make([]gin.H, 0, len(scored))
	for _, p := range scored {
		matches = append(matches, gin.H{"id": p.ID, "score": p.Score, "payload": p.Payload})
	}
	respondOK(c, http.StatusOK, gin.H{"collection": req.Collection, "matches": matches})
}
