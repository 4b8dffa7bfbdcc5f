package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// embedRequest 对应 /api/embeddings 请求体
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embedResponse 对应 /api/embeddings 响应体
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embeddings 为每段文本生成向量。保证 len(result) == len(texts)，
// 且所有向量维度一致；任何一段失败即整体失败。
func (c *Client) Embeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = c.EmbedModel()
	}
	embedCtx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
	defer cancel()

	vectors := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := c.embedOne(embedCtx, text, model)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		if len(vectors) > 0 && len(vec) != len(vectors[0]) {
			return nil, fmt.Errorf("embedding dimension drift: %d vs %d", len(vec), len(vectors[0]))
		}
		vectors = append(vectors, vec)
	}
	c.logger.Debug("embeddings generated",
		zap.String("model", model),
		zap.Int("texts", len(texts)),
	)
	return vectors, nil
}

func (c *Client) embedOne(ctx context.Context, text, model string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return out.Embedding, nil
}
