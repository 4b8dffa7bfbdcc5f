// Package qdrant 封装向量索引的 REST 调用。
// 所有操作对调用方呈同步语义；引擎侧可能阻塞，由上层决定是否放入工作协程。
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Distance 距离度量
type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceEuclid Distance = "Euclid"
	DistanceDot    Distance = "Dot"
)

// ParseDistance 解析用户输入的距离名（COSINE/EUCLID/DOT，大小写不敏感风格从宽）
func ParseDistance(s string) (Distance, error) {
	switch s {
	case "", "COSINE", "Cosine", "cosine":
		return DistanceCosine, nil
	case "EUCLID", "Euclid", "euclid":
		return DistanceEuclid, nil
	case "DOT", "Dot", "dot":
		return DistanceDot, nil
	}
	return "", fmt.Errorf("invalid distance: %s", s)
}

// ScoredPoint 检索命中
type ScoredPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Point 滚动/取回得到的点。Vector 可能是数组，也可能是命名向量映射。
type Point struct {
	ID      any            `json:"id"`
	Vector  any            `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Client Qdrant REST 客户端
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient 创建客户端
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

type apiEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("qdrant %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode qdrant response: %w", err)
	}
	if len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

var errNotFound = fmt.Errorf("qdrant: not found")

// CollectionExists 判断集合是否存在
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, &json.RawMessage{})
	if err == errNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetInfo 返回集合原始信息
func (c *Client) GetInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	var raw map[string]any
	if err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, &raw); err != nil {
		return nil, err
	}
	return newCollectionInfo(raw), nil
}

// List 返回全部集合名
func (c *Client) List(ctx context.Context) ([]string, error) {
	var out struct {
		Collections []struct {
			Name string `json:"name"`
		} `json:"collections"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections", nil, &out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.Collections))
	for _, col := range out.Collections {
		names = append(names, col.Name)
	}
	return names, nil
}

// Ensure 确保集合存在且向量维度一致。维度不匹配时删除重建，
// 避免检索期的 "Vector dimension error"。
func (c *Client) Ensure(ctx context.Context, name string, size int, distance Distance) error {
	exists, err := c.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		info, err := c.GetInfo(ctx, name)
		if err != nil {
			// 读不出配置时按原样使用，失败推迟到检索期暴露
			c.logger.Warn("ensure: failed to introspect collection, using as-is",
				zap.String("collection", name), zap.Error(err))
			return nil
		}
		if info.VectorSize == 0 || info.VectorSize == size {
			return nil
		}
		if err := c.Drop(ctx, name); err != nil {
			return err
		}
	}
	body := map[string]any{
		"vectors": map[string]any{"size": size, "distance": string(distance)},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
}

// Drop 删除集合
func (c *Client) Drop(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
	if err == errNotFound {
		return nil
	}
	return err
}

// Clear 清空集合中的全部点（保留 schema）。按批滚动 ID 再删除，
// 不依赖服务端的全选删除支持。
func (c *Client) Clear(ctx context.Context, name string) error {
	var offset any
	for {
		points, next, err := c.Scroll(ctx, name, ScrollParams{Limit: 1000, Offset: offset})
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return nil
		}
		ids := make([]any, 0, len(points))
		for _, p := range points {
			ids = append(ids, p.ID)
		}
		if err := c.DeleteByIDs(ctx, name, ids); err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		offset = next
	}
}

// Upsert 写入向量。缺失的 id 用随机 UUID 填充。
func (c *Client) Upsert(ctx context.Context, name string, vectors [][]float32, payloads []map[string]any, ids []any) error {
	points := make([]map[string]any, 0, len(vectors))
	for i, vec := range vectors {
		var id any
		if i < len(ids) && ids[i] != nil {
			id = ids[i]
		} else {
			id = uuid.NewString()
		}
		point := map[string]any{"id": id, "vector": vec}
		if i < len(payloads) && payloads[i] != nil {
			point["payload"] = payloads[i]
		}
		points = append(points, point)
	}
	body := map[string]any{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+name+"/points?wait=true", body, nil)
}

// buildFilter 把扁平的 {key: value} 过滤条件转为 must 匹配
func buildFilter(filters map[string]any) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filters))
	for k, v := range filters {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	return map[string]any{"must": must}
}

// Search 向量检索
func (c *Client) Search(ctx context.Context, name string, query []float32, topK int, filters map[string]any) ([]ScoredPoint, error) {
	body := map[string]any{
		"vector":       query,
		"limit":        topK,
		"with_payload": true,
	}
	if f := buildFilter(filters); f != nil {
		body["filter"] = f
	}
	var out []ScoredPoint
	if err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/search", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ScrollParams 滚动读取参数
type ScrollParams struct {
	Limit       int
	Offset      any
	WithVectors bool
	WithPayload bool
	Filters     map[string]any
}

// Scroll 分页全量读取，返回 (points, next_offset)。next_offset 为 nil 表示读尽。
func (c *Client) Scroll(ctx context.Context, name string, p ScrollParams) ([]Point, any, error) {
	if p.Limit <= 0 {
		p.Limit = 1000
	}
	body := map[string]any{
		"limit":        p.Limit,
		"with_vector":  p.WithVectors,
		"with_payload": p.WithPayload,
	}
	if p.Offset != nil {
		body["offset"] = p.Offset
	}
	if f := buildFilter(p.Filters); f != nil {
		body["filter"] = f
	}
	var out struct {
		Points         []Point `json:"points"`
		NextPageOffset any     `json:"next_page_offset"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/scroll", body, &out); err != nil {
		return nil, nil, err
	}
	return out.Points, out.NextPageOffset, nil
}

// DeleteByIDs 按 ID 删除点
func (c *Client) DeleteByIDs(ctx context.Context, name string, ids []any) error {
	body := map[string]any{"points": ids}
	return c.do(ctx, http.MethodPost, "/collections/"+name+"/points/delete?wait=true", body, nil)
}

// DeleteByFilter 按过滤条件删除，返回受影响数量。
// 先用精确 count 得到数量，再执行删除，避免长扫描。
func (c *Client) DeleteByFilter(ctx context.Context, name string, filters map[string]any) (int, error) {
	count, err := c.Count(ctx, name, filters, true)
	if err != nil {
		count = 0
	}
	body := map[string]any{"filter": buildFilter(filters)}
	if err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/delete?wait=true", body, nil); err != nil {
		return 0, err
	}
	return count, nil
}

// Count 统计满足条件的点数
func (c *Client) Count(ctx context.Context, name string, filters map[string]any, exact bool) (int, error) {
	body := map[string]any{"exact": exact}
	if f := buildFilter(filters); f != nil {
		body["filter"] = f
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/count", body, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Retrieve 按 ID 取回点
func (c *Client) Retrieve(ctx context.Context, name string, ids []any, withVectors, withPayload bool) ([]Point, error) {
	body := map[string]any{
		"ids":          ids,
		"with_vector":  withVectors,
		"with_payload": withPayload,
	}
	var out []Point
	if err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
