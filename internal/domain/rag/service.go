package rag

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/ollama"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

// TokenStream 流式生成的消费端视图
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Generator 文本生成引擎
type Generator interface {
	Generate(ctx context.Context, prompt, model string, opts ollama.Options) (*ollama.GenerateResult, error)
	GenerateStream(ctx context.Context, prompt, model string, opts ollama.Options) (TokenStream, error)
	Model() string
}

// Embedder 向量嵌入引擎
type Embedder interface {
	Embeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
	EmbedModel() string
}

// Index 向量索引（检索所需的最小子集）
type Index interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	GetInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	Search(ctx context.Context, name string, query []float32, topK int, filters map[string]any) ([]qdrant.ScoredPoint, error)
}

// ollamaGenerator 适配 *ollama.Client 到 Generator
type ollamaGenerator struct {
	c *ollama.Client
}

func (g ollamaGenerator) Generate(ctx context.Context, prompt, model string, opts ollama.Options) (*ollama.GenerateResult, error) {
	return g.c.Generate(ctx, prompt, model, opts)
}

func (g ollamaGenerator) GenerateStream(ctx context.Context, prompt, model string, opts ollama.Options) (TokenStream, error) {
	return g.c.GenerateStream(ctx, prompt, model, opts)
}

func (g ollamaGenerator) Model() string { return g.c.Model() }

// AsGenerator 把 *ollama.Client 包装成 Generator，供管线以外的直通端点复用
func AsGenerator(c *ollama.Client) Generator { return ollamaGenerator{c} }

// Config 管线默认值
type Config struct {
	DefaultCollection string
	DefaultTopK       int
	DefaultNumPredict int
}

// Service 问答管线
type Service struct {
	gen     Generator
	embed   Embedder
	index   Index
	cfg     Config
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewService 用真实引擎装配管线
func NewService(client *ollama.Client, index *qdrant.Client, cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) *Service {
	return newService(ollamaGenerator{client}, client, index, cfg, metrics, logger)
}

// NewServiceWith 用任意引擎实现装配管线
func NewServiceWith(gen Generator, embed Embedder, index Index, cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) *Service {
	return newService(gen, embed, index, cfg, metrics, logger)
}

func newService(gen Generator, embed Embedder, index Index, cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 3
	}
	if cfg.DefaultNumPredict <= 0 {
		cfg.DefaultNumPredict = 128
	}
	return &Service{gen: gen, embed: embed, index: index, cfg: cfg, metrics: metrics, logger: logger}
}

// AskRequest 问答入参（一次性与流式共用）
type AskRequest struct {
	Query      string         `json:"query" binding:"required"`
	UseRAG     bool           `json:"use_rag"`
	TopK       int            `json:"top_k"`
	Collection string         `json:"collection"`
	Model      string         `json:"model"`
	Options    map[string]any `json:"options"`
	Filters    map[string]any `json:"filters"`
}

// AskResponse 一次性问答结果
type AskResponse struct {
	Response string         `json:"response"`
	Sources  []Source       `json:"sources"`
	Meta     map[string]any `json:"meta"`
}

// NoInfoAnswer 无可用上下文时的兜底回答
const NoInfoAnswer = "未在文档中找到相关信息"

func (s *Service) collection(req *AskRequest) string {
	if req.Collection != "" {
		return req.Collection
	}
	return s.cfg.DefaultCollection
}

func (s *Service) topK(req *AskRequest) int {
	if req.TopK > 0 {
		return req.TopK
	}
	return s.cfg.DefaultTopK
}

func (s *Service) model(req *AskRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return s.gen.Model()
}

// generateOptions 注入保守默认生成参数
func (s *Service) generateOptions(req *AskRequest) ollama.Options {
	opts := ollama.Options(req.Options).Clone()
	if _, ok := opts["num_predict"]; !ok {
		opts["num_predict"] = s.cfg.DefaultNumPredict
	}
	if _, ok := opts["temperature"]; !ok {
		opts["temperature"] = 0.4
	}
	if _, ok := opts["top_p"]; !ok {
		opts["top_p"] = 0.9
	}
	if _, ok := opts["repeat_penalty"]; !ok {
		opts["repeat_penalty"] = 1.05
	}
	return opts
}

func (s *Service) observeEmbed(model string, start time.Time) {
	if s.metrics != nil {
		s.metrics.EmbedSeconds.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) observeRetrieval(collection string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RetrievalSeconds.WithLabelValues(collection).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) observeGenerate(model string, stream bool, start time.Time) {
	if s.metrics != nil {
		s.metrics.GenerateSeconds.WithLabelValues(model, strconv.FormatBool(stream)).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) countMatches(collection string, hasMatch bool) {
	if s.metrics != nil {
		s.metrics.RagMatchesTotal.WithLabelValues(collection, strconv.FormatBool(hasMatch)).Inc()
	}
}

// embedQuery 用专用嵌入模型嵌入问题
func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	model := s.embed.EmbedModel()
	start := time.Now()
	vecs, err := s.embed.Embeddings(ctx, []string{query}, model)
	s.observeEmbed(model, start)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("failed to get query embedding")
	}
	return vecs[0], nil
}

func toScoredDocs(points []qdrant.ScoredPoint) []ScoredDoc {
	out := make([]ScoredDoc, 0, len(points))
	for _, p := range points {
		out = append(out, ScoredDoc{ID: p.ID, Score: p.Score, Payload: p.Payload})
	}
	return out
}

// Ask 一次性问答
func (s *Service) Ask(ctx context.Context, req *AskRequest, tenant, requestID string) (*AskResponse, error) {
	model := s.model(req)

	if !req.UseRAG {
		opts := s.generateOptions(req)
		start := time.Now()
		res, err := s.gen.Generate(ctx, req.Query, model, opts)
		s.observeGenerate(model, false, start)
		if err != nil {
			return nil, apperrors.NewInternalWithCause("plain generation failed", err)
		}
		return &AskResponse{
			Response: res.Response,
			Sources:  []Source{},
			Meta:     map[string]any{"tenant": tenant, "request_id": requestID, "use_rag": false},
		}, nil
	}

	coll := s.collection(req)
	topK := s.topK(req)

	qvec, err := s.embedQuery(ctx, req.Query)
	if err != nil {
		return nil, apperrors.NewInternalWithCause("failed to get query embedding", err)
	}

	exists, err := s.index.CollectionExists(ctx, coll)
	if err != nil {
		return nil, apperrors.NewUpstream("vector index unavailable", err)
	}
	if !exists {
		// 集合缺失按无命中处理，不报错
		return &AskResponse{
			Response: NoInfoAnswer,
			Sources:  []Source{},
			Meta:     map[string]any{"tenant": tenant, "request_id": requestID, "use_rag": true, "collection": coll, "matches": 0},
		}, nil
	}

	start := time.Now()
	scored, err := s.index.Search(ctx, coll, qvec, topK, req.Filters)
	s.observeRetrieval(coll, start)
	if err != nil {
		return nil, apperrors.NewInternalWithCause("rag retrieval failed", err)
	}

	contexts, sources := prepareContexts(toScoredDocs(scored), UnaryCaps)
	if len(contexts) == 0 {
		s.countMatches(coll, false)
		return &AskResponse{
			Response: NoInfoAnswer,
			Sources:  []Source{},
			Meta:     map[string]any{"tenant": tenant, "request_id": requestID, "use_rag": true, "collection": coll, "top_k": topK, "match": false},
		}, nil
	}

	prompt := buildPrompt(req.Query, contexts)
	opts := s.generateOptions(req)
	genStart := time.Now()
	res, err := s.gen.Generate(ctx, prompt, model, opts)
	s.observeGenerate(model, false, genStart)
	if err != nil {
		return nil, apperrors.NewInternalWithCause("rag generation failed", err)
	}
	s.countMatches(coll, len(scored) > 0)

	return &AskResponse{
		Response: res.Response,
		Sources:  sources,
		Meta: map[string]any{
			"tenant": tenant, "request_id": requestID, "use_rag": true,
			"collection": coll, "top_k": topK, "match": len(scored) > 0,
		},
	}, nil
}

// PreflightResult 检索体检结果。依赖故障时软失败（ok=false + error）。
type PreflightResult struct {
	OK            bool           `json:"ok"`
	RequestID     string         `json:"request_id"`
	ContextsCount int            `json:"contexts_count"`
	CtxTotalLen   int            `json:"ctx_total_len"`
	MaxScore      float64        `json:"max_score"`
	AvgScore      float64        `json:"avg_score"`
	Collection    string         `json:"collection"`
	Sources       []Source       `json:"sources"`
	Meta          map[string]any `json:"meta"`
	Error         string         `json:"error,omitempty"`
}

// Preflight 只做嵌入与检索，报告上下文质量，不触发生成
func (s *Service) Preflight(ctx context.Context, req *AskRequest, tenant, requestID string) *PreflightResult {
	coll := s.collection(req)
	result := &PreflightResult{
		RequestID:  requestID,
		Collection: coll,
		Sources:    []Source{},
		Meta:       map[string]any{"tenant": tenant, "request_id": requestID, "top_k": s.topK(req)},
	}
	softFail := func(err error) *PreflightResult {
		result.Error = err.Error()
		return result
	}

	qvec, err := s.embedQuery(ctx, req.Query)
	if err != nil {
		return softFail(err)
	}
	exists, err := s.index.CollectionExists(ctx, coll)
	if err != nil {
		return softFail(err)
	}
	if !exists {
		return result
	}
	start := time.Now()
	scored, err := s.index.Search(ctx, coll, qvec, s.topK(req), req.Filters)
	s.observeRetrieval(coll, start)
	if err != nil {
		return softFail(err)
	}

	contexts, sources := prepareContexts(toScoredDocs(scored), UnaryCaps)
	result.ContextsCount = len(contexts)
	result.CtxTotalLen = contextsTotalLen(contexts)
	result.Sources = sources
	for _, s := range scored {
		if s.Score > result.MaxScore {
			result.MaxScore = s.Score
		}
		result.AvgScore += s.Score
	}
	if len(scored) > 0 {
		result.AvgScore /= float64(len(scored))
	}
	result.OK = len(contexts) > 0
	return result
}
