package rag

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/ollama"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
)

type fakeStream struct {
	mu         sync.Mutex
	chunks     []string
	idx        int
	firstDelay time.Duration
	interDelay time.Duration
	closed     bool
}

func (f *fakeStream) Recv() (string, error) {
	f.mu.Lock()
	idx := f.idx
	f.idx++
	f.mu.Unlock()
	if idx == 0 && f.firstDelay > 0 {
		time.Sleep(f.firstDelay)
	}
	if idx > 0 && f.interDelay > 0 {
		time.Sleep(f.interDelay)
	}
	if idx >= len(f.chunks) {
		return "", io.EOF
	}
	return f.chunks[idx], nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeGen struct {
	mu         sync.Mutex
	lastOpts   ollama.Options
	lastPrompt string
	response   string
	genErr     error
	// streamFor 按提示词挑选流；nil 时返回默认两块流
	streamFor func(prompt string) *fakeStream
}

func (g *fakeGen) Generate(_ context.Context, prompt, _ string, opts ollama.Options) (*ollama.GenerateResult, error) {
	g.mu.Lock()
	g.lastPrompt = prompt
	g.lastOpts = opts
	g.mu.Unlock()
	if g.genErr != nil {
		return nil, g.genErr
	}
	return &ollama.GenerateResult{Response: g.response}, nil
}

func (g *fakeGen) GenerateStream(_ context.Context, prompt, _ string, opts ollama.Options) (TokenStream, error) {
	g.mu.Lock()
	g.lastPrompt = prompt
	g.lastOpts = opts
	g.mu.Unlock()
	if g.streamFor != nil {
		return g.streamFor(prompt), nil
	}
	return &fakeStream{chunks: []string{"hello", " world"}}, nil
}

func (g *fakeGen) Model() string { return "test-model" }

type fakeEmbed struct {
	vec []float32
	err error
}

func (e *fakeEmbed) Embeddings(_ context.Context, texts []string, _ string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}

func (e *fakeEmbed) EmbedModel() string { return "test-embed" }

type fakeIndex struct {
	mu           sync.Mutex
	exists       bool
	info         *qdrant.CollectionInfo
	hits         []qdrant.ScoredPoint
	searchCalled bool
}

func (f *fakeIndex) CollectionExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeIndex) GetInfo(context.Context, string) (*qdrant.CollectionInfo, error) {
	if f.info == nil {
		return &qdrant.CollectionInfo{}, nil
	}
	return f.info, nil
}

func (f *fakeIndex) Search(context.Context, string, []float32, int, map[string]any) ([]qdrant.ScoredPoint, error) {
	f.mu.Lock()
	f.searchCalled = true
	f.mu.Unlock()
	return f.hits, nil
}

func (f *fakeIndex) SearchCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalled
}

func newTestService(gen *fakeGen, embed *fakeEmbed, index *fakeIndex) *Service {
	return newService(gen, embed, index, Config{
		DefaultCollection: "docs",
		DefaultTopK:       3,
		DefaultNumPredict: 128,
	}, monitoring.New(), nil)
}

func longDoc(tag string) string {
	return tag + ": " + strings.Repeat("这是一段足够长的文档内容。", 10)
}

func hit(id string, score float64, text string) qdrant.ScoredPoint {
	return qdrant.ScoredPoint{ID: id, Score: score, Payload: map[string]any{"text": text}}
}

func TestPrepareContextsDedupAndCaps(t *testing.T) {
	scored := []ScoredDoc{
		{ID: "a", Score: 0.9, Payload: map[string]any{"text": "alpha"}},
		{ID: "b", Score: 0.8, Payload: map[string]any{"text": "alpha"}}, // 重复文本
		{ID: "c", Score: 0.7, Payload: map[string]any{"other": 1}},      // 无 text
		{ID: "d", Score: 0.6, Payload: map[string]any{"text": strings.Repeat("x", 600)}},
		{ID: "e", Score: 0.5, Payload: map[string]any{"text": "tail"}},
	}
	contexts, sources := prepareContexts(scored, UnaryCaps)
	if len(contexts) != 3 {
		t.Fatalf("contexts = %d, want 3 (dedup + skip no-text)", len(contexts))
	}
	if len(contexts[1]) != 500 {
		t.Errorf("per-doc truncation: len = %d, want 500", len(contexts[1]))
	}
	if sources[0].ID != "a" || sources[2].ID != "e" {
		t.Errorf("sources order = %v", sources)
	}

	// max_docs 截停
	var many []ScoredDoc
	for i := 0; i < 10; i++ {
		many = append(many, ScoredDoc{ID: i, Score: 1, Payload: map[string]any{"text": fmt.Sprintf("doc-%d", i)}})
	}
	contexts, _ = prepareContexts(many, UnaryCaps)
	if len(contexts) != UnaryCaps.MaxDocs {
		t.Errorf("max docs: %d, want %d", len(contexts), UnaryCaps.MaxDocs)
	}
}

func TestBuildPrompt(t *testing.T) {
	if got := buildPrompt("q?", nil); got != "q?" {
		t.Errorf("bare question: %q", got)
	}
	got := buildPrompt("问题", []string{"c1", "c2"})
	if !strings.Contains(got, "[DOC 1] c1") || !strings.Contains(got, "[DOC 2] c2") {
		t.Errorf("docs missing: %q", got)
	}
	if !strings.Contains(got, "[用户问题]\n问题") {
		t.Errorf("question placement: %q", got)
	}
}

func TestAskPlainInjectsDefaults(t *testing.T) {
	gen := &fakeGen{response: "你好"}
	svc := newTestService(gen, &fakeEmbed{vec: []float32{1}}, &fakeIndex{})

	res, err := svc.Ask(context.Background(), &AskRequest{Query: "hi", UseRAG: false}, "t", "rid")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Response != "你好" || len(res.Sources) != 0 {
		t.Errorf("res = %+v", res)
	}
	if gen.lastOpts["temperature"] != 0.4 || gen.lastOpts["top_p"] != 0.9 || gen.lastOpts["repeat_penalty"] != 1.05 {
		t.Errorf("default options not injected: %v", gen.lastOpts)
	}
	if gen.lastOpts["num_predict"] != 128 {
		t.Errorf("num_predict = %v", gen.lastOpts["num_predict"])
	}

	// 调用方给定的值不被覆盖
	svc.Ask(context.Background(), &AskRequest{Query: "hi", Options: map[string]any{"num_predict": 8, "temperature": 0.9}}, "t", "rid")
	if gen.lastOpts["num_predict"] != 8 || gen.lastOpts["temperature"] != 0.9 {
		t.Errorf("caller options overridden: %v", gen.lastOpts)
	}
}

func TestAskRAGMissingCollectionIsGraceful(t *testing.T) {
	svc := newTestService(&fakeGen{}, &fakeEmbed{vec: []float32{1, 2}}, &fakeIndex{exists: false})
	res, err := svc.Ask(context.Background(), &AskRequest{Query: "q", UseRAG: true}, "t", "rid")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Response != NoInfoAnswer {
		t.Errorf("response = %q", res.Response)
	}
}

func TestAskRAGNoUsableContexts(t *testing.T) {
	index := &fakeIndex{exists: true, hits: []qdrant.ScoredPoint{
		{ID: "x", Score: 0.5, Payload: map[string]any{"no_text": true}},
	}}
	gen := &fakeGen{response: "should not be used"}
	svc := newTestService(gen, &fakeEmbed{vec: []float32{1, 2}}, index)

	res, err := svc.Ask(context.Background(), &AskRequest{Query: "q", UseRAG: true}, "t", "rid")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Response != NoInfoAnswer {
		t.Errorf("response = %q", res.Response)
	}
	if gen.lastPrompt != "" {
		t.Error("generator must not run without usable contexts")
	}
}

func TestAskRAGBuildsPromptFromHits(t *testing.T) {
	index := &fakeIndex{exists: true, hits: []qdrant.ScoredPoint{
		hit("a", 0.9, "上下文甲"),
		hit("b", 0.8, "上下文乙"),
	}}
	gen := &fakeGen{response: "答案"}
	svc := newTestService(gen, &fakeEmbed{vec: []float32{1, 2}}, index)

	res, err := svc.Ask(context.Background(), &AskRequest{Query: "问题", UseRAG: true}, "t", "rid")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(res.Sources) != 2 {
		t.Errorf("sources = %d", len(res.Sources))
	}
	if !strings.Contains(gen.lastPrompt, "上下文甲") || !strings.Contains(gen.lastPrompt, "[用户问题]") {
		t.Errorf("prompt = %q", gen.lastPrompt)
	}
	if res.Meta["match"] != true {
		t.Errorf("meta = %v", res.Meta)
	}
}

func TestPreflightReportsScores(t *testing.T) {
	index := &fakeIndex{exists: true, hits: []qdrant.ScoredPoint{
		hit("a", 0.9, longDoc("a")),
		hit("b", 0.5, longDoc("b")),
	}}
	svc := newTestService(&fakeGen{}, &fakeEmbed{vec: []float32{1, 2}}, index)

	res := svc.Preflight(context.Background(), &AskRequest{Query: "q"}, "t", "rid")
	if !res.OK || res.ContextsCount != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.MaxScore != 0.9 || res.AvgScore != 0.7 {
		t.Errorf("scores: max=%v avg=%v", res.MaxScore, res.AvgScore)
	}
	if res.CtxTotalLen == 0 {
		t.Error("ctx_total_len missing")
	}
}

func TestPreflightSoftFailsOnEmbedError(t *testing.T) {
	svc := newTestService(&fakeGen{}, &fakeEmbed{err: fmt.Errorf("engine down")}, &fakeIndex{})
	res := svc.Preflight(context.Background(), &AskRequest{Query: "q"}, "t", "rid")
	if res.OK || res.Error == "" {
		t.Errorf("expected soft failure, got %+v", res)
	}
}
