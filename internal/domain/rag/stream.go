package rag

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/ollama"
)

// SSE 保留帧
const (
	FrameStarted   = "[started]"
	FrameHeartbeat = "[heartbeat]"
	FrameDone      = "[done]"
)

// 竞速与短路阈值
const (
	raceFirstChunkTimeout = 8 * time.Second
	shortCircuitMinChars  = 80
	safetyNetNumPredict   = 32
)

// EmitFunc 发送一条 SSE 负载。返回错误表示消费端断开。
type EmitFunc func(payload string) error

// streamOptions 心跳/限额包装参数，从请求 options 中拆出
type streamOptions struct {
	heartbeat time.Duration
	timeLimit time.Duration
	maxTokens int
}

func parseStreamOptions(opts map[string]any) streamOptions {
	return streamOptions{
		heartbeat: time.Duration(intFromAny(opts["heartbeat_ms"])) * time.Millisecond,
		timeLimit: time.Duration(intFromAny(opts["time_limit_ms"])) * time.Millisecond,
		maxTokens: intFromAny(opts["max_tokens_streamed"]),
	}
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// engineOptions 去掉包装参数后的引擎生成参数
func (s *Service) engineOptions(req *AskRequest) ollama.Options {
	opts := s.generateOptions(req)
	delete(opts, "heartbeat_ms")
	delete(opts, "time_limit_ms")
	delete(opts, "max_tokens_streamed")
	return opts
}

// Stream 驱动流式问答状态机。[started] 先行，[done] 恰好收尾一次；
// 消费端断开或任一内部错误都会走到同一个收尾路径。
func (s *Service) Stream(ctx context.Context, req *AskRequest, emit EmitFunc) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := false
	finish := func() {
		if !finished {
			finished = true
			_ = emit(FrameDone)
		}
	}
	defer finish()

	if emit(FrameStarted) != nil {
		finished = true // 连 [started] 都发不出去时不再补 [done]
		return
	}

	wrap := parseStreamOptions(req.Options)
	model := s.model(req)
	opts := s.engineOptions(req)

	if !req.UseRAG {
		s.streamPlain(ctx, req.Query, model, opts, wrap, emit)
		return
	}

	coll := s.collection(req)

	// 嵌入期间保持心跳
	qvec, err := awaitWithHeartbeat(ctx, emit, wrap.heartbeat, func() ([]float32, error) {
		return s.embedQuery(ctx, req.Query)
	})
	if err != nil {
		_ = emit("[error]: Internal: failed to get query embedding")
		return
	}

	exists, err := s.index.CollectionExists(ctx, coll)
	if err != nil {
		_ = emit("[error]: Upstream: vector index unavailable")
		return
	}
	if !exists {
		_ = emit(NoInfoAnswer)
		return
	}

	// 维度校验：不匹配时不执行检索
	info, err := s.index.GetInfo(ctx, coll)
	if err == nil && info.VectorSize > 0 && info.VectorSize != len(qvec) {
		_ = emit(fmt.Sprintf("向量维度不匹配：集合 %s 期望 %d 维，查询向量为 %d 维，请检查嵌入模型配置", coll, info.VectorSize, len(qvec)))
		return
	}

	scored, err := awaitWithHeartbeat(ctx, emit, wrap.heartbeat, func() ([]ScoredDoc, error) {
		start := time.Now()
		points, err := s.index.Search(ctx, coll, qvec, s.topK(req), req.Filters)
		s.observeRetrieval(coll, start)
		if err != nil {
			return nil, err
		}
		return toScoredDocs(points), nil
	})
	if err != nil {
		_ = emit("[error]: Upstream: rag retrieval failed")
		return
	}

	contexts, _ := prepareContexts(scored, StreamCaps)
	s.countMatches(coll, len(contexts) > 0)

	// 上下文不足：直接用原始问题走普通生成
	if len(contexts) == 0 || contextsTotalLen(contexts) < shortCircuitMinChars {
		s.streamPlain(ctx, req.Query, model, opts, wrap, emit)
		return
	}

	prompt := buildPrompt(req.Query, contexts)
	s.streamRace(ctx, req.Query, prompt, model, opts, wrap, emit)
}

// streamPlain 单流直出
func (s *Service) streamPlain(ctx context.Context, prompt, model string, opts ollama.Options, wrap streamOptions, emit EmitFunc) {
	stream, err := s.gen.GenerateStream(ctx, prompt, model, opts)
	if err != nil {
		_ = emit("[error]: Upstream: " + err.Error())
		return
	}
	s.relay(ctx, stream, emit, wrap, model, 0)
}

type raceEntry struct {
	rag    bool
	stream TokenStream
	first  string
	err    error
}

// streamRace 双流竞速：RAG 提示词 vs 原始问题。先出首块者胜，
// 败者取消并关闭；双双超时则兜底一条短的普通流。
func (s *Service) streamRace(ctx context.Context, query, prompt, model string, opts ollama.Options, wrap streamOptions, emit EmitFunc) {
	// 每个参赛者独立可取消，败者取消不殃及胜者
	ragCtx, cancelRAG := context.WithCancel(ctx)
	plainCtx, cancelPlain := context.WithCancel(ctx)
	defer cancelRAG()
	defer cancelPlain()

	plainOpts := opts.Clone()
	plainOpts["num_predict"] = safetyNetNumPredict

	results := make(chan raceEntry, 2)
	launch := func(runCtx context.Context, rag bool, p string, o ollama.Options) {
		go func() {
			stream, err := s.gen.GenerateStream(runCtx, p, model, o)
			if err != nil {
				results <- raceEntry{rag: rag, err: err}
				return
			}
			first, err := stream.Recv()
			if err != nil {
				stream.Close()
				results <- raceEntry{rag: rag, err: err}
				return
			}
			results <- raceEntry{rag: rag, stream: stream, first: first}
		}()
	}
	launch(ragCtx, true, prompt, opts)
	launch(plainCtx, false, query, plainOpts)

	timer := time.NewTimer(raceFirstChunkTimeout)
	defer timer.Stop()

	var winner raceEntry
	outstanding := 2
	waiting := true
	for waiting && winner.stream == nil && outstanding > 0 {
		select {
		case entry := <-results:
			outstanding--
			if entry.err == nil {
				winner = entry
			}
		case <-timer.C:
			waiting = false
		case <-ctx.Done():
			waiting = false
		}
	}

	if winner.stream == nil {
		// 双双失败或超时：取消参赛者，兜底短普通流
		cancelRAG()
		cancelPlain()
		drainRace(results, outstanding)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("first-chunk race timed out, falling back to plain stream")
		s.streamPlain(ctx, query, model, plainOpts, wrap, emit)
		return
	}

	// 取消败者并回收其流
	if winner.rag {
		cancelPlain()
	} else {
		cancelRAG()
	}
	drainRace(results, outstanding)

	s.logger.Debug("race winner", zap.Bool("rag", winner.rag))
	if emit(winner.first) != nil {
		winner.stream.Close()
		return
	}
	s.relay(ctx, winner.stream, emit, wrap, model, 1)
}

// drainRace 异步回收迟到的参赛流
func drainRace(results chan raceEntry, pending int) {
	if pending <= 0 {
		return
	}
	go func() {
		for i := 0; i < pending; i++ {
			if entry := <-results; entry.stream != nil {
				entry.stream.Close()
			}
		}
	}()
}

type pumpEvent struct {
	chunk string
	err   error
}

// relay 心跳/限额包装：后台泵读底层流入有界队列，主循环在
// 数据、心跳、时限与断开之间裁决。
func (s *Service) relay(ctx context.Context, stream TokenStream, emit EmitFunc, wrap streamOptions, model string, emitted int) {
	defer stream.Close()
	start := time.Now()
	defer func() { s.observeGenerate(model, true, start) }()

	events := make(chan pumpEvent, 16)
	go func() {
		for {
			chunk, err := stream.Recv()
			if err != nil {
				select {
				case events <- pumpEvent{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case events <- pumpEvent{chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var deadline <-chan time.Time
	if wrap.timeLimit > 0 {
		t := time.NewTimer(wrap.timeLimit)
		defer t.Stop()
		deadline = t.C
	}

	for {
		var idle <-chan time.Time
		if wrap.heartbeat > 0 {
			idle = time.After(wrap.heartbeat)
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-idle:
			if emit(FrameHeartbeat) != nil {
				return
			}
			if wrap.maxTokens > 0 && emitted >= wrap.maxTokens {
				return
			}
		case ev := <-events:
			if ev.err == io.EOF {
				return
			}
			if ev.err != nil {
				_ = emit("[error]: Upstream: " + ev.err.Error())
				return
			}
			if emit(ev.chunk) != nil {
				return
			}
			emitted++
			if wrap.maxTokens > 0 && emitted >= wrap.maxTokens {
				return
			}
		}
	}
}

// awaitWithHeartbeat 在后台执行 fn，等待期间按节拍发 [heartbeat]
func awaitWithHeartbeat[T any](ctx context.Context, emit EmitFunc, heartbeat time.Duration, fn func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn()
		ch <- outcome{value: v, err: err}
	}()
	for {
		var idle <-chan time.Time
		if heartbeat > 0 {
			idle = time.After(heartbeat)
		}
		select {
		case out := <-ch:
			return out.value, out.err
		case <-idle:
			if err := emit(FrameHeartbeat); err != nil {
				var zero T
				return zero, err
			}
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
