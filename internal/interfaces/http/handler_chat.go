package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/domain/rag"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/ollama"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

// ChatHandler 直通生成端点：不做检索，把提示词原样交给引擎
type ChatHandler struct {
	gen               rag.Generator
	defaultNumPredict int
	metrics           *monitoring.Metrics
	logger            *zap.Logger
}

// NewChatHandler 创建直通生成处理器
func NewChatHandler(gen rag.Generator, defaultNumPredict int, metrics *monitoring.Metrics, logger *zap.Logger) *ChatHandler {
	if defaultNumPredict <= 0 {
		defaultNumPredict = 128
	}
	return &ChatHandler{gen: gen, defaultNumPredict: defaultNumPredict, metrics: metrics, logger: logger}
}

type chatRequest struct {
	Prompt  string         `json:"prompt" binding:"required"`
	Model   string         `json:"model"`
	Options map[string]any `json:"options"`
}

func (h *ChatHandler) options(req *chatRequest) ollama.Options {
	opts := ollama.Options(req.Options).Clone()
	if _, ok := opts["num_predict"]; !ok {
		opts["num_predict"] = h.defaultNumPredict
	}
	return opts
}

func (h *ChatHandler) model(req *chatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return h.gen.Model()
}

func (h *ChatHandler) observe(model string, stream bool, start time.Time) {
	if h.metrics != nil {
		streamLabel := "false"
		if stream {
			streamLabel = "true"
		}
		h.metrics.GenerateSeconds.WithLabelValues(model, streamLabel).Observe(time.Since(start).Seconds())
	}
}

// Chat 一次性生成
func (h *ChatHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	model := h.model(&req)
	start := time.Now()
	res, err := h.gen.Generate(c.Request.Context(), req.Prompt, model, h.options(&req))
	h.observe(model, false, start)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("generation failed", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"model":    model,
		"response": res.Response,
	})
}

// openStream 启动流式生成，失败时以 JSON 错误响应返回 false
func (h *ChatHandler) openStream(c *gin.Context, req *chatRequest) (rag.TokenStream, string, bool) {
	model := h.model(req)
	stream, err := h.gen.GenerateStream(c.Request.Context(), req.Prompt, model, h.options(req))
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("generation failed", err))
		return nil, model, false
	}
	return stream, model, true
}

// ChatStream 纯文本流式生成，逐块输出
func (h *ChatHandler) ChatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	stream, model, ok := h.openStream(c, &req)
	if !ok {
		return
	}
	defer stream.Close()

	c.Writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	start := time.Now()
	defer h.observe(model, true, start)
	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			h.logger.Warn("chat_stream_interrupted", zap.String("request_id", requestID(c)), zap.Error(err))
			return
		}
		if _, err := io.WriteString(c.Writer, token); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

// ChatStreamSSE SSE 流式生成。先发 retry 指令，结束帧为 [DONE]。
func (h *ChatHandler) ChatStreamSSE(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	stream, model, ok := h.openStream(c, &req)
	if !ok {
		return
	}
	defer stream.Close()

	sseHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)
	fmt.Fprint(c.Writer, "retry: 3000\n\n")
	c.Writer.Flush()

	start := time.Now()
	defer h.observe(model, true, start)
	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			c.Writer.Flush()
			return
		}
		if err != nil {
			h.logger.Warn("chat_stream_interrupted", zap.String("request_id", requestID(c)), zap.Error(err))
			return
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", token); err != nil {
			return
		}
		c.Writer.Flush()
	}
}
