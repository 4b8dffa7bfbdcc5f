package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/domain/rag"
)

// AskHandler 问答与检索体检端点
type AskHandler struct {
	svc    *rag.Service
	logger *zap.Logger
}

// NewAskHandler 创建问答处理器
func NewAskHandler(svc *rag.Service, logger *zap.Logger) *AskHandler {
	return &AskHandler{svc: svc, logger: logger}
}

// Ask 一次性问答
func (h *AskHandler) Ask(c *gin.Context) {
	var req rag.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	res, err := h.svc.Ask(c.Request.Context(), &req, tenantOf(c), requestID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"response": res.Response,
		"sources":  res.Sources,
		"meta":     res.Meta,
	})
}

// sseHeaders SSE 响应头。X-Accel-Buffering 关掉反向代理缓冲。
func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

// Stream 流式问答。每个负载一帧 data，客户端断开时由 emit 返回错误终止。
func (h *AskHandler) Stream(c *gin.Context) {
	var req rag.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	sseHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	h.svc.Stream(c.Request.Context(), &req, func(payload string) error {
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
}

// Preflight 检索体检：只嵌入与检索，不触发生成。
// 依赖故障软失败，HTTP 始终 200。
func (h *AskHandler) Preflight(c *gin.Context) {
	var req rag.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	res := h.svc.Preflight(c.Request.Context(), &req, tenantOf(c), requestID(c))
	c.JSON(http.StatusOK, res)
}
