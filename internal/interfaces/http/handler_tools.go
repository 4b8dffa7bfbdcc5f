package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/tool"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

// ToolsHandler 工具网关端点
type ToolsHandler struct {
	gateway *tool.Gateway
	logger  *zap.Logger
}

// NewToolsHandler 创建工具处理器
func NewToolsHandler(gateway *tool.Gateway, logger *zap.Logger) *ToolsHandler {
	return &ToolsHandler{gateway: gateway, logger: logger}
}

// bindInvoke 解析调用入参，租户缺省取请求上下文
func (h *ToolsHandler) bindInvoke(c *gin.Context) (*tool.InvokeRequest, bool) {
	var req tool.InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return nil, false
	}
	if req.TenantID == "" {
		req.TenantID = tenantOf(c)
	}
	return &req, true
}

// Invoke 执行工具调用
func (h *ToolsHandler) Invoke(c *gin.Context) {
	req, ok := h.bindInvoke(c)
	if !ok {
		return
	}
	result, err := h.gateway.Invoke(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"request_id": requestID(c),
		"tool_type":  strings.ToLower(req.ToolType),
		"tool_name":  strings.ToLower(req.ToolName),
		"result":     result,
	})
}

// Preview 只校验与回显，不执行
func (h *ToolsHandler) Preview(c *gin.Context) {
	req, ok := h.bindInvoke(c)
	if !ok {
		return
	}
	preview, err := h.gateway.Preview(req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H(preview))
}

// ReloadPolicies 强制重载策略文件
func (h *ToolsHandler) ReloadPolicies(c *gin.Context) {
	if err := h.gateway.ReloadPolicies(); err != nil {
		respondError(c, h.logger, apperrors.NewInternalWithCause("failed to reload policies", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"reloaded": true})
}
