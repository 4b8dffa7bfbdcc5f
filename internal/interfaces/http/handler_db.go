package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/postgres"
)

// DBHandler 受控 SQL 模板端点
type DBHandler struct {
	svc    *postgres.Service
	logger *zap.Logger
}

// NewDBHandler 创建模板查询处理器
func NewDBHandler(svc *postgres.Service, logger *zap.Logger) *DBHandler {
	return &DBHandler{svc: svc, logger: logger}
}

// QueryTemplate 按模板与命名参数执行只读查询
func (h *DBHandler) QueryTemplate(c *gin.Context) {
	var req postgres.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	result, err := h.svc.Query(c.Request.Context(), tenantOf(c), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"template_id":      result.TemplateID,
		"template_version": result.TemplateVersion,
		"row_count":        result.RowCount,
		"rows":             result.Rows,
	})
}

// ListTemplates 列出可用模板及版本
func (h *DBHandler) ListTemplates(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"templates": postgres.ListTemplates()})
}

// Audit 最近的模板查询审计记录
func (h *DBHandler) Audit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	respondOK(c, http.StatusOK, gin.H{"entries": h.svc.Audit(limit)})
}
