package http

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

// AnonTenant 未带租户标识时的占位租户
const AnonTenant = "_anon_"

const bodyPreviewMax = 500

const (
	ctxKeyRequestID   = "request_id"
	ctxKeyTenant      = "tenant"
	ctxKeyBodyPreview = "body_preview"
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ClaimVerifier 从 Authorization 头解出租户声明。
// JWT 解码属于外部协作者，网关只消费其结论。
type ClaimVerifier interface {
	TenantClaim(authorization string) (claim string, ok bool)
}

// AuthConfig 租户解析规则
type AuthConfig struct {
	HeaderTenantKey  string
	RequireTenant    bool
	EnforceJWTTenant bool
	Claims           ClaimVerifier
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func tenantOf(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyTenant); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return AnonTenant
}

// peekBody 截取请求体前若干字节作为诊断预览，并还原 Body 供后续绑定
func peekBody(c *gin.Context) {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return
	}
	peek := make([]byte, bodyPreviewMax)
	n, _ := io.ReadFull(c.Request.Body, peek)
	if n > 0 {
		c.Set(ctxKeyBodyPreview, string(peek[:n]))
		c.Request.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(peek[:n]), c.Request.Body), c.Request.Body}
	}
}

func bodyPreview(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyBodyPreview); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// resolveTenant 按头部与可选的令牌声明解析租户。
// 非法头在宽松模式下降级为匿名，严格模式下拒绝。
func resolveTenant(c *gin.Context, cfg AuthConfig, logger *zap.Logger) (string, *apperrors.AppError) {
	headerKey := cfg.HeaderTenantKey
	if headerKey == "" {
		headerKey = "X-Tenant-Id"
	}
	raw := strings.TrimSpace(c.GetHeader(headerKey))
	tenant := ""
	switch {
	case raw != "" && tenantPattern.MatchString(raw):
		tenant = raw
	case raw != "":
		logger.Warn("invalid_tenant_header", zap.String("tenant", raw))
		if cfg.RequireTenant {
			return "", apperrors.NewBadRequest("invalid tenant header")
		}
	case cfg.RequireTenant:
		return "", apperrors.NewBadRequest("tenant header required")
	}

	if cfg.Claims != nil {
		if claim, ok := cfg.Claims.TenantClaim(c.GetHeader("Authorization")); ok && claim != "" {
			switch {
			case tenant == "":
				tenant = claim
			case tenant != claim:
				logger.Warn("tenant_mismatch", zap.String("header", tenant), zap.String("claim", claim))
				if cfg.EnforceJWTTenant {
					return "", apperrors.NewForbidden("tenant mismatch with token")
				}
				// 宽松模式下以声明为准
				tenant = claim
			}
		}
	}

	if tenant == "" {
		tenant = AnonTenant
	}
	return tenant, nil
}

// requestContext 请求上下文中间件：请求号分配与回显、租户解析、
// 访问日志与 HTTP 指标。previewRate (0..1) 控制成功请求体预览的采样。
func requestContext(cfg AuthConfig, previewRate float64, metrics *monitoring.Metrics, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-Id")
		if rid == "" {
			rid = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		c.Set(ctxKeyRequestID, rid)
		c.Writer.Header().Set("X-Request-Id", rid)
		peekBody(c)

		tenant, terr := resolveTenant(c, cfg, logger)
		if terr != nil {
			respondError(c, logger, terr)
			c.Abort()
			return
		}
		c.Set(ctxKeyTenant, tenant)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		path := c.Request.URL.Path
		fields := []zap.Field{
			zap.String("request_id", rid),
			zap.String("path", path),
			zap.String("method", c.Request.Method),
			zap.Int("status_code", status),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("tenant", tenant),
		}
		// 错误路径在 respondError 里带预览；这里按采样率抽查成功请求
		if previewRate > 0 && rand.Float64() < previewRate {
			fields = append(fields, zap.String("body_preview", bodyPreview(c)))
		}
		logger.Info("request_done", fields...)
		if metrics != nil {
			labels := []string{c.Request.Method, path, strconv.Itoa(status)}
			metrics.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
			metrics.HTTPRequestSeconds.WithLabelValues(labels...).Observe(duration.Seconds())
		}
	}
}

// respondOK 成功响应：缺 request_id 时注入顶层字段。流式响应不走这里。
func respondOK(c *gin.Context, status int, payload gin.H) {
	if _, ok := payload["request_id"]; !ok {
		payload["request_id"] = requestID(c)
	}
	c.JSON(status, payload)
}

// respondError 统一错误体 {error, detail, request_id}，带请求体预览的告警日志
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	rid := requestID(c)
	status := apperrors.StatusOf(err)
	// 未归类的内部错误细节不外泄，只进日志
	detail := "Internal Server Error"
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && status != http.StatusInternalServerError {
		detail = appErr.Message
	}

	fields := []zap.Field{
		zap.String("request_id", rid),
		zap.Int("status_code", status),
		zap.String("detail", detail),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("body_preview", bodyPreview(c)),
	}
	if status >= 500 {
		fields = append(fields, zap.Error(err))
		logger.Error("http_error", fields...)
	} else {
		logger.Warn("http_error", fields...)
	}

	c.JSON(status, gin.H{
		"error":      string(apperrors.CodeOf(err)),
		"detail":     detail,
		"request_id": rid,
	})
}

// respondBadBinding 请求体绑定失败
func respondBadBinding(c *gin.Context, logger *zap.Logger, err error) {
	respondError(c, logger, apperrors.NewBadRequestf("invalid request body: %v", err))
}
