// Package tool 实现工具调用核心：指纹、限流、单飞、TTL 缓存、熔断、
// 线性退避重试与指标，外加分层策略与主机白/黑名单。
package tool

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

// AnonTenant 未识别租户的保留标签
const AnonTenant = "_anon_"

// Executor 守护栈执行器。进程内单例；全部守护状态随进程生灭。
type Executor struct {
	metrics *monitoring.Metrics
	logger  *zap.Logger
	state   *guardState
	client  *http.Client

	// 测试注入点
	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewExecutor 创建执行器
func NewExecutor(metrics *monitoring.Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		metrics: metrics,
		logger:  logger,
		state:   newGuardState(),
		client:  &http.Client{},
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// validate 按工具族校验入参，返回 normalized
func validate(toolType, toolName string, params, options map[string]any) (map[string]any, error) {
	key := strings.ToLower(toolType) + "/" + strings.ToLower(toolName)
	switch key {
	case "http_get/simple", "http/http_get":
		return validateHTTPGet(params, options)
	case "http_post/simple", "http/http_post":
		return validateHTTPPost(params, options)
	}
	if toolType == "" || toolName == "" {
		return nil, apperrors.NewBadRequest("tool_type/tool_name is required")
	}
	return map[string]any{}, nil
}

func requireHTTPURL(params map[string]any) (string, error) {
	url, _ := params["url"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", apperrors.NewBadRequest("params.url must be http(s) URL")
	}
	return url, nil
}

func validateHTTPGet(params, options map[string]any) (map[string]any, error) {
	url, err := requireHTTPURL(params)
	if err != nil {
		return nil, err
	}
	timeoutMS, err := optInt(options, "timeout_ms", 2000)
	if err != nil || timeoutMS < 1 || timeoutMS > 10000 {
		return nil, apperrors.NewBadRequest("options.timeout_ms must be int in [1,10000]")
	}
	return map[string]any{"url": url}, nil
}

func validateHTTPPost(params, options map[string]any) (map[string]any, error) {
	url, err := requireHTTPURL(params)
	if err != nil {
		return nil, err
	}
	if body, ok := params["body"]; ok && body != nil {
		switch body.(type) {
		case map[string]any, []any, string:
		default:
			return nil, apperrors.NewBadRequest("params.body must be object/array/string if provided")
		}
	}
	timeoutMS, err := optInt(options, "timeout_ms", 5000)
	if err != nil || timeoutMS < 1 || timeoutMS > 15000 {
		return nil, apperrors.NewBadRequest("options.timeout_ms must be int in [1,15000]")
	}
	return map[string]any{"url": url, "has_body": params["body"] != nil}, nil
}

// Execute 按固定顺序走守护栈：校验 → 请求计数 → 限流 → 熔断预检 →
// 缓存 → 单飞 → 重试循环。
func (e *Executor) Execute(ctx context.Context, tenant, toolType, toolName string, params, options map[string]any) (map[string]any, error) {
	if options == nil {
		options = map[string]any{}
	}
	normalized, err := validate(toolType, toolName, params, options)
	if err != nil {
		return nil, err
	}

	if tenant == "" {
		tenant = AnonTenant
	}
	typeLabel := strings.ToLower(toolType)
	nameLabel := strings.ToLower(toolName)
	e.metrics.ToolRequestsTotal.WithLabelValues(typeLabel, nameLabel, tenant).Inc()
	start := e.now()
	observe := func() {
		e.metrics.ToolLatencySeconds.WithLabelValues(typeLabel, nameLabel, tenant).Observe(e.now().Sub(start).Seconds())
	}

	key := Fingerprint(tenant, toolType, toolName, params, normalized)

	// 限流
	limit := optIntDefault(options, "rate_limit_per_sec", defaultRatePerSec)
	if !e.state.rateAllow("rl:"+key, limit, e.now()) {
		e.metrics.ToolRateLimitedTotal.WithLabelValues(typeLabel, nameLabel, tenant).Inc()
		observe()
		return nil, apperrors.NewRateLimited("Too Many Requests (rate limited)")
	}

	// 熔断预检
	threshold := optIntDefault(options, "circuit_threshold", defaultCircuitThreshold)
	cooldown := time.Duration(optIntDefault(options, "circuit_cooldown_ms", defaultCooldownMS)) * time.Millisecond
	if e.state.breakerOpen("cb:"+key, e.now()) {
		e.metrics.ToolCircuitOpenTotal.WithLabelValues(typeLabel, nameLabel, tenant).Inc()
		observe()
		return nil, apperrors.NewServiceUnavailable("Service temporarily unavailable (circuit open)")
	}

	// 缓存
	cacheTTL := time.Duration(optIntDefault(options, "cache_ttl_ms", 0)) * time.Millisecond
	if cacheTTL > 0 {
		if cached, ok := e.state.cacheGet("cache:"+key, e.now()); ok {
			e.metrics.ToolCacheHitTotal.WithLabelValues(typeLabel, nameLabel, tenant).Inc()
			observe()
			e.logger.Info("cache_hit",
				zap.String("tool_type", typeLabel), zap.String("tool_name", nameLabel),
				zap.String("tenant", tenant), zap.String("key", key))
			result := cloneResult(cached)
			result["from_cache"] = true
			return result, nil
		}
	}

	// 单飞
	lock := e.state.flightLock("sf:" + key)
	lock.Lock()
	defer lock.Unlock()

	maskedParams := Mask(params)
	maskedOptions := Mask(options)

	retryMax := optIntDefault(options, "retry_max", 0)
	backoff := time.Duration(optIntDefault(options, "retry_backoff_ms", 100)) * time.Millisecond

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, execErr := e.attempt(ctx, typeLabel, params, options, normalized)
		if execErr == nil {
			e.state.cachePut("cache:"+key, result, cacheTTL, e.now())
			e.state.breakerMark("cb:"+key, true, threshold, cooldown, e.now())
			observe()
			e.logger.Info("tool_success",
				zap.String("tool_type", typeLabel), zap.String("tool_name", nameLabel),
				zap.String("tenant", tenant), zap.Int("attempt", attempt))
			out := cloneResult(result)
			out["from_cache"] = false
			out["echo"] = maskedParams
			out["options"] = maskedOptions
			return out, nil
		}
		lastErr = execErr
		if attempt > retryMax {
			e.state.breakerMark("cb:"+key, false, threshold, cooldown, e.now())
			e.metrics.ToolErrorsTotal.WithLabelValues(typeLabel, nameLabel, tenant, "exec_failure").Inc()
			observe()
			e.logger.Warn("tool_failure",
				zap.String("tool_type", typeLabel), zap.String("tool_name", nameLabel),
				zap.String("tenant", tenant), zap.Int("attempt", attempt), zap.Error(lastErr))
			return nil, apperrors.NewUpstream(fmt.Sprintf("tool execution failed: %v", lastErr), lastErr)
		}
		e.metrics.ToolRetriesTotal.WithLabelValues(typeLabel, nameLabel, tenant).Inc()
		e.logger.Info("tool_retry",
			zap.String("tool_type", typeLabel), zap.String("tool_name", nameLabel),
			zap.String("tenant", tenant), zap.Int("attempt", attempt), zap.Error(lastErr))
		e.sleep(ctx, backoff*time.Duration(attempt))
		if ctx.Err() != nil {
			return nil, apperrors.NewTimeout("request cancelled")
		}
	}
}

func (e *Executor) attempt(ctx context.Context, typeLabel string, params, options, normalized map[string]any) (map[string]any, error) {
	if optBool(options, "simulate_fail") {
		return nil, fmt.Errorf("simulated failure")
	}
	switch typeLabel {
	case "http_get":
		return e.doHTTPGet(ctx, params, options, normalized)
	case "http_post":
		return e.doHTTPPost(ctx, params, options, normalized)
	}
	return map[string]any{"message": "tool invoked (validated)", "normalized": normalized}, nil
}

func cloneResult(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}
