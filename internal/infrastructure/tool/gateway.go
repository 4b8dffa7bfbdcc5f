package tool

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// InvokeRequest 工具调用入参
type InvokeRequest struct {
	TenantID string         `json:"tenant_id"`
	ToolType string         `json:"tool_type" binding:"required"`
	ToolName string         `json:"tool_name" binding:"required"`
	Params   map[string]any `json:"params"`
	Options  map[string]any `json:"options"`
}

// Gateway 工具门面：合并分层策略、执行主机策略，再交给守护栈。
type Gateway struct {
	executor *Executor
	policies *PolicyStore
	logger   *zap.Logger
}

// NewGateway 创建门面
func NewGateway(executor *Executor, policies *PolicyStore, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{executor: executor, policies: policies, logger: logger}
}

// ReloadPolicies 强制重载策略文件
func (g *Gateway) ReloadPolicies() error {
	return g.policies.ForceReload()
}

func (g *Gateway) resolve(req *InvokeRequest) (string, map[string]any) {
	tenant := req.TenantID
	if tenant == "" {
		tenant = AnonTenant
	}
	merged := g.policies.MergeOptions(tenant, strings.ToLower(req.ToolType), strings.ToLower(req.ToolName), req.Options)
	return tenant, merged
}

// Invoke 合并策略并执行
func (g *Gateway) Invoke(ctx context.Context, req *InvokeRequest) (map[string]any, error) {
	tenant, merged := g.resolve(req)
	if rawURL, ok := req.Params["url"].(string); ok {
		if err := CheckHostPolicy(rawURL, merged); err != nil {
			return nil, err
		}
	}
	return g.executor.Execute(ctx, tenant, req.ToolType, req.ToolName, req.Params, merged)
}

// Preview 只校验与合并，不执行：回显脱敏后的入参与生效选项
func (g *Gateway) Preview(req *InvokeRequest) (map[string]any, error) {
	tenant, merged := g.resolve(req)
	normalized, err := validate(req.ToolType, req.ToolName, req.Params, merged)
	if err != nil {
		return nil, err
	}
	if rawURL, ok := req.Params["url"].(string); ok {
		if err := CheckHostPolicy(rawURL, merged); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"tenant":     tenant,
		"tool_type":  strings.ToLower(req.ToolType),
		"tool_name":  strings.ToLower(req.ToolName),
		"normalized": normalized,
		"echo":       Mask(req.Params),
		"options":    Mask(merged),
		"message":    "tool request validated (not executed)",
	}, nil
}
