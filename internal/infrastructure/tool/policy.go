package tool

import (
	"encoding/json"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
	"github.com/Neal-yes/AI-Support-System/pkg/safego"
)

// 策略文件结构：
// {default:{options}, tenants:{t:{options, tools:{type:{options, names:{name:{options}}}}}}}
type policyOptions struct {
	Options map[string]any `json:"options"`
}

type policyToolType struct {
	Options map[string]any           `json:"options"`
	Names   map[string]policyOptions `json:"names"`
}

type policyTenant struct {
	Options map[string]any            `json:"options"`
	Tools   map[string]policyToolType `json:"tools"`
}

type policyFile struct {
	Default policyOptions           `json:"default"`
	Tenants map[string]policyTenant `json:"tenants"`
}

// PolicyStore 策略文件的带 TTL 缓存。文件变更由 fsnotify 立即失效缓存，
// TTL 兜底覆盖 watch 失效的场景（如容器内 bind mount）。
type PolicyStore struct {
	path   string
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.RWMutex
	cached   policyFile
	loadedAt time.Time

	watcher *fsnotify.Watcher
}

// NewPolicyStore 创建策略缓存。ttl <= 0 时默认 15 秒。
func NewPolicyStore(path string, ttl time.Duration, logger *zap.Logger) *PolicyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &PolicyStore{path: path, ttl: ttl, logger: logger}
}

// Watch 启动文件监听。失败只降级为纯 TTL 模式，不阻断启动。
func (s *PolicyStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	safego.Go(s.logger, "tool-policy-watch", func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					s.Invalidate()
					s.logger.Info("tool policy file changed", zap.String("path", s.path))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("tool policy watcher error", zap.Error(err))
			}
		}
	})
	return nil
}

// Close 停止监听
func (s *PolicyStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Invalidate 强制下次读取重新加载
func (s *PolicyStore) Invalidate() {
	s.mu.Lock()
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

// ForceReload 立即重新加载策略文件
func (s *PolicyStore) ForceReload() error {
	s.Invalidate()
	_, err := s.load()
	return err
}

func (s *PolicyStore) load() (policyFile, error) {
	s.mu.RLock()
	if !s.loadedAt.IsZero() && time.Since(s.loadedAt) < s.ttl {
		cached := s.cached
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loadedAt.IsZero() && time.Since(s.loadedAt) < s.ttl {
		return s.cached, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			// 缺文件时按空策略运行
			s.cached = policyFile{}
			s.loadedAt = time.Now()
			return s.cached, nil
		}
		return s.cached, err
	}
	var parsed policyFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.logger.Warn("tool policy file malformed, keeping previous", zap.Error(err))
		s.loadedAt = time.Now()
		return s.cached, nil
	}
	s.cached = parsed
	s.loadedAt = time.Now()
	return s.cached, nil
}

// MergeOptions 按五层覆盖合并选项：全局默认 → 租户默认 → 工具类型 →
// 工具名 → 请求级。后者覆盖前者。
func (s *PolicyStore) MergeOptions(tenant, toolType, toolName string, reqOptions map[string]any) map[string]any {
	policies, err := s.load()
	if err != nil {
		s.logger.Warn("tool policy load failed, using request options only", zap.Error(err))
		policies = policyFile{}
	}
	merged := make(map[string]any)
	apply := func(layer map[string]any) {
		for k, v := range layer {
			merged[k] = v
		}
	}
	apply(policies.Default.Options)
	tenantPolicy, ok := policies.Tenants[tenant]
	if ok {
		apply(tenantPolicy.Options)
		if typePolicy, ok := tenantPolicy.Tools[toolType]; ok {
			apply(typePolicy.Options)
			if namePolicy, ok := typePolicy.Names[toolName]; ok {
				apply(namePolicy.Options)
			}
		}
	}
	apply(reqOptions)
	return merged
}

// CheckHostPolicy 在守护栈重试循环之前执行主机白/黑名单。
// allow_hosts 非空则必须命中；deny_hosts 命中即拒绝。
func CheckHostPolicy(rawURL string, options map[string]any) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return apperrors.NewBadRequest("params.url is not a valid URL")
	}
	host := parsed.Hostname()
	if allow := optStrings(options, "allow_hosts"); len(allow) > 0 {
		if !containsHost(allow, host) {
			return apperrors.NewForbidden("host not in allow_hosts: " + host)
		}
	}
	if deny := optStrings(options, "deny_hosts"); len(deny) > 0 {
		if containsHost(deny, host) {
			return apperrors.NewForbidden("host in deny_hosts: " + host)
		}
	}
	return nil
}

func containsHost(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}
