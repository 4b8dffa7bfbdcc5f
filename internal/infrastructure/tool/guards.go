package tool

import (
	"sync"
	"time"
)

// 默认守护参数
const (
	defaultRatePerSec       = 5
	defaultCircuitThreshold = 3
	defaultCooldownMS       = 5000
	minCooldown             = 100 * time.Millisecond
)

type rateBucket struct {
	count  int
	window int64 // 墙钟整秒
}

type breakerState struct {
	failures  int
	openUntil time.Time
}

type cacheEntry struct {
	expireAt time.Time
	value    map[string]any
}

// guardState 进程内共享的守护状态。指纹为键；进程重启即复位。
type guardState struct {
	mu      sync.Mutex
	rate    map[string]rateBucket
	breaker map[string]breakerState
	cache   map[string]cacheEntry
	flight  map[string]*sync.Mutex
}

func newGuardState() *guardState {
	return &guardState{
		rate:    make(map[string]rateBucket),
		breaker: make(map[string]breakerState),
		cache:   make(map[string]cacheEntry),
		flight:  make(map[string]*sync.Mutex),
	}
}

// rateAllow 自增整秒桶并判定是否超限。秒边界切换时桶清零，不做平滑。
func (g *guardState) rateAllow(key string, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = defaultRatePerSec
	}
	window := now.Unix()
	g.mu.Lock()
	defer g.mu.Unlock()
	bucket := g.rate[key]
	if bucket.window != window {
		bucket = rateBucket{window: window}
	}
	bucket.count++
	g.rate[key] = bucket
	return bucket.count <= limit
}

// breakerOpen 熔断预检：open_until 未过期即拒绝
func (g *guardState) breakerOpen(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Before(g.breaker[key].openUntil)
}

// breakerMark 记录一次结果。成功清零；失败累加，达到阈值则打开冷却窗口。
func (g *guardState) breakerMark(key string, ok bool, threshold int, cooldown time.Duration, now time.Time) {
	if threshold < 1 {
		threshold = 1
	}
	if cooldown < minCooldown {
		cooldown = minCooldown
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ok {
		g.breaker[key] = breakerState{}
		return
	}
	state := g.breaker[key]
	state.failures++
	if state.failures >= threshold {
		state.openUntil = now.Add(cooldown)
	}
	g.breaker[key] = state
}

// cacheGet 惰性淘汰过期条目
func (g *guardState) cacheGet(key string, now time.Time) (map[string]any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.cache[key]
	if !ok {
		return nil, false
	}
	if now.After(entry.expireAt) {
		delete(g.cache, key)
		return nil, false
	}
	return entry.value, true
}

func (g *guardState) cachePut(key string, value map[string]any, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[key] = cacheEntry{expireAt: now.Add(ttl), value: value}
}

// flightLock 惰性创建的按键互斥锁
func (g *guardState) flightLock(key string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.flight[key]
	if !ok {
		lock = &sync.Mutex{}
		g.flight[key] = lock
	}
	return lock
}
