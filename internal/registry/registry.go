package registry

import (
	"strings"
	"sync"

	"etldwatch/internal/host"
	"etldwatch/internal/logger"
	"etldwatch/pkg/model"
)

// Registry 模式注册表：维护当前 模式 -> 扩展ID列表 映射，整表替换
type Registry struct {
	mu       sync.RWMutex
	provider host.PatternProvider
	patterns model.PatternMap
	log      logger.Logger
}

// New 创建模式注册表
func New(p host.PatternProvider, l logger.Logger) *Registry {
	if l == nil {
		l = logger.NewNop()
	}
	return &Registry{provider: p, log: l}
}

// Refresh 向协作方拉取最新模式表并整表替换。
// 协作方失败时退化为空表（停止监控），不向调用方传播错误。
func (r *Registry) Refresh() {
	var pm model.PatternMap
	if r.provider != nil {
		m, err := r.provider.Patterns()
		if err != nil {
			r.log.Warn("刷新模式表失败，清空注册表", "error", err)
		} else {
			pm = m
		}
	}
	r.mu.Lock()
	r.patterns = pm
	r.mu.Unlock()
	r.log.Debug("模式表已刷新", "count", len(pm))
}

// Lookup 按插入顺序返回第一条字面前缀命中 URL 的模式所属的扩展列表。
// 无命中返回空列表；不跨模式累加。
func (r *Registry) Lookup(url string) []model.ActorID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.patterns {
		if strings.HasPrefix(url, e.Pattern.Prefix()) {
			return e.ActorIDs
		}
	}
	return nil
}

// Patterns 返回当前模式表快照
func (r *Registry) Patterns() model.PatternMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(model.PatternMap, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Empty 判断注册表是否为空
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns) == 0
}
