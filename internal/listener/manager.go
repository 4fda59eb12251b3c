package listener

import (
	"sync"

	"etldwatch/internal/correlator"
	"etldwatch/internal/host"
	"etldwatch/internal/logger"
	"etldwatch/internal/registry"
	"etldwatch/pkg/model"
)

// Manager 订阅管理器：按注册表是否为空决定宿主钩子的安装与拆除
type Manager struct {
	hooks    host.Hooks
	registry *registry.Registry
	corr     *correlator.Correlator
	log      logger.Logger

	mu        sync.Mutex
	startH    host.Handle
	redirectH host.Handle
	completeH host.Handle
}

// New 创建订阅管理器
func New(hooks host.Hooks, reg *registry.Registry, corr *correlator.Correlator, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{hooks: hooks, registry: reg, corr: corr, log: l}
}

// Start 启动：注册模式表变更通知并执行首次 Monitor
func (m *Manager) Start() {
	if m.hooks != nil {
		m.hooks.OnRegistryChanged(func() {
			m.log.Info("收到注册表变更通知，重新安装监听")
			m.Monitor()
		})
	}
	m.Monitor()
}

// Monitor 幂等地重建宿主订阅：先拆除旧订阅，刷新模式表，
// 表非空时安装 主请求订阅（仅用于让宿主暴露重定向元数据）与
// 重定向订阅（入口为关联器），表为空时完全停用监控。
func (m *Manager) Monitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hooks == nil {
		return
	}

	m.removeLocked(&m.startH)
	m.removeLocked(&m.redirectH)
	m.removeLocked(&m.completeH)

	m.registry.Refresh()
	if m.registry.Empty() {
		m.log.Info("模式表为空，监控停用")
		return
	}

	patterns := m.registry.Patterns()
	filter := host.Filter{Patterns: make([]model.Pattern, 0, len(patterns))}
	for _, e := range patterns {
		filter.Patterns = append(filter.Patterns, e.Pattern)
	}

	// 主请求订阅不承载业务逻辑，只是宿主暴露重定向元数据的前提
	h, err := m.hooks.SubscribeRequestStart(filter, func(model.RequestID, string) {})
	if err != nil {
		m.log.Warn("安装主请求订阅失败", "error", err)
		return
	}
	m.startH = h

	h, err = m.hooks.SubscribeRedirect(filter, m.corr.OnRedirect)
	if err != nil {
		m.log.Warn("安装重定向订阅失败", "error", err)
		m.removeLocked(&m.startH)
		return
	}
	m.redirectH = h

	h, err = m.hooks.SubscribeCompleted(m.corr.Unfollow)
	if err != nil {
		// 完成信号是可选增强，缺失时超时路径仍然兜底
		m.log.Debug("宿主不提供完成信号", "error", err)
	} else {
		m.completeH = h
	}

	m.log.Info("监听已安装", "patterns", len(patterns))
}

// Stop 拆除全部订阅并停止关联器
func (m *Manager) Stop() {
	m.mu.Lock()
	m.removeLocked(&m.startH)
	m.removeLocked(&m.redirectH)
	m.removeLocked(&m.completeH)
	m.mu.Unlock()
	if m.corr != nil {
		m.corr.Stop()
	}
}

// removeLocked 存在性检查后移除订阅，避免重复注销报错。调用方持有 m.mu。
func (m *Manager) removeLocked(h *host.Handle) {
	if *h == "" {
		return
	}
	if m.hooks.Has(*h) {
		m.hooks.Remove(*h)
	}
	*h = ""
}
