package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	cdpadapter "etldwatch/internal/adapter/cdp"
	"etldwatch/internal/adapter/patternsource"
	"etldwatch/internal/adapter/psl"
	"etldwatch/internal/correlator"
	"etldwatch/internal/host"
	"etldwatch/internal/listener"
	"etldwatch/internal/logger"
	"etldwatch/internal/registry"
	"etldwatch/internal/telemetry"
	"etldwatch/pkg/model"
)

// Service 监控会话服务实现
type Service struct {
	log logger.Logger

	mu       sync.RWMutex
	monitors map[model.MonitorID]*monitor

	// 测试可替换的钩子工厂
	newHooks func(cfg model.MonitorConfig, l logger.Logger) (host.Hooks, func() error, error)
	// 测试可替换的协作方
	domains  host.DomainResolver
	patterns func(cfg model.MonitorConfig) host.PatternProvider
}

// monitor 单个监控会话
type monitor struct {
	id       model.MonitorID
	hooks    host.Hooks
	closer   func() error
	listener *listener.Manager
	corr     *correlator.Correlator
	sink     *chanSink
	events   chan model.TelemetryEvent
}

// chanSink 把遥测事件推入会话事件通道，通道满时丢弃。
// 会话停止后仍可能有在途的定时器上报到达，closed 标记让迟到的
// Emit 退化为空操作，避免向已关闭通道发送。
type chanSink struct {
	mu     sync.Mutex
	ch     chan model.TelemetryEvent
	closed bool
}

func (s *chanSink) Emit(ev model.TelemetryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Close 关闭事件通道并拒绝后续 Emit，幂等
func (s *chanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// versionTable 静态版本表实现的版本解析协作方
type versionTable map[model.ActorID]string

func (t versionTable) ActorVersion(id model.ActorID) (string, bool) {
	v, ok := t[id]
	return v, ok
}

// New 创建服务
func New(l logger.Logger) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	return &Service{
		log:      l,
		monitors: make(map[model.MonitorID]*monitor),
		newHooks: func(cfg model.MonitorConfig, l logger.Logger) (host.Hooks, func() error, error) {
			h := cdpadapter.New(cfg.DevToolsURL, l)
			if err := h.Attach(cfg.Target); err != nil {
				return nil, nil, err
			}
			return h, h.Close, nil
		},
		domains: psl.Resolver{},
		patterns: func(cfg model.MonitorConfig) host.PatternProvider {
			return patternsource.New(cfg.PatternsPath)
		},
	}
}

// StartMonitor 组装并启动一个监控会话
func (s *Service) StartMonitor(cfg model.MonitorConfig) (model.MonitorID, error) {
	hooks, closer, err := s.newHooks(cfg, s.log)
	if err != nil {
		return "", fmt.Errorf("接入宿主失败: %w", err)
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	events := make(chan model.TelemetryEvent, buffer)

	versions := make(versionTable, len(cfg.ActorVersions))
	for id, v := range cfg.ActorVersions {
		versions[model.ActorID(id)] = v
	}

	reg := registry.New(s.patterns(cfg), s.log)
	sink := &chanSink{ch: events}
	emitter := telemetry.New(sink, cfg.Category, s.log)
	corr := correlator.New(correlator.Config{
		Registry:      reg,
		Domains:       s.domains,
		Versions:      versions,
		Emitter:       emitter,
		Hooks:         hooks,
		FollowTimeout: time.Duration(cfg.FollowTimeoutMS) * time.Millisecond,
		Logger:        s.log,
	})
	lst := listener.New(hooks, reg, corr, s.log)

	id := model.MonitorID(uuid.NewString())
	m := &monitor{
		id:       id,
		hooks:    hooks,
		closer:   closer,
		listener: lst,
		corr:     corr,
		sink:     sink,
		events:   events,
	}

	s.mu.Lock()
	s.monitors[id] = m
	s.mu.Unlock()

	lst.Start()
	s.log.Info("监控会话已启动", "monitorID", string(id))
	return id, nil
}

// StopMonitor 停止并销毁监控会话
func (s *Service) StopMonitor(id model.MonitorID) error {
	s.mu.Lock()
	m, ok := s.monitors[id]
	if ok {
		delete(s.monitors, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("未知监控会话: %s", id)
	}

	m.listener.Stop()
	if m.closer != nil {
		if err := m.closer(); err != nil {
			s.log.Warn("断开宿主失败", "monitorID", string(id), "error", err)
		}
	}
	m.sink.Close()
	s.log.Info("监控会话已停止", "monitorID", string(id))
	return nil
}

// Monitor 手动触发一次订阅重建（等同于收到注册表变更通知）
func (s *Service) Monitor(id model.MonitorID) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	m.listener.Monitor()
	return nil
}

// Stats 返回会话运行统计
func (s *Service) Stats(id model.MonitorID) (model.EngineStats, error) {
	m, err := s.get(id)
	if err != nil {
		return model.EngineStats{}, err
	}
	return m.corr.Stats(), nil
}

// SubscribeEvents 返回会话的遥测事件通道，会话停止时通道关闭
func (s *Service) SubscribeEvents(id model.MonitorID) (<-chan model.TelemetryEvent, error) {
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return m.events, nil
}

func (s *Service) get(id model.MonitorID) (*monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[id]
	if !ok {
		return nil, fmt.Errorf("未知监控会话: %s", id)
	}
	return m, nil
}
