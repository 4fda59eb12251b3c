package api

import (
	"etldwatch/internal/logger"
	"etldwatch/internal/service"
	"etldwatch/pkg/model"
)

// Service 服务接口
type Service interface {
	// StartMonitor 启动监控会话
	StartMonitor(cfg model.MonitorConfig) (model.MonitorID, error)

	// StopMonitor 停止监控会话
	StopMonitor(id model.MonitorID) error

	// Monitor 重建宿主订阅（注册表变更后调用）
	Monitor(id model.MonitorID) error

	// Stats 获取运行统计
	Stats(id model.MonitorID) (model.EngineStats, error)

	// SubscribeEvents 订阅遥测事件
	SubscribeEvents(id model.MonitorID) (<-chan model.TelemetryEvent, error)
}

// NewService 创建并返回服务接口实现
func NewService(l logger.Logger) Service {
	return service.New(l)
}
