// Package host 定义引擎消费的宿主协作方契约。
// 引擎自身不关心宿主的具体形态，任何实现了这些接口的宿主都可以接入。
package host

import "etldwatch/pkg/model"

// Handle 订阅句柄，零值表示未订阅
type Handle string

// Filter 订阅过滤器，Patterns 为空表示通配（所有请求）
type Filter struct {
	Patterns []model.Pattern
}

// Match 判断 URL 是否命中过滤器
func (f Filter) Match(url string) bool {
	if len(f.Patterns) == 0 {
		return true
	}
	for _, p := range f.Patterns {
		prefix := p.Prefix()
		if len(url) >= len(prefix) && url[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// RequestFunc 请求开始信号回调
type RequestFunc func(requestID model.RequestID, url string)

// RedirectFunc 重定向信号回调，actorID 为空表示宿主未归因到任何扩展
type RedirectFunc func(requestID model.RequestID, actorID model.ActorID, url, redirectURL string)

// CompleteFunc 导航完成信号回调
type CompleteFunc func(requestID model.RequestID)

// Hooks 宿主请求管线钩子。添加与移除都要求幂等：
// 移除前先用 Has 做存在性检查，重复移除不报错。
type Hooks interface {
	SubscribeRequestStart(f Filter, cb RequestFunc) (Handle, error)
	SubscribeRedirect(f Filter, cb RedirectFunc) (Handle, error)
	SubscribeCompleted(cb CompleteFunc) (Handle, error)
	Has(h Handle) bool
	Remove(h Handle)

	// OnRegistryChanged 注册模式表变更通知回调
	OnRegistryChanged(cb func())
}

// PatternProvider 提供当前受监控的模式表
type PatternProvider interface {
	Patterns() (model.PatternMap, error)
}

// DomainResolver 将 URL 解析为可注册域（eTLD+1），失败返回 false
type DomainResolver interface {
	ResolveDomain(url string) (string, bool)
}

// VersionResolver 解析扩展版本号，未知返回 false
type VersionResolver interface {
	ActorVersion(id model.ActorID) (string, bool)
}

// Sink 宿主遥测落点，尽力而为，不重试不上抛
type Sink interface {
	Emit(ev model.TelemetryEvent)
}
