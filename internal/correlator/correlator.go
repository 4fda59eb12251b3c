// Package correlator 实现按请求关联重定向信号并决定归因上报的状态机。
// 每个请求经历 未跟踪 -> 跟踪中 -> 已了结（移除） 三个状态；
// 单个请求的整个生命周期内至多发出一次上报。
package correlator

import (
	"sync"
	"time"

	"etldwatch/internal/host"
	"etldwatch/internal/logger"
	"etldwatch/internal/registry"
	"etldwatch/internal/telemetry"
	"etldwatch/pkg/model"
)

// Config 关联器依赖与参数
type Config struct {
	Registry      *registry.Registry
	Domains       host.DomainResolver
	Versions      host.VersionResolver
	Emitter       *telemetry.Emitter
	Hooks         host.Hooks
	FollowTimeout time.Duration
	Logger        logger.Logger
}

// Correlator 重定向关联器
type Correlator struct {
	registry      *registry.Registry
	domains       host.DomainResolver
	versions      host.VersionResolver
	emitter       *telemetry.Emitter
	hooks         host.Hooks
	followTimeout time.Duration
	log           logger.Logger

	mu           sync.Mutex
	tracked      map[model.RequestID]*chain
	followHandle host.Handle
	observed     int64
	suppressed   int64
	reported     int64
}

// chain 一条被跟踪的重定向链。urls 为按序观测到的 URL，创建时长度为 2。
// timer 为可取消的延迟清理定时器，链的每一次变更都会替换它。
type chain struct {
	actorIDs []model.ActorID
	urls     []string
	timer    *time.Timer
}

// New 创建关联器
func New(cfg Config) *Correlator {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	to := cfg.FollowTimeout
	if to <= 0 {
		to = 30 * time.Second
	}
	return &Correlator{
		registry:      cfg.Registry,
		domains:       cfg.Domains,
		versions:      cfg.Versions,
		emitter:       cfg.Emitter,
		hooks:         cfg.Hooks,
		followTimeout: to,
		log:           l,
		tracked:       make(map[model.RequestID]*chain),
	}
}

// OnRedirect 重定向信号入口。actorID 为空且 URL 确实变化时视为服务端重定向。
func (c *Correlator) OnRedirect(requestID model.RequestID, actorID model.ActorID, url, redirectURL string) {
	c.mu.Lock()
	c.observed++
	c.mu.Unlock()

	isServerSide := actorID == "" && url != redirectURL

	var actorIDs []model.ActorID
	switch {
	case isServerSide:
		if c.registry != nil {
			actorIDs = c.registry.Lookup(url)
		}
	case actorID != "":
		actorIDs = []model.ActorID{actorID}
	}
	if len(actorIDs) == 0 {
		c.log.Debug("重定向无可归因对象", "requestID", string(requestID), "url", url)
		return
	}

	from, ok := c.resolveDomain(url)
	to, ok2 := c.resolveDomain(redirectURL)
	if !ok || !ok2 {
		c.log.Debug("域解析失败，放弃归因", "url", url, "redirectURL", redirectURL)
		return
	}

	if from == to {
		if isServerSide {
			c.track(requestID, actorIDs, url, redirectURL)
		} else {
			c.mu.Lock()
			c.suppressed++
			c.mu.Unlock()
			c.log.Debug("扩展发起的同域跳转，静默抑制", "requestID", string(requestID), "domain", from)
		}
		return
	}

	// 域不同：立即上报。若该请求已有跟踪链，先行废弃，
	// 保证同一请求不会再触发延迟上报。
	c.discard(requestID)
	object, value := model.ObjectOther, model.ValueServer
	if !isServerSide {
		object, value = model.ObjectWebRequest, model.ValueExtension
	}
	c.report(actorIDs, object, value, from, to)
}

// Follow 通配跟踪钩子入口：宿主的每一次导航都会到达这里，
// 只对当前被跟踪的请求生效。连续重复的 URL 不会重复入链，
// 这是针对两路钩子对同一跳重复触发的去重保护。
func (c *Correlator) Follow(requestID model.RequestID, observedURL string) {
	c.mu.Lock()
	ch := c.tracked[requestID]
	if ch == nil {
		c.mu.Unlock()
		return
	}
	if ch.urls[len(ch.urls)-1] != observedURL {
		ch.urls = append(ch.urls, observedURL)
		c.rescheduleLocked(requestID, ch)
	}
	c.mu.Unlock()
}

// Unfollow 了结一条跟踪链，由定时器超时或宿主的完成信号触发。
// 首尾 URL 在此刻解析域并比较：不同则按服务端重定向延迟上报，
// 相同则不上报（即使中间跳离过该域，这是已知并保留的限制）。
// 条目先删除再上报，重复调用自然退化为空操作。
func (c *Correlator) Unfollow(requestID model.RequestID) {
	c.mu.Lock()
	ch := c.tracked[requestID]
	if ch == nil {
		c.mu.Unlock()
		return
	}
	delete(c.tracked, requestID)
	if ch.timer != nil {
		ch.timer.Stop()
	}
	var follow host.Handle
	if len(c.tracked) == 0 {
		follow = c.followHandle
		c.followHandle = ""
	}
	c.mu.Unlock()
	c.removeFollow(follow)

	from, ok := c.resolveDomain(ch.urls[0])
	to, ok2 := c.resolveDomain(ch.urls[len(ch.urls)-1])
	if !ok || !ok2 {
		c.log.Debug("链首尾域解析失败，放弃上报", "requestID", string(requestID))
		return
	}
	if from == to {
		c.log.Debug("链首尾同域，不上报", "requestID", string(requestID), "domain", from, "hops", len(ch.urls))
		return
	}
	c.report(ch.actorIDs, model.ObjectOther, model.ValueServer, from, to)
}

// Stop 取消所有跟踪与定时器，移除通配钩子
func (c *Correlator) Stop() {
	c.mu.Lock()
	for _, ch := range c.tracked {
		if ch.timer != nil {
			ch.timer.Stop()
		}
	}
	c.tracked = make(map[model.RequestID]*chain)
	follow := c.followHandle
	c.followHandle = ""
	c.mu.Unlock()
	c.removeFollow(follow)
}

// Stats 返回运行统计
func (c *Correlator) Stats() model.EngineStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.EngineStats{
		Observed:   c.observed,
		Suppressed: c.suppressed,
		Reported:   c.reported,
		Tracked:    int64(len(c.tracked)),
	}
}

// track 进入或延续跟踪态：链不存在才创建（不覆盖已有链），
// 确保通配跟踪钩子已安装，并重置该请求的清理定时器。
func (c *Correlator) track(requestID model.RequestID, actorIDs []model.ActorID, url, redirectURL string) {
	c.mu.Lock()
	ch := c.tracked[requestID]
	if ch == nil {
		ch = &chain{actorIDs: actorIDs, urls: []string{url, redirectURL}}
		c.tracked[requestID] = ch
	}
	c.ensureFollowLocked()
	c.rescheduleLocked(requestID, ch)
	c.mu.Unlock()
	c.log.Debug("跟踪重定向链", "requestID", string(requestID), "url", url)
}

// discard 丢弃一条跟踪链而不上报（该请求已通过即时路径了结）
func (c *Correlator) discard(requestID model.RequestID) {
	c.mu.Lock()
	ch := c.tracked[requestID]
	if ch == nil {
		c.mu.Unlock()
		return
	}
	delete(c.tracked, requestID)
	if ch.timer != nil {
		ch.timer.Stop()
	}
	var follow host.Handle
	if len(c.tracked) == 0 {
		follow = c.followHandle
		c.followHandle = ""
	}
	c.mu.Unlock()
	c.removeFollow(follow)
}

// rescheduleLocked 替换清理定时器，旧定时器先取消。调用方持有 c.mu。
func (c *Correlator) rescheduleLocked(requestID model.RequestID, ch *chain) {
	if ch.timer != nil {
		ch.timer.Stop()
	}
	ch.timer = time.AfterFunc(c.followTimeout, func() {
		c.Unfollow(requestID)
	})
}

// ensureFollowLocked 安装通配跟踪钩子（存在性检查，幂等）。调用方持有 c.mu。
func (c *Correlator) ensureFollowLocked() {
	if c.hooks == nil {
		return
	}
	if c.followHandle != "" && c.hooks.Has(c.followHandle) {
		return
	}
	h, err := c.hooks.SubscribeRequestStart(host.Filter{}, c.Follow)
	if err != nil {
		c.log.Warn("安装通配跟踪钩子失败", "error", err)
		return
	}
	c.followHandle = h
}

// removeFollow 移除通配跟踪钩子（存在性检查，幂等）
func (c *Correlator) removeFollow(h host.Handle) {
	if h == "" || c.hooks == nil {
		return
	}
	if c.hooks.Has(h) {
		c.hooks.Remove(h)
		c.log.Debug("跟踪集已空，移除通配钩子")
	}
}

// report 对每个归因对象发出一条事件，版本解析失败时版本为空但事件照发。
// 无发射器时什么都没发出，计数也不增长。
func (c *Correlator) report(actorIDs []model.ActorID, object, value, from, to string) {
	if c.emitter == nil {
		return
	}
	for _, id := range actorIDs {
		version := ""
		if c.versions != nil {
			if v, ok := c.versions.ActorVersion(id); ok {
				version = v
			}
		}
		c.emitter.Emit(model.MethodETLDChange, object, value, model.EventExtra{
			AddonID:      string(id),
			AddonVersion: version,
			From:         from,
			To:           to,
		})
	}
	c.mu.Lock()
	c.reported += int64(len(actorIDs))
	c.mu.Unlock()
}

func (c *Correlator) resolveDomain(url string) (string, bool) {
	if c.domains == nil {
		return "", false
	}
	return c.domains.ResolveDomain(url)
}
