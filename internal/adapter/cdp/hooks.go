// Package cdp 把 host.Hooks 契约落到一个真实浏览器上：
// 通过 DevTools 协议消费 Network.requestWillBeSent 事件流，
// 携带 redirectResponse 的事件即一次重定向信号。
// CDP 宿主不提供扩展归因元数据，重定向信号的 actorID 恒为空。
package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"

	"etldwatch/internal/host"
	"etldwatch/internal/logger"
	"etldwatch/pkg/model"
)

type subKind int

const (
	subStart subKind = iota
	subRedirect
	subCompleted
)

type subscription struct {
	kind       subKind
	filter     host.Filter
	onStart    host.RequestFunc
	onRedirect host.RedirectFunc
	onComplete host.CompleteFunc
}

// Hooks CDP 宿主钩子实现
type Hooks struct {
	devtoolsURL string
	log         logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	conn   *rpcc.Conn
	client *cdp.Client

	mu          sync.Mutex
	subs        map[host.Handle]*subscription
	registryCbs []func()
}

// New 创建 CDP 宿主钩子
func New(devtoolsURL string, l logger.Logger) *Hooks {
	if l == nil {
		l = logger.NewNop()
	}
	return &Hooks{
		devtoolsURL: devtoolsURL,
		log:         l,
		subs:        make(map[host.Handle]*subscription),
	}
}

// Attach 连接目标并开始消费网络事件流。target 为空时取第一个可用目标。
func (h *Hooks) Attach(target string) error {
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	h.cancel = cancel

	dt := devtool.New(h.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("列举目标失败: %w", err)
	}
	var sel *devtool.Target
	for i := range targets {
		if target == "" || string(targets[i].ID) == target {
			sel = targets[i]
			if target != "" {
				break
			}
			if sel.Type == devtool.Page {
				break
			}
		}
	}
	if sel == nil {
		cancel()
		return fmt.Errorf("无可用目标: %q", target)
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return fmt.Errorf("连接目标失败: %w", err)
	}
	h.conn = conn
	h.client = cdp.NewClient(conn)

	if err := h.client.Network.Enable(ctx, nil); err != nil {
		conn.Close()
		cancel()
		return fmt.Errorf("启用 Network 域失败: %w", err)
	}

	go h.consumeRequests()
	go h.consumeCompleted()
	h.log.Info("已附加目标", "target", string(sel.ID), "url", sel.URL)
	return nil
}

// Close 断开连接并停止事件消费
func (h *Hooks) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}

// SubscribeRequestStart 订阅请求开始信号，filter 为空即通配
func (h *Hooks) SubscribeRequestStart(f host.Filter, cb host.RequestFunc) (host.Handle, error) {
	return h.add(&subscription{kind: subStart, filter: f, onStart: cb}), nil
}

// SubscribeRedirect 订阅重定向信号
func (h *Hooks) SubscribeRedirect(f host.Filter, cb host.RedirectFunc) (host.Handle, error) {
	return h.add(&subscription{kind: subRedirect, filter: f, onRedirect: cb}), nil
}

// SubscribeCompleted 订阅导航完成信号
func (h *Hooks) SubscribeCompleted(cb host.CompleteFunc) (host.Handle, error) {
	return h.add(&subscription{kind: subCompleted, onComplete: cb}), nil
}

// Has 判断句柄是否仍然有效
func (h *Hooks) Has(handle host.Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[handle]
	return ok
}

// Remove 移除订阅，不存在时为空操作
func (h *Hooks) Remove(handle host.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, handle)
}

// OnRegistryChanged 注册模式表变更通知回调
func (h *Hooks) OnRegistryChanged(cb func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registryCbs = append(h.registryCbs, cb)
}

// NotifyRegistryChanged 由嵌入方在模式表变更时调用，触发所有已注册回调
func (h *Hooks) NotifyRegistryChanged() {
	h.mu.Lock()
	cbs := make([]func(), len(h.registryCbs))
	copy(cbs, h.registryCbs)
	h.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (h *Hooks) add(s *subscription) host.Handle {
	handle := host.Handle(uuid.NewString())
	h.mu.Lock()
	h.subs[handle] = s
	h.mu.Unlock()
	return handle
}

// consumeRequests 消费 requestWillBeSent 事件流并分发为开始/重定向信号
func (h *Hooks) consumeRequests() {
	stream, err := h.client.Network.RequestWillBeSent(h.ctx)
	if err != nil {
		h.log.Error("订阅请求事件流失败", "error", err)
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if err != nil {
			h.log.Warn("请求事件流终止", "error", err)
			return
		}
		h.handleRequestWillBeSent(ev)
	}
}

// handleRequestWillBeSent 分发一次 requestWillBeSent 事件。
// 携带 redirectResponse 的事件是一跳重定向：除重定向信号外，
// 跳转去向还要送达通配的请求开始订阅者，跟踪链靠它记录每一跳。
func (h *Hooks) handleRequestWillBeSent(ev *network.RequestWillBeSentReply) {
	id := model.RequestID(ev.RequestID)
	if ev.RedirectResponse != nil {
		h.dispatchRedirect(id, "", ev.RedirectResponse.URL, ev.Request.URL)
		h.dispatchHop(id, ev.Request.URL)
		return
	}
	h.dispatchStart(id, ev.Request.URL)
}

// consumeCompleted 消费 loadingFinished 事件流并分发完成信号
func (h *Hooks) consumeCompleted() {
	stream, err := h.client.Network.LoadingFinished(h.ctx)
	if err != nil {
		h.log.Error("订阅完成事件流失败", "error", err)
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if err != nil {
			h.log.Warn("完成事件流终止", "error", err)
			return
		}
		h.dispatchCompleted(model.RequestID(ev.RequestID))
	}
}

// 回调在快照上执行，不持有 h.mu，避免回调内再订阅时死锁

func (h *Hooks) dispatchStart(id model.RequestID, url string) {
	for _, s := range h.snapshot(subStart) {
		if s.filter.Match(url) {
			s.onStart(id, url)
		}
	}
}

// dispatchHop 只送达通配（空过滤）的请求开始订阅者。
// 重定向跳的去向可能已离开受控前缀，过滤订阅者不应看到它。
func (h *Hooks) dispatchHop(id model.RequestID, url string) {
	for _, s := range h.snapshot(subStart) {
		if len(s.filter.Patterns) == 0 {
			s.onStart(id, url)
		}
	}
}

func (h *Hooks) dispatchRedirect(id model.RequestID, actor model.ActorID, url, redirectURL string) {
	for _, s := range h.snapshot(subRedirect) {
		if s.filter.Match(url) {
			s.onRedirect(id, actor, url, redirectURL)
		}
	}
}

func (h *Hooks) dispatchCompleted(id model.RequestID) {
	for _, s := range h.snapshot(subCompleted) {
		s.onComplete(id)
	}
}

func (h *Hooks) snapshot(kind subKind) []*subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*subscription
	for _, s := range h.subs {
		if s.kind == kind {
			out = append(out, s)
		}
	}
	return out
}
