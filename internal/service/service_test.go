package service

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etldwatch/internal/host"
	"etldwatch/internal/logger"
	"etldwatch/pkg/model"
)

type testResolver struct{}

func (testResolver) ResolveDomain(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	parts := strings.Split(u.Hostname(), ".")
	if len(parts) < 2 {
		return "", false
	}
	return strings.Join(parts[len(parts)-2:], "."), true
}

type providerFunc func() (model.PatternMap, error)

func (f providerFunc) Patterns() (model.PatternMap, error) { return f() }

type fakeHooks struct {
	mu         sync.Mutex
	next       int
	kinds      map[host.Handle]string
	onStart    host.RequestFunc
	onRedirect host.RedirectFunc
	onComplete host.CompleteFunc
	closed     bool
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{kinds: make(map[host.Handle]string)}
}

func (f *fakeHooks) add(kind string) host.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := host.Handle(fmt.Sprintf("h%d", f.next))
	f.kinds[h] = kind
	return h
}

func (f *fakeHooks) SubscribeRequestStart(flt host.Filter, cb host.RequestFunc) (host.Handle, error) {
	if len(flt.Patterns) == 0 {
		f.mu.Lock()
		f.onStart = cb
		f.mu.Unlock()
	}
	return f.add("start"), nil
}

func (f *fakeHooks) SubscribeRedirect(flt host.Filter, cb host.RedirectFunc) (host.Handle, error) {
	f.mu.Lock()
	f.onRedirect = cb
	f.mu.Unlock()
	return f.add("redirect"), nil
}

func (f *fakeHooks) SubscribeCompleted(cb host.CompleteFunc) (host.Handle, error) {
	f.mu.Lock()
	f.onComplete = cb
	f.mu.Unlock()
	return f.add("completed"), nil
}

func (f *fakeHooks) Has(h host.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.kinds[h]
	return ok
}

func (f *fakeHooks) Remove(h host.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.kinds, h)
}

func (f *fakeHooks) OnRegistryChanged(cb func()) {}

func newTestService(hooks *fakeHooks) *Service {
	s := New(logger.NewNop())
	s.newHooks = func(cfg model.MonitorConfig, l logger.Logger) (host.Hooks, func() error, error) {
		return hooks, func() error { hooks.closed = true; return nil }, nil
	}
	s.domains = testResolver{}
	s.patterns = func(cfg model.MonitorConfig) host.PatternProvider {
		return providerFunc(func() (model.PatternMap, error) {
			return model.PatternMap{
				{Pattern: "https://search.example.com/*", ActorIDs: []model.ActorID{"addon1"}},
			}, nil
		})
	}
	return s
}

func TestStartMonitorDeliversEvents(t *testing.T) {
	hooks := newFakeHooks()
	s := newTestService(hooks)

	id, err := s.StartMonitor(model.MonitorConfig{
		ActorVersions: map[string]string{"addon1": "1.2.3"},
	})
	require.NoError(t, err)
	require.NotNil(t, hooks.onRedirect)

	events, err := s.SubscribeEvents(id)
	require.NoError(t, err)

	hooks.onRedirect("req1", "", "https://search.example.com/?q=1", "https://bing.com/search?q=1")

	ev := <-events
	assert.Equal(t, model.ObjectOther, ev.Object)
	assert.Equal(t, model.ValueServer, ev.Value)
	assert.Equal(t, "addon1", ev.Extra.AddonID)
	assert.Equal(t, "1.2.3", ev.Extra.AddonVersion)
	assert.Equal(t, "example.com", ev.Extra.From)
	assert.Equal(t, "bing.com", ev.Extra.To)

	stats, err := s.Stats(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Observed)
	assert.EqualValues(t, 1, stats.Reported)
}

func TestStopMonitorTearsDown(t *testing.T) {
	hooks := newFakeHooks()
	s := newTestService(hooks)

	id, err := s.StartMonitor(model.MonitorConfig{})
	require.NoError(t, err)
	events, err := s.SubscribeEvents(id)
	require.NoError(t, err)

	require.NoError(t, s.StopMonitor(id))
	assert.True(t, hooks.closed)

	// 事件通道随会话关闭
	_, open := <-events
	assert.False(t, open)

	// 二次停止与停止后查询都报未知会话
	assert.Error(t, s.StopMonitor(id))
	_, err = s.Stats(id)
	assert.Error(t, err)
}

// gateResolver 在指定 URL 的第 N 次解析处阻塞，用于在临界窗口内
// 停住了结流程
type gateResolver struct {
	mu      sync.Mutex
	gateURL string
	gateHit int
	hits    int
	entered chan struct{}
	release chan struct{}
}

func (g *gateResolver) ResolveDomain(raw string) (string, bool) {
	if raw == g.gateURL {
		g.mu.Lock()
		g.hits++
		hit := g.hits
		g.mu.Unlock()
		if hit == g.gateHit {
			close(g.entered)
			<-g.release
		}
	}
	return testResolver{}.ResolveDomain(raw)
}

// 会话停止时可能有在途的链了结正要上报，迟到的事件必须被丢弃
// 而不是打向已关闭的通道
func TestStopMonitorWithInflightReport(t *testing.T) {
	hooks := newFakeHooks()
	s := newTestService(hooks)
	gate := &gateResolver{
		gateURL: "https://search.example.com/?q=1",
		gateHit: 2, // 第 1 次解析发生在进入跟踪时，第 2 次在了结时
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s.domains = gate

	id, err := s.StartMonitor(model.MonitorConfig{})
	require.NoError(t, err)
	events, err := s.SubscribeEvents(id)
	require.NoError(t, err)

	// 同域服务端跳进入跟踪，随后链跳离起始域
	hooks.onRedirect("req1", "", "https://search.example.com/?q=1", "https://search.example.com/redirect")
	require.NotNil(t, hooks.onStart)
	hooks.onStart("req1", "https://bing.com/search?q=1")

	done := make(chan struct{})
	go func() {
		hooks.onComplete("req1")
		close(done)
	}()

	// 了结流程已删除条目、停在域解析上；此刻停止会话
	<-gate.entered
	require.NoError(t, s.StopMonitor(id))
	close(gate.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("链了结未返回")
	}

	// 迟到的上报被静默丢弃，通道只是关闭，没有事件
	ev, open := <-events
	assert.False(t, open)
	assert.Zero(t, ev)
}

func TestUnknownMonitorID(t *testing.T) {
	s := newTestService(newFakeHooks())
	_, err := s.Stats("missing")
	assert.Error(t, err)
	_, err = s.SubscribeEvents("missing")
	assert.Error(t, err)
	assert.Error(t, s.Monitor("missing"))
}

func TestStartMonitorHostFailure(t *testing.T) {
	s := New(logger.NewNop())
	s.newHooks = func(cfg model.MonitorConfig, l logger.Logger) (host.Hooks, func() error, error) {
		return nil, nil, fmt.Errorf("宿主不可达")
	}
	_, err := s.StartMonitor(model.MonitorConfig{})
	assert.Error(t, err)
}
