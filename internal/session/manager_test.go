package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cefguard/internal/blocker"
	"cefguard/internal/hooks"
	"cefguard/internal/inject"
	"cefguard/internal/metrics"
	"cefguard/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payloadPath = "/opt/cefguard/cefguard_blocker.dll"

type installer struct{ fail error }

func (i installer) Install(model.HookPoint, hooks.Gate) error { return i.fail }
func (installer) Remove(model.HookPoint) error                { return nil }

// fakeProcess 在进程内用 blocker.Endpoint 模拟被注入的载荷
type fakeProcess struct {
	mu        sync.Mutex
	installer hooks.Installer
	modules   map[string]inject.Module
	endpoints map[uintptr]*blocker.Endpoint
	nextBase  uintptr
	gone      bool
	zeroPort  bool
	calls     []string
	ejected   []uintptr
}

func newFakeProcess(inst hooks.Installer) *fakeProcess {
	return &fakeProcess{
		installer: inst,
		modules:   map[string]inject.Module{},
		endpoints: map[uintptr]*blocker.Endpoint{},
		nextBase:  0x10000,
	}
}

func (p *fakeProcess) PID() uint32 { return 4242 }

func (p *fakeProcess) FindModule(name string) (inject.Module, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return inject.Module{}, false, inject.ErrProcessInaccessible
	}
	m, ok := p.modules[strings.ToLower(name)]
	return m, ok, nil
}

func (p *fakeProcess) Inject(path string) (inject.Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return inject.Module{}, inject.ErrProcessInaccessible
	}
	name := filepath.Base(path)
	m := inject.Module{Name: name, Path: path, Base: p.nextBase}
	p.nextBase += 0x10000
	p.modules[strings.ToLower(name)] = m
	p.endpoints[m.Base] = blocker.New(procInstaller{p}, nil)
	return m, nil
}

func (p *fakeProcess) Eject(m inject.Module) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return inject.ErrProcessInaccessible
	}
	cur, ok := p.modules[strings.ToLower(m.Name)]
	if !ok || cur.Base != m.Base {
		return inject.ErrModuleInaccessible
	}
	delete(p.modules, strings.ToLower(m.Name))
	p.ejected = append(p.ejected, m.Base)
	return nil
}

func (p *fakeProcess) Call(m inject.Module, export string) (uint32, error) {
	p.mu.Lock()
	p.calls = append(p.calls, fmt.Sprintf("%s@%#x", export, m.Base))
	if p.gone {
		p.mu.Unlock()
		return 0, inject.ErrProcessInaccessible
	}
	ep := p.endpoints[m.Base]
	zero := p.zeroPort
	p.mu.Unlock()
	if ep == nil {
		return 0, inject.ErrModuleInaccessible
	}

	switch export {
	case ExportStart:
		if zero {
			return 0, nil
		}
		port, err := ep.Start()
		if err != nil {
			return 0, nil
		}
		return uint32(port), nil
	case ExportStop:
		ep.Stop()
		return 1, nil
	}
	return 0, inject.ErrProcedureNotFound
}

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.gone
}

func (p *fakeProcess) Close() error { return nil }

func (p *fakeProcess) endpoint(name string) *blocker.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.modules[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return p.endpoints[m.Base]
}

// exit 模拟目标进程退出：载荷随进程一起消失
func (p *fakeProcess) exit() {
	p.mu.Lock()
	eps := make([]*blocker.Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		eps = append(eps, ep)
	}
	p.gone = true
	p.mu.Unlock()
	for _, ep := range eps {
		ep.Stop()
	}
}

func (p *fakeProcess) setInstaller(inst hooks.Installer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installer = inst
}

func (p *fakeProcess) ejectedBases() []uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uintptr(nil), p.ejected...)
}

// procInstaller 每次安装时取进程当前的安装器，模拟 libcef 稍后才加载
type procInstaller struct{ p *fakeProcess }

func (i procInstaller) Install(hook model.HookPoint, gate hooks.Gate) error {
	i.p.mu.Lock()
	inst := i.p.installer
	i.p.mu.Unlock()
	return inst.Install(hook, gate)
}

func (i procInstaller) Remove(hook model.HookPoint) error {
	i.p.mu.Lock()
	inst := i.p.installer
	i.p.mu.Unlock()
	return inst.Remove(hook)
}

type fakeInjector struct{ proc *fakeProcess }

func (f fakeInjector) Open(uint32) (inject.Process, error) { return f.proc, nil }

type chanSink struct {
	requests chan string
	messages chan string
}

func newChanSink() *chanSink {
	return &chanSink{requests: make(chan string, 16), messages: make(chan string, 16)}
}

func (s *chanSink) LogRequest(hook model.HookPoint, blocked bool, url string) {
	s.requests <- fmt.Sprintf("%s %v %s", hook, blocked, url)
}

func (s *chanSink) LogMessage(text string) { s.messages <- text }

type harness struct {
	proc    *fakeProcess
	sink    *chanSink
	filters model.FilterConfig
	metrics *metrics.Metrics
	mgr     *Manager
}

func newHarness(t *testing.T, inst hooks.Installer) *harness {
	return newHarnessWith(t, inst, false)
}

func newHarnessWith(t *testing.T, inst hooks.Installer, ejectable bool) *harness {
	h := &harness{
		proc:    newFakeProcess(inst),
		sink:    newChanSink(),
		metrics: metrics.New(),
		filters: model.FilterConfig{
			Allowlist: []string{"safe"},
			Denylist:  []string{"/ads/"},
		},
	}
	h.mgr = NewManager(Options{
		Injector:  fakeInjector{h.proc},
		Payload:   func() (string, error) { return payloadPath, nil },
		Filters:   func() (model.FilterConfig, error) { return h.filters, nil },
		Sink:      h.sink,
		Metrics:   h.metrics,
		Ejectable: ejectable,
	})
	t.Cleanup(func() { _ = h.mgr.Detach(context.Background()) })
	return h
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var spotify = model.ProcessRecord{PID: 4242, ThreadID: 1, Name: "Spotify.exe", MainWindow: 0xA}

func TestAttachDetachLifecycle(t *testing.T) {
	h := newHarness(t, installer{})
	ctx := testCtx(t)

	s, err := h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	assert.Same(t, s, h.mgr.Current())
	assert.NotZero(t, s.Port)

	ep := h.proc.endpoint("cefguard_blocker.dll")
	require.NotNil(t, ep)
	engine := ep.Engine()
	require.True(t, engine.Enabled())
	assert.Equal(t, []string{"safe"}, engine.Store().Load(model.HookDNSResolve).Spec().Allow)
	assert.Equal(t, []string{"/ads/"}, engine.Store().Load(model.HookNetworkRequestCreate).Spec().Deny)

	assert.True(t, engine.Decide(model.HookNetworkRequestCreate, func() (string, error) {
		return "https://cdn/ads/1.mp3", nil
	}))
	select {
	case got := <-h.sink.requests:
		assert.Equal(t, "cef_urlrequest_create true https://cdn/ads/1.mp3", got)
	case <-ctx.Done():
		t.Fatal("decision not forwarded to host")
	}

	require.NoError(t, h.mgr.Detach(ctx))
	assert.Nil(t, h.mgr.Current())
	assert.False(t, engine.Enabled())
	assert.Zero(t, ep.Port())

	// Go 载荷不可卸载：停止后模块仍留在目标中
	mod, loaded, _ := h.proc.FindModule("cefguard_blocker.dll")
	assert.True(t, loaded)
	assert.Equal(t, s.Module.Base, mod.Base)
	assert.Empty(t, h.proc.ejectedBases())
	assert.Equal(t, 1.0, h.metrics.AttachCount("ok"))
}

func TestAttachReusesStalePayload(t *testing.T) {
	h := newHarness(t, installer{})
	ctx := testCtx(t)

	stale, err := h.proc.Inject(payloadPath)
	require.NoError(t, err)
	stalePort, err := h.proc.Call(stale, ExportStart)
	require.NoError(t, err)
	require.NotZero(t, stalePort)

	s, err := h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	assert.Equal(t, stale.Base, s.Module.Base)
	assert.Empty(t, h.proc.ejectedBases())

	// 先停止残留端点，再在同一模块上重新启动
	stop := fmt.Sprintf("%s@%#x", ExportStop, stale.Base)
	start := fmt.Sprintf("%s@%#x", ExportStart, stale.Base)
	assert.Equal(t, []string{start, stop, start}, h.proc.calls)
	require.True(t, h.proc.endpoint("cefguard_blocker.dll").Engine().Enabled())

	require.NoError(t, h.mgr.Detach(ctx))
	_, err = h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	require.NoError(t, h.mgr.Detach(ctx))
	assert.Empty(t, h.proc.ejectedBases())
	assert.Equal(t, uintptr(0x20000), h.proc.nextBase)
}

func TestAttachEjectsStalePayloadWhenEjectable(t *testing.T) {
	h := newHarnessWith(t, installer{}, true)
	ctx := testCtx(t)

	stale, err := h.proc.Inject(payloadPath)
	require.NoError(t, err)
	_, err = h.proc.Call(stale, ExportStart)
	require.NoError(t, err)

	s, err := h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	assert.NotEqual(t, stale.Base, s.Module.Base)
	assert.Contains(t, h.proc.calls, fmt.Sprintf("%s@%#x", ExportStop, stale.Base))

	require.NoError(t, h.mgr.Detach(ctx))
	assert.Equal(t, []uintptr{stale.Base, s.Module.Base}, h.proc.ejectedBases())
	_, loaded, _ := h.proc.FindModule("cefguard_blocker.dll")
	assert.False(t, loaded)
}

func TestDetachIsIdempotent(t *testing.T) {
	h := newHarness(t, installer{})
	ctx := testCtx(t)

	require.NoError(t, h.mgr.Detach(ctx))

	_, err := h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	require.NoError(t, h.mgr.Detach(ctx))
	require.NoError(t, h.mgr.Detach(ctx))
}

func TestDetachAfterTargetExitSucceeds(t *testing.T) {
	h := newHarness(t, installer{})
	ctx := testCtx(t)

	_, err := h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	h.proc.exit()

	require.NoError(t, h.mgr.Detach(ctx))
	assert.Nil(t, h.mgr.Current())
}

func TestAttachAbortsWhenHooksFail(t *testing.T) {
	h := newHarness(t, installer{fail: errors.New("libcef.dll not loaded")})
	ctx := testCtx(t)

	_, err := h.mgr.Attach(ctx, spotify)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "libcef.dll not loaded")
	assert.Nil(t, h.mgr.Current())
	assert.Equal(t, 1.0, h.metrics.AttachCount("error"))

	// 载荷留在目标中但已停止
	ep := h.proc.endpoint("cefguard_blocker.dll")
	require.NotNil(t, ep)
	assert.Zero(t, ep.Port())
	assert.Nil(t, ep.Engine())

	// libcef 加载后，下一次注入复用同一模块
	h.proc.setInstaller(installer{})
	stale, _, _ := h.proc.FindModule("cefguard_blocker.dll")
	s, err := h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	assert.Equal(t, stale.Base, s.Module.Base)
	assert.True(t, ep.Engine().Enabled())
	assert.Empty(t, h.proc.ejectedBases())
}

func TestAttachRejectsZeroPort(t *testing.T) {
	h := newHarness(t, installer{})
	h.proc.zeroPort = true

	_, err := h.mgr.Attach(testCtx(t), spotify)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
	assert.Nil(t, h.mgr.Current())
	assert.Contains(t, h.proc.calls, fmt.Sprintf("%s@%#x", ExportStop, 0x10000))
}

func TestEndToEndFiltering(t *testing.T) {
	h := newHarness(t, installer{})
	h.filters = model.FilterConfig{Allowlist: []string{"api.safe.com"}, Denylist: []string{"adservice\\."}}
	ctx := testCtx(t)

	_, err := h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	engine := h.proc.endpoint("cefguard_blocker.dll").Engine()

	decide := func(hook model.HookPoint, candidate string) bool {
		return engine.Decide(hook, func() (string, error) { return candidate, nil })
	}
	assert.False(t, decide(model.HookDNSResolve, "api.safe.com"))
	assert.True(t, decide(model.HookDNSResolve, "tracker.io"))
	assert.True(t, decide(model.HookNetworkRequestCreate, "https://adservice.example/x"))
	assert.False(t, decide(model.HookNetworkRequestCreate, "https://cdn.example/x"))

	var got []string
	for range 4 {
		select {
		case line := <-h.sink.requests:
			got = append(got, line)
		case <-ctx.Done():
			t.Fatal("missing decision")
		}
	}
	assert.Equal(t, []string{
		"getaddrinfo false api.safe.com",
		"getaddrinfo true tracker.io",
		"cef_urlrequest_create true https://adservice.example/x",
		"cef_urlrequest_create false https://cdn.example/x",
	}, got)
}

func TestReloadPushesNewRulesets(t *testing.T) {
	h := newHarness(t, installer{})
	ctx := testCtx(t)

	require.NoError(t, h.mgr.Reload(ctx))

	_, err := h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	h.filters = model.FilterConfig{Allowlist: []string{"spotify\\.com"}, Denylist: []string{"doubleclick"}}
	require.NoError(t, h.mgr.Reload(ctx))

	store := h.proc.endpoint("cefguard_blocker.dll").Engine().Store()
	assert.False(t, store.Check(model.HookDNSResolve, "tracker.net"))
	assert.True(t, store.Check(model.HookDNSResolve, "api.spotify.com"))
	assert.False(t, store.Check(model.HookNetworkRequestCreate, "https://doubleclick.net/x"))
}

func TestReloadRejectsMalformedFilters(t *testing.T) {
	h := newHarness(t, installer{})
	ctx := testCtx(t)

	_, err := h.mgr.Attach(ctx, spotify)
	require.NoError(t, err)
	h.filters = model.FilterConfig{Denylist: []string{"("}}

	require.Error(t, h.mgr.Reload(ctx))
	store := h.proc.endpoint("cefguard_blocker.dll").Engine().Store()
	assert.False(t, store.Check(model.HookNetworkRequestCreate, "https://x/ads/"))
}
