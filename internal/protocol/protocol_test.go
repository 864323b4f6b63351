package protocol

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"cefguard/internal/hooks"
	"cefguard/internal/rules"
	"cefguard/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubInstaller struct {
	mu   sync.Mutex
	fail error
}

func (s *stubInstaller) Install(model.HookPoint, hooks.Gate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *stubInstaller) Remove(model.HookPoint) error { return nil }

type chanLogger struct {
	requests chan LogEvent
	messages chan string
}

func newChanLogger() *chanLogger {
	return &chanLogger{requests: make(chan LogEvent, 64), messages: make(chan string, 64)}
}

func (l *chanLogger) LogRequest(hook model.HookPoint, blocked bool, url string) {
	l.requests <- LogEvent{Kind: EventRequest, Hook: hook, Blocked: blocked, URL: url}
}

func (l *chanLogger) LogMessage(text string) { l.messages <- text }

type fixture struct {
	engine *hooks.Engine
	hub    *Hub
	client *Client
}

func start(t *testing.T, inst hooks.Installer) *fixture {
	t.Helper()
	hub := NewHub(nil)
	engine := hooks.New(rules.NewStore(), inst, hub, nil)

	srv := grpc.NewServer()
	RegisterBlockerControlServer(srv, NewServer(engine, hub, nil))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		hub.Close()
		srv.Stop()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return &fixture{engine: engine, hub: hub, client: c}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLastRulesetBeforeEnableWins(t *testing.T) {
	f := start(t, &stubInstaller{})
	ctx := testCtx(t)

	r1 := model.RulesetSpec{Allow: []string{"first"}}
	r2 := model.RulesetSpec{Allow: []string{"second"}}
	require.NoError(t, f.client.SetRuleset(ctx, model.HookDNSResolve, r1))
	require.NoError(t, f.client.SetRuleset(ctx, model.HookDNSResolve, r2))
	require.NoError(t, f.client.EnableFiltering(ctx))

	assert.True(t, f.engine.Enabled())
	assert.Equal(t, r2.Allow, f.engine.Store().Load(model.HookDNSResolve).Spec().Allow)
}

func TestMalformedRulesetKeepsPrevious(t *testing.T) {
	f := start(t, &stubInstaller{})
	ctx := testCtx(t)

	good := model.RulesetSpec{Deny: []string{"ads"}}
	require.NoError(t, f.client.SetRuleset(ctx, model.HookNetworkRequestCreate, good))

	err := f.client.SetRuleset(ctx, model.HookNetworkRequestCreate, model.RulesetSpec{Deny: []string{"("}})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.False(t, f.engine.Store().Check(model.HookNetworkRequestCreate, "https://x/ads"))
}

func TestEnableFailureIsFailedPrecondition(t *testing.T) {
	f := start(t, &stubInstaller{fail: errors.New("libcef.dll not loaded")})

	err := f.client.EnableFiltering(testCtx(t))
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.False(t, f.engine.Enabled())
}

func TestLoggerReceivesDecisions(t *testing.T) {
	f := start(t, &stubInstaller{})
	ctx := testCtx(t)
	l := newChanLogger()
	require.NoError(t, f.client.RegisterLogger(ctx, l))

	require.NoError(t, f.client.SetRuleset(ctx, model.HookDNSResolve, model.RulesetSpec{Allow: []string{"safe"}}))
	assert.True(t, f.engine.Decide(model.HookDNSResolve, func() (string, error) { return "tracker.com", nil }))
	f.engine.Decide(model.HookDNSResolve, func() (string, error) { return "", errors.New("bad host") })

	select {
	case evt := <-l.requests:
		assert.Equal(t, model.HookDNSResolve, evt.Hook)
		assert.True(t, evt.Blocked)
		assert.Equal(t, "tracker.com", evt.URL)
	case <-ctx.Done():
		t.Fatal("no request event")
	}
	select {
	case msg := <-l.messages:
		assert.Contains(t, msg, "bad host")
	case <-ctx.Done():
		t.Fatal("no message event")
	}
}

func TestEventsDroppedWithoutLogger(t *testing.T) {
	f := start(t, &stubInstaller{})
	f.hub.Request(model.HookDNSResolve, true, "a")
	f.hub.Message("b")
	assert.Zero(t, f.hub.q.Len())
	assert.Zero(t, f.hub.Loggers())
}

func TestHubCloseEndsLoggerStream(t *testing.T) {
	f := start(t, &stubInstaller{})
	ctx := testCtx(t)
	require.NoError(t, f.client.RegisterLogger(ctx, newChanLogger()))

	f.hub.Close()

	select {
	case <-f.client.Done():
		assert.NoError(t, f.client.Err())
	case <-ctx.Done():
		t.Fatal("protocol task did not finish")
	}
}

func TestCloseDisablesFilteringEnabledByClient(t *testing.T) {
	f := start(t, &stubInstaller{})
	ctx := testCtx(t)
	require.NoError(t, f.client.EnableFiltering(ctx))
	require.True(t, f.engine.Enabled())

	require.NoError(t, f.client.Close(ctx))
	assert.False(t, f.engine.Enabled())
	require.NoError(t, f.client.Close(ctx))
}
