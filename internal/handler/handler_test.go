package handler

import (
	"testing"

	"cefguard/internal/metrics"
	"cefguard/pkg/model"
	"cefguard/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct{ got []*traffic.Decision }

func (r *recorder) Record(d *traffic.Decision) { r.got = append(r.got, d) }

func TestLogRequestFansOut(t *testing.T) {
	events := make(chan model.Event, 4)
	rec := &recorder{}
	m := metrics.New()
	h := New(Config{Session: "s-1", PID: 77, Events: events, History: rec, Metrics: m})

	h.LogRequest(model.HookNetworkRequestCreate, true, "https://cdn/ads/1")
	h.LogRequest(model.HookDNSResolve, false, "api.spotify.com")

	require.Len(t, rec.got, 2)
	assert.Equal(t, "s-1", rec.got[0].Session)
	assert.True(t, rec.got[0].Blocked)

	assert.Equal(t, 1.0, m.DecisionCount(model.HookNetworkRequestCreate, traffic.ResultBlocked))
	assert.Equal(t, 1.0, m.DecisionCount(model.HookDNSResolve, traffic.ResultPassed))

	evt := <-events
	assert.Equal(t, model.Event{Type: "blocked", Session: "s-1", PID: 77, Hook: model.HookNetworkRequestCreate, URL: "https://cdn/ads/1"}, evt)
	evt = <-events
	assert.Equal(t, "passed", evt.Type)
}

func TestEmitNeverBlocks(t *testing.T) {
	events := make(chan model.Event, 1)
	h := New(Config{Events: events})

	h.LogMessage("first")
	h.LogMessage("dropped")
	h.LogRequest(model.HookDNSResolve, true, "dropped.too")

	require.Len(t, events, 1)
	assert.Equal(t, "first", (<-events).URL)
}

func TestNilCollaborators(t *testing.T) {
	h := New(Config{})
	assert.NotPanics(t, func() {
		h.LogRequest(model.HookDNSResolve, true, "x")
		h.LogMessage("y")
	})
}
