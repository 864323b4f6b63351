package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"cefguard/pkg/model"
	"cefguard/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Decision(traffic.NewDecision("s", model.HookDNSResolve, true, "tracker.com"))
	m.Decision(traffic.NewDecision("s", model.HookDNSResolve, true, "ads.com"))
	m.Decision(traffic.NewDecision("s", model.HookNetworkRequestCreate, false, "https://x"))
	m.Attach(nil)
	m.Attach(errors.New("inject failed"))

	assert.Equal(t, 2.0, m.DecisionCount(model.HookDNSResolve, traffic.ResultBlocked))
	assert.Equal(t, 1.0, m.DecisionCount(model.HookNetworkRequestCreate, traffic.ResultPassed))
	assert.Equal(t, 1.0, m.AttachCount("ok"))
	assert.Equal(t, 1.0, m.AttachCount("error"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Decision(traffic.NewDecision("s", model.HookDNSResolve, true, "x"))
	m.Attach(nil)
	assert.Zero(t, m.AttachCount("ok"))
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Decision(traffic.NewDecision("s", model.HookNetworkRequestCreate, true, "https://x/ads"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cefguard_decisions_total{hook="cef_urlrequest_create",result="blocked"} 1`)
}
