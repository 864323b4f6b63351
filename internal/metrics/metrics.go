package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cefguard/internal/logger"
	"cefguard/pkg/model"
	"cefguard/pkg/traffic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 过滤与注入计数器；nil 接收者上的方法均为空操作
type Metrics struct {
	registry  *prometheus.Registry
	decisions *prometheus.CounterVec
	attaches  *prometheus.CounterVec
}

// New 创建独立注册表上的计数器
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cefguard",
			Name:      "decisions_total",
			Help:      "Filtering decisions reported by the injected blocker.",
		}, []string{"hook", "result"}),
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cefguard",
			Name:      "attach_total",
			Help:      "Attach attempts by outcome.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.decisions, m.attaches)
	return m
}

// Decision 记录一次过滤判定
func (m *Metrics) Decision(d *traffic.Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(d.Hook.String(), string(d.Result())).Inc()
}

// Attach 记录一次注入结果
func (m *Metrics) Attach(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.attaches.WithLabelValues(result).Inc()
}

// DecisionCount 读取计数，供诊断与测试使用
func (m *Metrics) DecisionCount(hook model.HookPoint, result traffic.Result) float64 {
	if m == nil {
		return 0
	}
	c, err := m.decisions.GetMetricWithLabelValues(hook.String(), string(result))
	if err != nil {
		return 0
	}
	return counterValue(c)
}

// AttachCount 读取注入结果计数
func (m *Metrics) AttachCount(result string) float64 {
	if m == nil {
		return 0
	}
	c, err := m.attaches.GetMetricWithLabelValues(result)
	if err != nil {
		return 0
	}
	return counterValue(c)
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics，直到 ctx 取消
func (m *Metrics) Serve(ctx context.Context, addr string, l logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	l.Info("指标服务已启动", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
