package handler

import (
	"fmt"

	"cefguard/internal/logger"
	"cefguard/internal/metrics"
	"cefguard/pkg/model"
	"cefguard/pkg/traffic"
)

// Recorder 决策持久化
type Recorder interface {
	Record(d *traffic.Decision)
}

// Handler 宿主侧日志能力，接收注入端上报的决策与诊断消息
type Handler struct {
	session string
	pid     uint32
	events  chan model.Event
	history Recorder
	metrics *metrics.Metrics
	log     logger.Logger
}

// Config 配置选项
type Config struct {
	Session string
	PID     uint32
	Events  chan model.Event
	History Recorder
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Handler{
		session: cfg.Session,
		pid:     cfg.PID,
		events:  cfg.Events,
		history: cfg.History,
		metrics: cfg.Metrics,
		log:     l,
	}
}

// LogRequest 处理一次过滤决策
func (h *Handler) LogRequest(hook model.HookPoint, blocked bool, url string) {
	d := traffic.NewDecision(h.session, hook, blocked, url)
	h.log.Debug(fmt.Sprintf("[%c] (%s) %s", d.Sign(), hook, url))

	h.metrics.Decision(d)
	if h.history != nil {
		h.history.Record(d)
	}
	h.emit(model.Event{
		Type:    string(d.Result()),
		Session: h.session,
		PID:     h.pid,
		Hook:    hook,
		URL:     url,
	})
}

// LogMessage 处理注入端的诊断消息
func (h *Handler) LogMessage(text string) {
	h.log.Info(text, "source", "blocker")
	h.emit(model.Event{
		Type:    "message",
		Session: h.session,
		PID:     h.pid,
		URL:     text,
	})
}

// emit 非阻塞发送，订阅者处理不及时则丢弃
func (h *Handler) emit(evt model.Event) {
	if h.events == nil {
		return
	}
	select {
	case h.events <- evt:
	default:
		h.log.Debug("事件通道已满，丢弃事件", "type", evt.Type)
	}
}
