package protocol

import "cefguard/pkg/model"

// EventKind 日志流事件类型
type EventKind string

const (
	// EventRegistered 注册确认，日志流的第一条消息
	EventRegistered EventKind = "registered"
	EventRequest    EventKind = "request"
	EventMessage    EventKind = "message"
)

// Empty 无参数/无返回
type Empty struct{}

type RegisterLoggerRequest struct{}

// LogEvent 注入端推送给宿主的日志事件
type LogEvent struct {
	Kind    EventKind       `json:"kind"`
	Hook    model.HookPoint `json:"hook,omitempty"`
	Blocked bool            `json:"blocked,omitempty"`
	URL     string          `json:"url,omitempty"`
	Message string          `json:"message,omitempty"`
}

type SetRulesetRequest struct {
	Hook    model.HookPoint   `json:"hook"`
	Ruleset model.RulesetSpec `json:"ruleset"`
}

// Logger 宿主侧日志能力，由 RegisterLogger 注册到注入端
type Logger interface {
	LogRequest(hook model.HookPoint, blocked bool, url string)
	LogMessage(text string)
}
