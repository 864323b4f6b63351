package scanner

import "cefguard/pkg/model"

// WindowEventKind 窗口事件类型
type WindowEventKind uint8

const (
	WindowShown WindowEventKind = iota + 1
	WindowDestroyed
)

func (k WindowEventKind) String() string {
	switch k {
	case WindowShown:
		return "show"
	case WindowDestroyed:
		return "destroy"
	default:
		return "unknown"
	}
}

// WindowEvent 顶层窗口对象事件
type WindowEvent struct {
	Kind     WindowEventKind
	Window   model.WindowHandle
	PID      uint32
	ThreadID uint32
}

// EventFilter 订阅过滤条件，PID/ThreadID 为 0 表示不限
type EventFilter struct {
	Kind     WindowEventKind
	PID      uint32
	ThreadID uint32
}

// Match 事件是否满足过滤条件
func (f EventFilter) Match(e WindowEvent) bool {
	return e.Kind == f.Kind &&
		(f.PID == 0 || e.PID == f.PID) &&
		(f.ThreadID == 0 || e.ThreadID == f.ThreadID)
}

// Subscription 一个活动的窗口事件订阅
type Subscription interface {
	Events() <-chan WindowEvent
	Close() error
}

// ProcessInfo 进程快照条目
type ProcessInfo struct {
	PID  uint32
	Name string
}

// Platform 操作系统的进程/窗口查询与事件订阅
type Platform interface {
	// Processes 进程快照，顺序稳定
	Processes() ([]ProcessInfo, error)
	ProcessName(pid uint32) (string, error)
	// Windows 进程各线程的顶层窗口及其子窗口
	Windows(pid uint32) ([]model.WindowHandle, error)
	WindowProcess(w model.WindowHandle) (pid, tid uint32, err error)
	WindowTitle(w model.WindowHandle) (string, error)
	WindowClass(w model.WindowHandle) (string, error)
	Subscribe(filter EventFilter) (Subscription, error)
}
