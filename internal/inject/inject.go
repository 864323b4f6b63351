package inject

import "errors"

var (
	// ErrProcessInaccessible 目标进程已退出或无法访问
	ErrProcessInaccessible = errors.New("process inaccessible")
	// ErrModuleInaccessible 模块已卸载或无法访问
	ErrModuleInaccessible = errors.New("module inaccessible")
	// ErrProcedureNotFound 模块中没有该导出函数
	ErrProcedureNotFound = errors.New("procedure not found")
)

// Module 目标进程中已加载的模块
type Module struct {
	Name string
	Path string
	Base uintptr
}

// Injector 打开目标进程
type Injector interface {
	Open(pid uint32) (Process, error)
}

// Process 已打开的目标进程句柄
type Process interface {
	PID() uint32
	// FindModule 按文件名查找已加载模块，未找到返回 ok=false
	FindModule(name string) (Module, bool, error)
	Inject(path string) (Module, error)
	Eject(m Module) error
	// Call 在远程线程中调用模块导出函数，返回线程退出码
	Call(m Module, export string) (uint32, error)
	Alive() bool
	Close() error
}

// IsGone 错误是否表示目标已不存在，卸载流程中视为成功
func IsGone(err error) bool {
	return errors.Is(err, ErrProcessInaccessible) || errors.Is(err, ErrModuleInaccessible)
}
