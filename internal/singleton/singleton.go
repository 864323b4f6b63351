package singleton

import "errors"

// Name 全局命名互斥量
const Name = "cefguard SINGLETON MUTEX"

// ErrAlreadyRunning 已有实例持有互斥量
var ErrAlreadyRunning = errors.New("another instance is already running")

// Guard 持有期间阻止第二个实例启动
type Guard interface {
	Release() error
}
