//go:build !windows

package inject

import "errors"

// ErrUnsupported 当前平台不支持注入
var ErrUnsupported = errors.New("injection is only supported on windows")

// NewInjector 返回当前平台的注入器
func NewInjector() Injector { return unsupported{} }

type unsupported struct{}

func (unsupported) Open(uint32) (Process, error) { return nil, ErrUnsupported }
