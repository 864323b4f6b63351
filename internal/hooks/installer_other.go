//go:build !windows

package hooks

import (
	"errors"

	"cefguard/pkg/model"
)

// ErrUnsupported 当前平台不支持原生钩子
var ErrUnsupported = errors.New("native hooks are only supported on windows")

// NewInstaller 返回当前平台的钩子安装器
func NewInstaller() Installer { return unsupportedInstaller{} }

type unsupportedInstaller struct{}

func (unsupportedInstaller) Install(model.HookPoint, Gate) error { return ErrUnsupported }
func (unsupportedInstaller) Remove(model.HookPoint) error        { return nil }
