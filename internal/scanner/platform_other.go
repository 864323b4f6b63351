//go:build !windows

package scanner

import (
	"errors"

	"cefguard/pkg/model"
)

// ErrUnsupported 当前平台没有窗口事件
var ErrUnsupported = errors.New("window events are only supported on windows")

// NewPlatform 返回当前平台实现
func NewPlatform() Platform { return unsupported{} }

type unsupported struct{}

func (unsupported) Processes() ([]ProcessInfo, error)                        { return nil, ErrUnsupported }
func (unsupported) ProcessName(uint32) (string, error)                       { return "", ErrUnsupported }
func (unsupported) Windows(uint32) ([]model.WindowHandle, error)             { return nil, ErrUnsupported }
func (unsupported) WindowProcess(model.WindowHandle) (uint32, uint32, error) { return 0, 0, ErrUnsupported }
func (unsupported) WindowTitle(model.WindowHandle) (string, error)           { return "", ErrUnsupported }
func (unsupported) WindowClass(model.WindowHandle) (string, error)           { return "", ErrUnsupported }
func (unsupported) Subscribe(EventFilter) (Subscription, error)              { return nil, ErrUnsupported }
