//go:build windows

package singleton

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

type mutexGuard struct {
	h windows.Handle
}

// Acquire 创建命名互斥量；互斥量已存在时返回 ErrAlreadyRunning
func Acquire(name string) (Guard, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateMutex(nil, true, p)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if h != 0 {
			_ = windows.CloseHandle(h)
		}
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("create mutex: %w", err)
	}
	return &mutexGuard{h: h}, nil
}

func (g *mutexGuard) Release() error {
	if g.h == 0 {
		return nil
	}
	_ = windows.ReleaseMutex(g.h)
	err := windows.CloseHandle(g.h)
	g.h = 0
	return err
}
