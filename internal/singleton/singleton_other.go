//go:build !windows

package singleton

import "sync"

var (
	mu   sync.Mutex
	held = map[string]bool{}
)

type localGuard struct{ name string }

// Acquire 非 Windows 平台仅在进程内互斥
func Acquire(name string) (Guard, error) {
	mu.Lock()
	defer mu.Unlock()
	if held[name] {
		return nil, ErrAlreadyRunning
	}
	held[name] = true
	return &localGuard{name: name}, nil
}

func (g *localGuard) Release() error {
	mu.Lock()
	defer mu.Unlock()
	delete(held, g.name)
	return nil
}
