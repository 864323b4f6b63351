//go:build windows

package hooks

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"cefguard/internal/adapter/cef"
	"cefguard/pkg/model"

	"golang.org/x/sys/windows"
)

const (
	ws2Module = "WS2_32.dll"
	cefModule = "libcef.dll"

	wsaHostNotFound = 11001

	// cef_request_t: cef_base_ref_counted_t{size, add_ref, release, has_one_ref, has_at_least_one_ref}
	// 之后依次为 is_read_only、get_url
	cefRequestGetURLIndex = 6
)

// nativeState 单个钩子点的运行时状态，回调通过它找到判定入口和原函数
type nativeState struct {
	gate atomic.Pointer[gateBox]
	orig atomic.Uintptr
}

type gateBox struct{ Gate }

var (
	dnsState nativeState
	cefState nativeState

	callbackOnce sync.Once
	dnsCallback  uintptr
	cefCallback  uintptr

	// 钩子线程读取，安装时写入
	cefUserfreeFree atomic.Uintptr
)

// 回调数量有上限且无法释放，整个进程只创建一次
func initCallbacks() {
	callbackOnce.Do(func() {
		dnsCallback = windows.NewCallback(getaddrinfoDetour)
		cefCallback = windows.NewCallbackCDecl(urlrequestCreateDetour)
	})
}

// freeUserfree 释放 get_url 返回的字符串；释放函数未解析时泄漏
func freeUserfree(s uintptr) {
	if free := cefUserfreeFree.Load(); free != 0 && s != 0 {
		syscall.SyscallN(free, s)
	}
}

func getaddrinfoDetour(node, service, hints, result uintptr) uintptr {
	if g := dnsState.gate.Load(); g != nil {
		blocked := g.Decide(model.HookDNSResolve, func() (string, error) {
			return readHost(node)
		})
		if blocked {
			return wsaHostNotFound
		}
	}
	r, _, _ := syscall.SyscallN(dnsState.orig.Load(), node, service, hints, result)
	return r
}

func urlrequestCreateDetour(request, client, context uintptr) uintptr {
	if g := cefState.gate.Load(); g != nil {
		blocked := g.Decide(model.HookNetworkRequestCreate, func() (string, error) {
			return readRequestURL(request)
		})
		if blocked {
			return 0
		}
	}
	r, _, _ := syscall.SyscallN(cefState.orig.Load(), request, client, context)
	return r
}

func readHost(node uintptr) (string, error) {
	if node == 0 {
		return "", ErrNoCandidate
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < cef.MaxHostLen; i++ {
		c := *(*byte)(unsafe.Pointer(node + uintptr(i)))
		buf = append(buf, c)
		if c == 0 {
			break
		}
	}
	return cef.HostFromCString(buf)
}

type cefStringUserfree struct {
	str    *uint16
	length uintptr
	dtor   uintptr
}

func readRequestURL(request uintptr) (string, error) {
	if request == 0 {
		return "", ErrNoCandidate
	}
	getURL := *(*uintptr)(unsafe.Pointer(request + cefRequestGetURLIndex*ptrSize))
	if getURL == 0 {
		return "", ErrNoCandidate
	}
	s, _, _ := syscall.SyscallN(getURL, request)
	if s == 0 {
		return "", ErrNoCandidate
	}
	defer freeUserfree(s)

	str := (*cefStringUserfree)(unsafe.Pointer(s))
	if err := cef.CheckURLLength(uint64(str.length)); err != nil {
		return "", err
	}
	if str.str == nil || str.length == 0 {
		return "", nil
	}
	return cef.URLFromUTF16(unsafe.Slice(str.str, str.length))
}

type nativeHook struct {
	module   string
	symbol   string
	state    *nativeState
	callback func() uintptr
	slots    []iatSlot
}

// iatInstaller 通过改写各模块导入表实现钩子
type iatInstaller struct {
	mu    sync.Mutex
	hooks [model.HookPointCount]*nativeHook
}

// NewInstaller 返回当前平台的钩子安装器
func NewInstaller() Installer {
	initCallbacks()
	return &iatInstaller{
		hooks: [model.HookPointCount]*nativeHook{
			model.HookDNSResolve: {
				module: ws2Module, symbol: "getaddrinfo",
				state: &dnsState, callback: func() uintptr { return dnsCallback },
			},
			model.HookNetworkRequestCreate: {
				module: cefModule, symbol: "cef_urlrequest_create",
				state: &cefState, callback: func() uintptr { return cefCallback },
			},
		},
	}
}

func (in *iatInstaller) Install(hook model.HookPoint, gate Gate) error {
	if !hook.Valid() {
		return fmt.Errorf("invalid hook point %d", hook)
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	h := in.hooks[hook]
	if h.slots != nil {
		h.state.gate.Store(&gateBox{gate})
		return nil
	}
	target, err := resolveExport(h.module, h.symbol)
	if err != nil {
		return err
	}
	if hook == model.HookNetworkRequestCreate && cefUserfreeFree.Load() == 0 {
		free, err := resolveExport(cefModule, "cef_string_userfree_utf16_free")
		if err != nil {
			return err
		}
		cefUserfreeFree.Store(free)
	}

	h.state.orig.Store(target)
	h.state.gate.Store(&gateBox{gate})
	slots, err := patchImports(h.module, target, h.callback())
	if err != nil {
		h.state.gate.Store(nil)
		return fmt.Errorf("%s!%s: %w", h.module, h.symbol, err)
	}
	h.slots = slots
	return nil
}

func (in *iatInstaller) Remove(hook model.HookPoint) error {
	if !hook.Valid() {
		return fmt.Errorf("invalid hook point %d", hook)
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	h := in.hooks[hook]
	if h.slots == nil {
		return nil
	}
	err := restoreImports(h.slots)
	h.slots = nil
	// 仍在途中的回调看到空 gate 会直接调用原函数
	h.state.gate.Store(nil)
	return err
}
