//go:build windows

package scanner

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"cefguard/internal/queue"
	"cefguard/pkg/model"

	"golang.org/x/sys/windows"
)

const (
	eventObjectDestroy = 0x8001
	eventObjectShow    = 0x8002

	winEventOutOfContext   = 0x0000
	winEventSkipOwnThread  = 0x0001
	winEventSkipOwnProcess = 0x0002

	objIDWindow = 0
	childIDSelf = 0

	wmQuit     = 0x0012
	wmUser     = 0x0400
	pmNoRemove = 0x0000
)

var (
	user32                   = windows.NewLazySystemDLL("user32.dll")
	procSetWinEventHook      = user32.NewProc("SetWinEventHook")
	procUnhookWinEvent       = user32.NewProc("UnhookWinEvent")
	procGetMessageW          = user32.NewProc("GetMessageW")
	procPeekMessageW         = user32.NewProc("PeekMessageW")
	procTranslateMessage     = user32.NewProc("TranslateMessage")
	procDispatchMessageW     = user32.NewProc("DispatchMessageW")
	procPostThreadMessageW   = user32.NewProc("PostThreadMessageW")
	procEnumThreadWindows    = user32.NewProc("EnumThreadWindows")
	procGetWindowTextW       = user32.NewProc("GetWindowTextW")
	procGetWindowTextLengthW = user32.NewProc("GetWindowTextLengthW")
)

// NewPlatform 返回 Windows 平台实现
func NewPlatform() Platform { return &winPlatform{} }

type winPlatform struct{}

func (*winPlatform) Processes() ([]ProcessInfo, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var out []ProcessInfo
	entry := windows.ProcessEntry32{Size: uint32(unsafe.Sizeof(windows.ProcessEntry32{}))}
	for err = windows.Process32First(snap, &entry); err == nil; err = windows.Process32Next(snap, &entry) {
		out = append(out, ProcessInfo{PID: entry.ProcessID, Name: windows.UTF16ToString(entry.ExeFile[:])})
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, err
	}
	return out, nil
}

func (*winPlatform) ProcessName(pid uint32) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", err
	}
	return filepath.Base(windows.UTF16ToString(buf[:size])), nil
}

func threadsOf(pid uint32) ([]uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var out []uint32
	entry := windows.ThreadEntry32{Size: uint32(unsafe.Sizeof(windows.ThreadEntry32{}))}
	for err = windows.Thread32First(snap, &entry); err == nil; err = windows.Thread32Next(snap, &entry) {
		if entry.OwnerProcessID == pid {
			out = append(out, entry.ThreadID)
		}
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, err
	}
	return out, nil
}

// 枚举回调通过 param 取回结果切片
var enumWindowsCallback = windows.NewCallback(func(hwnd windows.HWND, param uintptr) uintptr {
	list := (*[]model.WindowHandle)(unsafe.Pointer(param))
	*list = append(*list, model.WindowHandle(hwnd))
	return 1
})

func (*winPlatform) Windows(pid uint32) ([]model.WindowHandle, error) {
	threads, err := threadsOf(pid)
	if err != nil {
		return nil, err
	}
	var roots []model.WindowHandle
	for _, tid := range threads {
		procEnumThreadWindows.Call(uintptr(tid), enumWindowsCallback, uintptr(unsafe.Pointer(&roots)))
	}
	all := append([]model.WindowHandle(nil), roots...)
	for _, w := range roots {
		windows.EnumChildWindows(windows.HWND(w), enumWindowsCallback, unsafe.Pointer(&all))
	}
	return all, nil
}

func (*winPlatform) WindowProcess(w model.WindowHandle) (uint32, uint32, error) {
	var pid uint32
	tid, err := windows.GetWindowThreadProcessId(windows.HWND(w), &pid)
	if err != nil {
		return 0, 0, err
	}
	return pid, tid, nil
}

func (*winPlatform) WindowTitle(w model.WindowHandle) (string, error) {
	n, _, _ := procGetWindowTextLengthW.Call(uintptr(w))
	if n == 0 {
		return "", nil
	}
	buf := make([]uint16, n+1)
	r, _, err := procGetWindowTextW.Call(uintptr(w), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if r == 0 {
		return "", fmt.Errorf("GetWindowTextW: %w", err)
	}
	return windows.UTF16ToString(buf[:r]), nil
}

func (*winPlatform) WindowClass(w model.WindowHandle) (string, error) {
	buf := make([]uint16, 256)
	n, err := windows.GetClassName(windows.HWND(w), &buf[0], int32(len(buf)))
	if err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:n]), nil
}

type winMsg struct {
	hwnd     uintptr
	message  uint32
	wParam   uintptr
	lParam   uintptr
	time     uint32
	pt       struct{ x, y int32 }
	lPrivate uint32
}

// 回调数量有上限，所有订阅共用一个回调，按钩子句柄分发
var (
	sinksMu       sync.Mutex
	sinks         = map[uintptr]*winSubscription{}
	winEventOnce  sync.Once
	winEventProcA uintptr
)

func winEventProc(hook, event, hwnd, idObject, idChild, thread, _ uintptr) uintptr {
	if int32(idObject) != objIDWindow || int32(idChild) != childIDSelf {
		return 0
	}
	sinksMu.Lock()
	sub := sinks[hook]
	sinksMu.Unlock()
	if sub == nil {
		return 0
	}

	evt := WindowEvent{Window: model.WindowHandle(hwnd), ThreadID: uint32(thread), PID: sub.filter.PID}
	switch event {
	case eventObjectShow:
		evt.Kind = WindowShown
	case eventObjectDestroy:
		evt.Kind = WindowDestroyed
	default:
		return 0
	}
	var pid uint32
	if _, err := windows.GetWindowThreadProcessId(windows.HWND(hwnd), &pid); err == nil && pid != 0 {
		evt.PID = pid
	}
	if sub.filter.Match(evt) {
		sub.q.Push(evt)
	}
	return 0
}

// winSubscription 在专用、锁定的系统线程上运行消息循环
type winSubscription struct {
	filter   EventFilter
	q        *queue.Unbounded[WindowEvent]
	events   chan WindowEvent
	threadID uint32
	stopped  chan struct{}
	unhook   error

	once     sync.Once
	closeErr error
}

func (*winPlatform) Subscribe(filter EventFilter) (Subscription, error) {
	winEventOnce.Do(func() { winEventProcA = windows.NewCallback(winEventProc) })

	var event uintptr
	switch filter.Kind {
	case WindowShown:
		event = eventObjectShow
	case WindowDestroyed:
		event = eventObjectDestroy
	default:
		return nil, fmt.Errorf("unsupported window event %v", filter.Kind)
	}

	sub := &winSubscription{
		filter:  filter,
		q:       queue.New[WindowEvent](),
		events:  make(chan WindowEvent),
		stopped: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go sub.loop(event, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	go sub.forward()
	return sub, nil
}

func (s *winSubscription) loop(event uintptr, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.stopped)

	s.threadID = windows.GetCurrentThreadId()
	var m winMsg
	// 先建立线程消息队列，Close 才能投递 WM_QUIT
	procPeekMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, wmUser, wmUser, pmNoRemove)

	h, _, err := procSetWinEventHook.Call(event, event, 0, winEventProcA,
		uintptr(s.filter.PID), uintptr(s.filter.ThreadID),
		winEventOutOfContext|winEventSkipOwnProcess|winEventSkipOwnThread)
	if h == 0 {
		ready <- fmt.Errorf("SetWinEventHook: %w", err)
		return
	}
	sinksMu.Lock()
	sinks[h] = s
	sinksMu.Unlock()
	ready <- nil

	for {
		r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		if int32(r) <= 0 {
			break
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
	}

	sinksMu.Lock()
	delete(sinks, h)
	sinksMu.Unlock()
	if ok, _, err := procUnhookWinEvent.Call(h); ok == 0 {
		s.unhook = fmt.Errorf("UnhookWinEvent: %w", err)
	}
}

func (s *winSubscription) forward() {
	for range s.q.Ready() {
		closed := s.q.Closed()
		for _, evt := range s.q.Drain() {
			select {
			case s.events <- evt:
			case <-s.stopped:
				return
			}
		}
		if closed {
			return
		}
	}
}

func (s *winSubscription) Events() <-chan WindowEvent { return s.events }

// Close 通知钩子线程退出消息循环，在同一线程上解除钩子
func (s *winSubscription) Close() error {
	s.once.Do(func() {
		if ok, _, err := procPostThreadMessageW.Call(uintptr(s.threadID), wmQuit, 0, 0); ok == 0 {
			s.closeErr = fmt.Errorf("PostThreadMessageW: %w", err)
			return
		}
		<-s.stopped
		s.q.Close()
		s.closeErr = s.unhook
	})
	return s.closeErr
}
