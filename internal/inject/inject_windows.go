//go:build windows

package inject

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	stillActive    = 259
	remoteWaitMsec = 10_000

	processAccess = windows.PROCESS_CREATE_THREAD | windows.PROCESS_QUERY_INFORMATION |
		windows.PROCESS_VM_OPERATION | windows.PROCESS_VM_WRITE | windows.PROCESS_VM_READ |
		windows.SYNCHRONIZE
)

var (
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx     = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = kernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = kernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread  = kernel32.NewProc("GetExitCodeThread")
	procLoadLibraryW       = kernel32.NewProc("LoadLibraryW")
	procFreeLibrary        = kernel32.NewProc("FreeLibrary")
)

// NewInjector 返回 Windows 注入器
func NewInjector() Injector { return windowsInjector{} }

type windowsInjector struct{}

func (windowsInjector) Open(pid uint32) (Process, error) {
	h, err := windows.OpenProcess(processAccess, false, pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w: %v", pid, ErrProcessInaccessible, err)
	}
	return &process{pid: pid, handle: h}, nil
}

type process struct {
	pid    uint32
	handle windows.Handle
}

func (p *process) PID() uint32 { return p.pid }

func (p *process) Alive() bool {
	var code uint32
	if err := windows.GetExitCodeProcess(p.handle, &code); err != nil {
		return false
	}
	return code == stillActive
}

func (p *process) Close() error { return windows.CloseHandle(p.handle) }

func (p *process) modules() ([]Module, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, p.pid)
	if err != nil {
		return nil, fmt.Errorf("module snapshot: %w: %v", ErrProcessInaccessible, err)
	}
	defer windows.CloseHandle(snap)

	var mods []Module
	entry := windows.ModuleEntry32{Size: uint32(windows.SizeofModuleEntry32)}
	for err = windows.Module32First(snap, &entry); err == nil; err = windows.Module32Next(snap, &entry) {
		mods = append(mods, Module{
			Name: windows.UTF16ToString(entry.Module[:]),
			Path: windows.UTF16ToString(entry.ExePath[:]),
			Base: entry.ModBaseAddr,
		})
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, fmt.Errorf("enumerate modules: %w", err)
	}
	return mods, nil
}

func (p *process) FindModule(name string) (Module, bool, error) {
	mods, err := p.modules()
	if err != nil {
		return Module{}, false, err
	}
	for _, m := range mods {
		if strings.EqualFold(m.Name, name) {
			return m, true, nil
		}
	}
	return Module{}, false, nil
}

func (p *process) Inject(path string) (Module, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Module{}, err
	}
	wide, err := windows.UTF16FromString(abs)
	if err != nil {
		return Module{}, err
	}
	size := uintptr(len(wide) * 2)

	remote, _, callErr := procVirtualAllocEx.Call(uintptr(p.handle), 0, size,
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if remote == 0 {
		return Module{}, p.wrap("VirtualAllocEx", callErr)
	}
	defer procVirtualFreeEx.Call(uintptr(p.handle), remote, 0, windows.MEM_RELEASE)

	var written uintptr
	if err := windows.WriteProcessMemory(p.handle, remote, (*byte)(unsafe.Pointer(&wide[0])), size, &written); err != nil {
		return Module{}, p.wrap("WriteProcessMemory", err)
	}

	// kernel32 在同位数进程中的加载地址一致
	code, err := p.remoteThread(procLoadLibraryW.Addr(), remote)
	if err != nil {
		return Module{}, err
	}
	if code == 0 {
		return Module{}, fmt.Errorf("LoadLibraryW %s failed in target", abs)
	}

	m, ok, err := p.FindModule(filepath.Base(abs))
	if err != nil {
		return Module{}, err
	}
	if !ok {
		return Module{}, fmt.Errorf("%s: %w after load", filepath.Base(abs), ErrModuleInaccessible)
	}
	return m, nil
}

func (p *process) Eject(m Module) error {
	if _, ok, err := p.FindModule(m.Name); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: %w", m.Name, ErrModuleInaccessible)
	}
	code, err := p.remoteThread(procFreeLibrary.Addr(), m.Base)
	if err != nil {
		return err
	}
	if code == 0 {
		return fmt.Errorf("FreeLibrary %s failed in target", m.Name)
	}
	return nil
}

func (p *process) Call(m Module, export string) (uint32, error) {
	rva, err := ExportRVA(m.Path, export)
	if err != nil {
		return 0, err
	}
	return p.remoteThread(m.Base+uintptr(rva), 0)
}

// remoteThread 在目标进程中执行 start(param) 并等待其退出码
func (p *process) remoteThread(start, param uintptr) (uint32, error) {
	if !p.Alive() {
		return 0, fmt.Errorf("pid %d: %w", p.pid, ErrProcessInaccessible)
	}
	th, _, callErr := procCreateRemoteThread.Call(uintptr(p.handle), 0, 0, start, param, 0, 0)
	if th == 0 {
		return 0, p.wrap("CreateRemoteThread", callErr)
	}
	thread := windows.Handle(th)
	defer windows.CloseHandle(thread)

	ev, err := windows.WaitForSingleObject(thread, remoteWaitMsec)
	if err != nil {
		return 0, p.wrap("WaitForSingleObject", err)
	}
	if ev != windows.WAIT_OBJECT_0 {
		return 0, fmt.Errorf("remote thread in pid %d timed out", p.pid)
	}

	var code uint32
	if ok, _, callErr := procGetExitCodeThread.Call(th, uintptr(unsafe.Pointer(&code))); ok == 0 {
		return 0, p.wrap("GetExitCodeThread", callErr)
	}
	return code, nil
}

func (p *process) wrap(op string, err error) error {
	if !p.Alive() {
		return fmt.Errorf("%s: %w", op, ErrProcessInaccessible)
	}
	return fmt.Errorf("%s: %w", op, err)
}
