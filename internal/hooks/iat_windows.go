//go:build windows

package hooks

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	imageDOSSignature = 0x5A4D
	imageNTSignature  = 0x00004550
	pe32Magic         = 0x10b
	pe32PlusMagic     = 0x20b

	importDescriptorSize = 20
	ptrSize              = unsafe.Sizeof(uintptr(0))
)

// iatSlot 一个被改写的导入表槽位
type iatSlot struct {
	addr uintptr
	orig uintptr
}

// resolveExport 解析已加载模块中的导出函数地址
func resolveExport(module, symbol string) (uintptr, error) {
	name, err := windows.UTF16PtrFromString(module)
	if err != nil {
		return 0, err
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, name, &h); err != nil {
		return 0, fmt.Errorf("%s not loaded: %w", module, err)
	}
	addr, err := windows.GetProcAddress(h, symbol)
	if err != nil {
		return 0, fmt.Errorf("%s!%s: %w", module, symbol, err)
	}
	return addr, nil
}

// loadedModules 枚举当前进程已加载的全部模块基址
func loadedModules() ([]uintptr, error) {
	self := windows.CurrentProcess()
	mods := make([]windows.Handle, 256)
	for {
		var needed uint32
		size := uint32(len(mods)) * uint32(unsafe.Sizeof(mods[0]))
		if err := windows.EnumProcessModules(self, &mods[0], size, &needed); err != nil {
			return nil, fmt.Errorf("enum modules: %w", err)
		}
		n := int(needed / uint32(unsafe.Sizeof(mods[0])))
		if n <= len(mods) {
			out := make([]uintptr, n)
			for i := range out {
				out[i] = uintptr(mods[i])
			}
			return out, nil
		}
		mods = make([]windows.Handle, n+16)
	}
}

// importSlots 在内存中的 PE 映像里查找指向 target 的 IAT 槽位
func importSlots(base uintptr, dll string, target uintptr) []uintptr {
	if *(*uint16)(unsafe.Pointer(base)) != imageDOSSignature {
		return nil
	}
	nt := base + uintptr(*(*int32)(unsafe.Pointer(base + 0x3C)))
	if *(*uint32)(unsafe.Pointer(nt)) != imageNTSignature {
		return nil
	}
	opt := nt + 24
	var dirs uintptr
	switch *(*uint16)(unsafe.Pointer(opt)) {
	case pe32Magic:
		dirs = opt + 96
	case pe32PlusMagic:
		dirs = opt + 112
	default:
		return nil
	}
	importRVA := *(*uint32)(unsafe.Pointer(dirs + 8))
	if importRVA == 0 {
		return nil
	}

	var slots []uintptr
	for desc := base + uintptr(importRVA); ; desc += importDescriptorSize {
		nameRVA := *(*uint32)(unsafe.Pointer(desc + 12))
		firstThunk := *(*uint32)(unsafe.Pointer(desc + 16))
		if nameRVA == 0 && firstThunk == 0 {
			break
		}
		if !strings.EqualFold(cString(base+uintptr(nameRVA), 260), dll) {
			continue
		}
		for thunk := base + uintptr(firstThunk); ; thunk += ptrSize {
			v := *(*uintptr)(unsafe.Pointer(thunk))
			if v == 0 {
				break
			}
			if v == target {
				slots = append(slots, thunk)
			}
		}
	}
	return slots
}

func cString(p uintptr, max int) string {
	var b strings.Builder
	for i := 0; i < max; i++ {
		c := *(*byte)(unsafe.Pointer(p + uintptr(i)))
		if c == 0 {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

// writeSlot 临时解除页保护并原子地替换槽位内容
func writeSlot(addr, value uintptr) (uintptr, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, ptrSize, windows.PAGE_READWRITE, &old); err != nil {
		return 0, fmt.Errorf("VirtualProtect %#x: %w", addr, err)
	}
	prev := atomic.SwapUintptr((*uintptr)(unsafe.Pointer(addr)), value)
	var tmp uint32
	_ = windows.VirtualProtect(addr, ptrSize, old, &tmp)
	return prev, nil
}

// patchImports 把所有模块中导入 dll!target 的槽位改写为 replacement
func patchImports(dll string, target, replacement uintptr) ([]iatSlot, error) {
	mods, err := loadedModules()
	if err != nil {
		return nil, err
	}
	var patched []iatSlot
	for _, base := range mods {
		for _, addr := range importSlots(base, dll, target) {
			orig, err := writeSlot(addr, replacement)
			if err != nil {
				restoreImports(patched)
				return nil, err
			}
			patched = append(patched, iatSlot{addr: addr, orig: orig})
		}
	}
	if len(patched) == 0 {
		return nil, errors.New("no import sites found")
	}
	return patched, nil
}

func restoreImports(slots []iatSlot) error {
	var errs []error
	for _, s := range slots {
		if _, err := writeSlot(s.addr, s.orig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
