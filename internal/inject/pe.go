package inject

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
)

// ExportRVA 从模块文件的导出表中查找函数的相对虚拟地址
func ExportRVA(path, name string) (uint32, error) {
	f, err := pe.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var dir pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if len(oh.DataDirectory) <= pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
			return 0, ErrProcedureNotFound
		}
		dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	case *pe.OptionalHeader64:
		if len(oh.DataDirectory) <= pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
			return 0, ErrProcedureNotFound
		}
		dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	default:
		return 0, fmt.Errorf("%s: missing optional header", path)
	}
	if dir.VirtualAddress == 0 {
		return 0, ErrProcedureNotFound
	}

	read := func(rva, size uint32) ([]byte, error) {
		for _, s := range f.Sections {
			if rva >= s.VirtualAddress && rva+size <= s.VirtualAddress+s.VirtualSize {
				buf := make([]byte, size)
				if _, err := s.ReadAt(buf, int64(rva-s.VirtualAddress)); err != nil {
					return nil, err
				}
				return buf, nil
			}
		}
		return nil, fmt.Errorf("rva %#x outside sections", rva)
	}
	cstring := func(rva uint32) (string, error) {
		var out []byte
		for {
			b, err := read(rva+uint32(len(out)), 1)
			if err != nil {
				return "", err
			}
			if b[0] == 0 {
				return string(out), nil
			}
			out = append(out, b[0])
		}
	}

	hdr, err := read(dir.VirtualAddress, 40)
	if err != nil {
		return 0, err
	}
	le := binary.LittleEndian
	numNames := le.Uint32(hdr[24:])
	funcs := le.Uint32(hdr[28:])
	names := le.Uint32(hdr[32:])
	ordinals := le.Uint32(hdr[36:])

	for i := uint32(0); i < numNames; i++ {
		nb, err := read(names+4*i, 4)
		if err != nil {
			return 0, err
		}
		n, err := cstring(le.Uint32(nb))
		if err != nil {
			return 0, err
		}
		if n != name {
			continue
		}
		ob, err := read(ordinals+2*i, 2)
		if err != nil {
			return 0, err
		}
		fb, err := read(funcs+4*uint32(le.Uint16(ob)), 4)
		if err != nil {
			return 0, err
		}
		return le.Uint32(fb), nil
	}
	return 0, fmt.Errorf("%s!%s: %w", path, name, ErrProcedureNotFound)
}
