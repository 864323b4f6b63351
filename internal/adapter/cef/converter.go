package cef

import (
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	// MaxHostLen getaddrinfo 节点名的最大读取长度
	MaxHostLen = 1024
	// MaxURLLen cef_string_t 允许的最大 UTF-16 长度
	MaxURLLen = 1 << 20
)

var (
	ErrUnterminated = errors.New("host name is not NUL-terminated within limit")
	ErrInvalidUTF8  = errors.New("host name is not valid UTF-8")
	ErrURLTooLong   = errors.New("cef string length exceeds limit")
	ErrInvalidUTF16 = errors.New("cef string contains unpaired surrogate")
)

// HostFromCString 将 NUL 结尾的 ANSI 主机名转换为字符串
// buf 为从原生指针读取的至多 MaxHostLen 字节
func HostFromCString(buf []byte) (string, error) {
	n := -1
	for i, b := range buf {
		if b == 0 {
			n = i
			break
		}
	}
	if n < 0 {
		return "", ErrUnterminated
	}
	if !utf8.Valid(buf[:n]) {
		return "", ErrInvalidUTF8
	}
	return string(buf[:n]), nil
}

// CheckURLLength 校验 cef_string_utf16_t.length
func CheckURLLength(length uint64) error {
	if length > MaxURLLen {
		return fmt.Errorf("%w: %d", ErrURLTooLong, length)
	}
	return nil
}

// URLFromUTF16 将 cef_string_utf16_t 内容解码为字符串，非法代理对视为错误
func URLFromUTF16(units []uint16) (string, error) {
	if err := CheckURLLength(uint64(len(units))); err != nil {
		return "", err
	}
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case utf16.IsSurrogate(rune(u)) && u < 0xDC00:
			if i+1 >= len(units) || units[i+1] < 0xDC00 || units[i+1] > 0xDFFF {
				return "", ErrInvalidUTF16
			}
			i++
		case u >= 0xDC00 && u <= 0xDFFF:
			return "", ErrInvalidUTF16
		}
	}
	return string(utf16.Decode(units)), nil
}
