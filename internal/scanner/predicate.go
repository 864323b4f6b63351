package scanner

import (
	"strings"

	"github.com/samber/lo"
)

// DefaultTarget 默认目标进程名关键字
const DefaultTarget = "spotify"

var placeholderTitles = []string{"G", "Default IME"}

// IsTargetProcess 进程名（小写）是否包含目标关键字
func IsTargetProcess(name, target string) bool {
	if target == "" {
		target = DefaultTarget
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(target))
}

// IsMainWindow 是否为目标应用的主窗口
func IsMainWindow(title, class string) bool {
	if strings.TrimSpace(title) == "" {
		return false
	}
	if lo.Contains(placeholderTitles, title) {
		return false
	}
	return strings.HasPrefix(class, "Chrome_WidgetWin") ||
		class == "Chrome_RenderWidgetHostHWND" ||
		class == "GDI+ Hook Window Class"
}
