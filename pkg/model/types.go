package model

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// HookPoint 拦截点，固定为两个原生入口
type HookPoint uint8

const (
	// HookDNSResolve WS2_32.dll!getaddrinfo 地址解析入口
	HookDNSResolve HookPoint = iota
	// HookNetworkRequestCreate libcef.dll!cef_urlrequest_create 请求构造入口
	HookNetworkRequestCreate

	hookPointCount
)

// HookPointCount 拦截点数量
const HookPointCount = int(hookPointCount)

// HookPoints 返回全部拦截点
func HookPoints() []HookPoint {
	return []HookPoint{HookDNSResolve, HookNetworkRequestCreate}
}

func (h HookPoint) String() string {
	switch h {
	case HookDNSResolve:
		return "getaddrinfo"
	case HookNetworkRequestCreate:
		return "cef_urlrequest_create"
	default:
		return fmt.Sprintf("hook(%d)", uint8(h))
	}
}

// Valid 是否为已知拦截点
func (h HookPoint) Valid() bool { return h < hookPointCount }

// ParseHookPoint 按名称解析拦截点
func ParseHookPoint(s string) (HookPoint, error) {
	for _, h := range HookPoints() {
		if strings.EqualFold(s, h.String()) {
			return h, nil
		}
	}
	return 0, fmt.Errorf("unknown hook point %q", s)
}

// RulesetSpec 规则集的传输/配置形式（正则表达式列表）
type RulesetSpec struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// WindowHandle 原生窗口句柄
type WindowHandle uintptr

// ProcessRecord 当前跟踪的目标进程
type ProcessRecord struct {
	PID        uint32       `json:"pid"`
	ThreadID   uint32       `json:"threadId"`
	Name       string       `json:"name"`
	MainWindow WindowHandle `json:"mainWindow"`
}

func (r ProcessRecord) String() string {
	return fmt.Sprintf("%s(pid=%d, hwnd=%#x)", r.Name, r.PID, uintptr(r.MainWindow))
}

// FilterConfig 过滤配置文件结构体
type FilterConfig struct {
	Allowlist []string `toml:"allowlist"`
	Denylist  []string `toml:"denylist"`
}

// Rulesets 将过滤配置映射到各拦截点：
// allowlist 作为 getaddrinfo 的放行列表，denylist 作为 cef_urlrequest_create 的拦截列表
func (c FilterConfig) Rulesets() map[HookPoint]RulesetSpec {
	return map[HookPoint]RulesetSpec{
		HookDNSResolve: {
			Allow: lo.Uniq(c.Allowlist),
			Deny:  []string{},
		},
		HookNetworkRequestCreate: {
			Allow: []string{},
			Deny:  lo.Uniq(c.Denylist),
		},
	}
}

// Event 状态事件，推送给界面或测试订阅者
type Event struct {
	Type    string    `json:"type"`
	Session string    `json:"session"`
	PID     uint32    `json:"pid"`
	Hook    HookPoint `json:"hook"`
	URL     string    `json:"url"`
	Error   error     `json:"error"`
}
