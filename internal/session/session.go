package session

import (
	"context"
	"fmt"
	"time"

	"cefguard/internal/inject"
	"cefguard/internal/protocol"
	"cefguard/pkg/model"

	"github.com/google/uuid"
)

const (
	// ExportStart 载荷启动控制服务的导出函数，返回端口
	ExportStart = "StartRPC"
	// ExportStop 载荷停止控制服务的导出函数
	ExportStop = "StopRPC"
)

// Control 会话持有的控制通道
type Control interface {
	RegisterLogger(ctx context.Context, l protocol.Logger) error
	SetRuleset(ctx context.Context, hook model.HookPoint, spec model.RulesetSpec) error
	EnableFiltering(ctx context.Context) error
	DisableFiltering(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}

// Dialer 连接注入端控制端口
type Dialer func(ctx context.Context, addr string) (Control, error)

// DialProtocol 使用 gRPC 控制协议的 Dialer
func DialProtocol(ctx context.Context, addr string) (Control, error) {
	return protocol.Dial(ctx, addr)
}

// Session 一次注入的完整状态：目标进程、载荷模块与控制通道
type Session struct {
	ID      uuid.UUID
	Record  model.ProcessRecord
	Process inject.Process
	Module  inject.Module
	Control Control
	Port    uint16
	Started time.Time

	streaming bool // 已注册日志流，卸载时等待其结束
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s %s port=%d", s.ID, s.Record, s.Port)
}
