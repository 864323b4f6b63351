//go:build windows && cgo

// blocker 为注入到目标进程的载荷，以 c-shared 方式构建：
//
//	go build -buildmode=c-shared -o cefguard_blocker.dll ./cmd/blocker
//
// 宿主通过远程线程调用 StartRPC / StopRPC，两者签名均符合 LPTHREAD_START_ROUTINE。
package main

import "C"

import (
	"os"
	"path/filepath"
	"sync"

	"cefguard/internal/blocker"
	"cefguard/internal/hooks"
	"cefguard/internal/logger"
)

var (
	once     sync.Once
	endpoint *blocker.Endpoint
)

func instance() *blocker.Endpoint {
	once.Do(func() {
		endpoint = blocker.New(hooks.NewInstaller(), payloadLogger())
	})
	return endpoint
}

// 目标进程内没有控制台，日志只写文件；失败时静默
func payloadLogger() logger.Logger {
	l, err := logger.New(logger.Options{
		Level:   "info",
		Writers: []string{"file"},
		File:    filepath.Join(os.TempDir(), "cefguard", "blocker.log"),
	})
	if err != nil {
		return logger.NewNop()
	}
	return l.With("pid", os.Getpid())
}

// StartRPC 启动控制服务，返回监听端口，失败返回 0
//
//export StartRPC
func StartRPC(_ uintptr) uint32 {
	port, err := instance().Start()
	if err != nil {
		return 0
	}
	return uint32(port)
}

// StopRPC 停止控制服务，始终返回 1
//
//export StopRPC
func StopRPC(_ uintptr) uint32 {
	instance().Stop()
	return 1
}

func main() {}
