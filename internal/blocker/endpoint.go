package blocker

import (
	"fmt"
	"net"
	"sync"

	"cefguard/internal/hooks"
	"cefguard/internal/logger"
	"cefguard/internal/protocol"
	"cefguard/internal/rules"

	"google.golang.org/grpc"
)

// Endpoint 注入端控制服务：监听回环端口，承载拦截引擎与日志分发
type Endpoint struct {
	installer hooks.Installer
	log       logger.Logger

	mu     sync.Mutex
	port   uint16
	engine *hooks.Engine
	hub    *protocol.Hub
	srv    *grpc.Server
	served chan struct{}
}

// New 创建控制端点
func New(installer hooks.Installer, l logger.Logger) *Endpoint {
	if l == nil {
		l = logger.NewNop()
	}
	return &Endpoint{installer: installer, log: l}
}

// Start 启动控制服务并返回端口；已启动时直接返回当前端口
func (e *Endpoint) Start() (uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srv != nil {
		return e.port, nil
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen control port: %w", err)
	}

	hub := protocol.NewHub(e.log)
	engine := hooks.New(rules.NewStore(), e.installer, hub, e.log)
	srv := grpc.NewServer()
	protocol.RegisterBlockerControlServer(srv, protocol.NewServer(engine, hub, e.log))

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(lis); err != nil {
			e.log.Err(err, "控制服务异常退出")
		}
	}()

	e.port = uint16(lis.Addr().(*net.TCPAddr).Port)
	e.engine, e.hub, e.srv, e.served = engine, hub, srv, served
	e.log.Info("控制服务已启动", "port", e.port)
	return e.port, nil
}

// Stop 禁用钩子、结束日志流并等待服务退出；未启动时无副作用
func (e *Endpoint) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srv == nil {
		return
	}

	if err := e.engine.Disable(); err != nil {
		e.log.Err(err, "停止时禁用钩子失败")
	}
	e.hub.Close()
	e.srv.GracefulStop()
	<-e.served
	e.log.Info("控制服务已停止", "port", e.port)

	e.engine, e.hub, e.srv, e.served = nil, nil, nil, nil
	e.port = 0
}

// Port 当前监听端口，未启动时为 0
func (e *Endpoint) Port() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

// Engine 当前拦截引擎，未启动时为 nil
func (e *Endpoint) Engine() *hooks.Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine
}
