package protocol

import (
	"context"
	"sync"

	"cefguard/internal/hooks"
	"cefguard/internal/logger"
	"cefguard/internal/rules"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server 控制服务实现，所有控制调用按到达顺序串行执行
type Server struct {
	engine *hooks.Engine
	hub    *Hub
	log    logger.Logger
	mu     sync.Mutex
}

// NewServer 创建控制服务
func NewServer(engine *hooks.Engine, hub *Hub, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	return &Server{engine: engine, hub: hub, log: l}
}

func (s *Server) RegisterLogger(_ *RegisterLoggerRequest, stream LogStream) error {
	return s.hub.Serve(stream)
}

// SetRuleset 编译并原子替换指定拦截点的规则集；编译失败时原规则集保持不变
func (s *Server) SetRuleset(_ context.Context, req *SetRulesetRequest) (*Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.Hook.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown hook point %d", req.Hook)
	}
	rs, err := rules.Compile(req.Ruleset)
	if err != nil {
		s.log.Err(err, "规则集编译失败", "hook", req.Hook)
		return nil, status.Errorf(codes.InvalidArgument, "%s: %v", req.Hook, err)
	}
	s.engine.Store().Replace(req.Hook, rs)
	s.log.Info("规则集已更新", "hook", req.Hook,
		"allow", len(req.Ruleset.Allow), "deny", len(req.Ruleset.Deny))
	return &Empty{}, nil
}

func (s *Server) EnableFiltering(context.Context, *Empty) (*Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Enable(); err != nil {
		s.log.Err(err, "启用过滤失败")
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &Empty{}, nil
}

func (s *Server) DisableFiltering(context.Context, *Empty) (*Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Disable(); err != nil {
		s.log.Err(err, "禁用过滤失败")
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Empty{}, nil
}
