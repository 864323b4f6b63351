package protocol

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "cefguard.BlockerControl"

// BlockerControlServer 注入端实现的控制接口
type BlockerControlServer interface {
	RegisterLogger(*RegisterLoggerRequest, LogStream) error
	SetRuleset(context.Context, *SetRulesetRequest) (*Empty, error)
	EnableFiltering(context.Context, *Empty) (*Empty, error)
	DisableFiltering(context.Context, *Empty) (*Empty, error)
}

// LogStream 服务端日志流
type LogStream interface {
	Send(*LogEvent) error
	Context() context.Context
}

type logStream struct {
	grpc.ServerStream
}

func (s *logStream) Send(evt *LogEvent) error { return s.ServerStream.SendMsg(evt) }

// RegisterBlockerControlServer 注册控制服务
func RegisterBlockerControlServer(s grpc.ServiceRegistrar, srv BlockerControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BlockerControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SetRuleset", Handler: setRulesetHandler},
		{MethodName: "EnableFiltering", Handler: enableFilteringHandler},
		{MethodName: "DisableFiltering", Handler: disableFilteringHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "RegisterLogger", Handler: registerLoggerHandler, ServerStreams: true},
	},
}

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

var registerLoggerStreamDesc = &serviceDesc.Streams[0]

func registerLoggerHandler(srv any, stream grpc.ServerStream) error {
	m := new(RegisterLoggerRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(BlockerControlServer).RegisterLogger(m, &logStream{stream})
}

func setRulesetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetRulesetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockerControlServer).SetRuleset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("SetRuleset")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BlockerControlServer).SetRuleset(ctx, req.(*SetRulesetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func enableFilteringHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockerControlServer).EnableFiltering(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("EnableFiltering")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BlockerControlServer).EnableFiltering(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func disableFilteringHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockerControlServer).DisableFiltering(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("DisableFiltering")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BlockerControlServer).DisableFiltering(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}
