package api

import (
	"context"

	"cefguard/internal/config"
	"cefguard/internal/inject"
	"cefguard/internal/logger"
	"cefguard/internal/scanner"
	"cefguard/internal/service"
	"cefguard/pkg/model"
)

// Service 服务接口
type Service interface {
	// Run 监视目标进程并自动注入/卸载，阻塞到结束
	Run(ctx context.Context) error

	// Stop 请求停止并等待清理完成
	Stop(ctx context.Context) error

	// Events 订阅状态事件
	Events() <-chan model.Event
}

// NewService 使用本机平台实现创建服务
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	return service.New(service.Options{
		Config:   cfg,
		Logger:   l,
		Platform: scanner.NewPlatform(),
		Injector: inject.NewInjector(),
	})
}
