package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cefguard/internal/config"
	"cefguard/internal/handler"
	"cefguard/internal/inject"
	"cefguard/internal/logger"
	"cefguard/internal/metrics"
	"cefguard/internal/protocol"
	"cefguard/internal/resolver"
	"cefguard/internal/scanner"
	"cefguard/internal/session"
	"cefguard/internal/storage"
	"cefguard/pkg/model"

	"gorm.io/gorm"
)

// 卸载会话的最长等待时间
const detachTimeout = 15 * time.Second

// ErrRunning Run 只能调用一次
var ErrRunning = errors.New("service has already been started")

// Options 服务依赖，平台相关的部分可替换
type Options struct {
	Config   *config.Config
	Logger   logger.Logger
	Platform scanner.Platform
	Injector inject.Injector
	Dial     session.Dialer
	Resolver *resolver.Resolver
}

// Service 把进程监视器与会话管理器连接起来
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	platform scanner.Platform
	resolver *resolver.Resolver
	metrics  *metrics.Metrics
	events   chan model.Event
	manager  *session.Manager

	db      *gorm.DB
	history *storage.History

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New 创建服务；启用历史记录时打开数据库
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	res := opts.Resolver
	if res == nil {
		res = resolver.New(resolver.Options{
			Blocker: cfg.Blocker,
			Filters: cfg.Filters.Path,
			Logger:  l.With("component", "resolver"),
		})
	}

	s := &Service{
		cfg:      cfg,
		log:      l,
		platform: opts.Platform,
		resolver: res,
		metrics:  metrics.New(),
		events:   make(chan model.Event, 256),
	}

	if cfg.History {
		db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l.With("component", "storage"))
		if err != nil {
			return nil, err
		}
		s.db = db
		s.history = storage.NewHistory(db, l.With("component", "history"), storage.HistoryOptions{
			Retention: cfg.HistoryRetention,
		})
	}

	s.manager = session.NewManager(session.Options{
		Injector: opts.Injector,
		Dial:     opts.Dial,
		Payload:  res.Blocker,
		Filters:  res.Filters,
		NewSink:  s.newSink,
		Metrics:  s.metrics,
		Log:      l.With("component", "session"),
	})
	return s, nil
}

func (s *Service) newSink(sess *session.Session) protocol.Logger {
	cfg := handler.Config{
		Session: sess.ID.String(),
		PID:     sess.Record.PID,
		Events:  s.events,
		Metrics: s.metrics,
		Logger:  s.log.With("component", "blocker", "pid", sess.Record.PID),
	}
	if s.history != nil {
		cfg.History = s.history
	}
	return handler.New(cfg)
}

// Events 状态事件流，消费不及时的事件会被丢弃
func (s *Service) Events() <-chan model.Event { return s.events }

// Metrics 服务使用的指标
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Manager 会话管理器
func (s *Service) Manager() *session.Manager { return s.manager }

// History 决策历史，未启用时为 nil
func (s *Service) History() *storage.History { return s.history }

// Run 监视目标进程：启动时注入，退出时卸载，直到 ctx 取消、Stop 被调用、
// 监视器出错，或在 ShutdownWithTarget 下目标退出
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return ErrRunning
	}
	s.cancel = cancel
	s.stopped = make(chan struct{})
	stopped := s.stopped
	s.mu.Unlock()
	defer close(stopped)
	defer cancel()

	var wg sync.WaitGroup
	if addr := s.cfg.Metrics.Addr; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.metrics.Serve(ctx, addr, s.log); err != nil {
				s.log.Err(err, "指标服务退出")
			}
		}()
	}
	if s.cfg.Filters.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.watchFilters(ctx); err != nil {
				s.log.Err(err, "过滤配置监视退出")
			}
		}()
	}

	sc := scanner.New(s.platform, s.cfg.Target.ProcessName, s.log.With("component", "scanner"))
	scanErr := make(chan error, 1)
	go func() { scanErr <- sc.Run(ctx) }()

	s.log.Info("开始监视目标进程", "target", s.cfg.Target.ProcessName)
	for st := range sc.States() {
		if st.Running {
			s.attach(ctx, st.Process)
			continue
		}
		s.detach()
		if s.cfg.Target.ShutdownWithTarget {
			s.log.Info("目标已退出，按配置关闭")
			cancel()
		}
	}
	err := <-scanErr
	cancel()
	wg.Wait()

	s.shutdown()
	if err != nil {
		return fmt.Errorf("process watcher: %w", err)
	}
	return nil
}

func (s *Service) attach(ctx context.Context, rec model.ProcessRecord) {
	s.log.Info("目标已启动，开始注入", "process", rec.String())
	sess, err := s.manager.Attach(ctx, rec)
	if err != nil {
		s.log.Err(err, "注入失败", "pid", rec.PID)
		return
	}
	s.emit(model.Event{Type: "attached", Session: sess.ID.String(), PID: rec.PID})
}

func (s *Service) detach() {
	cur := s.manager.Current()
	if cur == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	err := s.manager.Detach(ctx)
	if err != nil {
		s.log.Err(err, "卸载失败", "pid", cur.Record.PID)
	}
	s.emit(model.Event{Type: "detached", Session: cur.ID.String(), PID: cur.Record.PID, Error: err})
}

// shutdown 卸载仍存在的会话并关闭历史仓库
func (s *Service) shutdown() {
	s.detach()
	if s.history != nil {
		s.history.Close()
	}
	if s.db != nil {
		if err := storage.Close(s.db); err != nil {
			s.log.Err(err, "关闭数据库失败")
		}
	}
	s.log.Info("服务已停止")
}

func (s *Service) emit(evt model.Event) {
	select {
	case s.events <- evt:
	default:
	}
}

// Stop 请求 Run 返回并等待其完成清理
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
