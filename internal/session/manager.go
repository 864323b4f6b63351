package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"cefguard/internal/inject"
	"cefguard/internal/logger"
	"cefguard/internal/metrics"
	"cefguard/internal/protocol"
	"cefguard/pkg/model"

	"github.com/google/uuid"
)

// 清理可卸载残留载荷的最大轮数
const maxStaleEjects = 8

// Options 管理器依赖
type Options struct {
	Injector inject.Injector
	Dial     Dialer
	// Payload 返回载荷 DLL 路径
	Payload func() (string, error)
	// Filters 返回当前过滤配置
	Filters func() (model.FilterConfig, error)
	// Sink 注册到注入端的日志能力；为 nil 时由 NewSink 按会话创建
	Sink    protocol.Logger
	NewSink func(s *Session) protocol.Logger
	Metrics *metrics.Metrics
	Log     logger.Logger
	// Ejectable 载荷可以安全地从目标中卸载。Go c-shared 载荷不可卸载：
	// 运行时线程在模块解除映射后仍会执行其中的代码，因此默认只停止不卸载
	Ejectable bool
}

// Manager 注入/卸载生命周期管理器，同一时刻最多一个会话
type Manager struct {
	opts Options
	log  logger.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager 创建会话管理器
func NewManager(opts Options) *Manager {
	l := opts.Log
	if l == nil {
		l = logger.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = DialProtocol
	}
	return &Manager{opts: opts, log: l}
}

// Current 当前会话，没有时为 nil
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Attach 向目标进程注入载荷并建立控制通道、下发规则、启用过滤。
// 任一步骤失败则中止，载荷被停止，目标保持未过滤状态；不在本次调用内重试
func (m *Manager) Attach(ctx context.Context, rec model.ProcessRecord) (_ *Session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.opts.Metrics.Attach(err) }()

	if m.current != nil {
		m.log.Warn("已有会话，先卸载", "session", m.current.ID)
		if derr := m.detachLocked(ctx); derr != nil {
			m.log.Err(derr, "卸载旧会话失败")
		}
	}

	payload, err := m.opts.Payload()
	if err != nil {
		return nil, fmt.Errorf("resolve payload: %w", err)
	}
	proc, err := m.opts.Injector.Open(rec.PID)
	if err != nil {
		return nil, err
	}

	s := &Session{ID: uuid.New(), Record: rec, Process: proc, Started: time.Now()}
	log := m.log.With("session", s.ID.String(), "pid", rec.PID)
	defer func() {
		if err != nil {
			m.abort(ctx, s, log)
		}
	}()

	if s.Module, err = m.load(proc, payload, log); err != nil {
		return nil, err
	}

	port, err := proc.Call(s.Module, ExportStart)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", ExportStart, err)
	}
	if port == 0 || port > 0xFFFF {
		return nil, fmt.Errorf("%s returned invalid port %d", ExportStart, port)
	}
	s.Port = uint16(port)

	if s.Control, err = m.opts.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", s.Port)); err != nil {
		return nil, err
	}
	sink := m.opts.Sink
	if m.opts.NewSink != nil {
		sink = m.opts.NewSink(s)
	}
	if sink != nil {
		if err = s.Control.RegisterLogger(ctx, sink); err != nil {
			return nil, err
		}
		s.streaming = true
	}
	if err = m.pushRulesets(ctx, s.Control); err != nil {
		return nil, err
	}
	if err = s.Control.EnableFiltering(ctx); err != nil {
		return nil, err
	}

	m.current = s
	log.Info("会话已建立", "port", s.Port)
	return s, nil
}

// load 返回可用的载荷模块。目标中已有同名载荷时先停止它：
// 不可卸载的载荷直接复用，可卸载的卸载后重新注入
func (m *Manager) load(proc inject.Process, path string, log logger.Logger) (inject.Module, error) {
	name := filepath.Base(path)
	for i := 0; i < maxStaleEjects; i++ {
		mod, ok, err := proc.FindModule(name)
		if err != nil {
			log.Err(err, "查找残留载荷失败")
			break
		}
		if !ok {
			break
		}
		log.Warn("发现残留载荷，停止", "module", mod.Path, "base", mod.Base)
		if _, err := proc.Call(mod, ExportStop); err != nil {
			log.Err(err, "停止残留载荷失败")
		}
		if !m.opts.Ejectable {
			log.Info("复用已加载的载荷", "module", mod.Path)
			return mod, nil
		}
		if err := proc.Eject(mod); err != nil {
			log.Err(err, "卸载残留载荷失败")
			break
		}
		if i == maxStaleEjects-1 {
			log.Warn("残留载荷清理未完成", "rounds", maxStaleEjects)
		}
	}

	log.Info("注入载荷", "path", path)
	mod, err := proc.Inject(path)
	if err != nil {
		return inject.Module{}, fmt.Errorf("inject %s: %w", path, err)
	}
	return mod, nil
}

func (m *Manager) pushRulesets(ctx context.Context, ctl Control) error {
	cfg, err := m.opts.Filters()
	if err != nil {
		return fmt.Errorf("resolve filters: %w", err)
	}
	sets := cfg.Rulesets()
	for _, hook := range model.HookPoints() {
		if err := ctl.SetRuleset(ctx, hook, sets[hook]); err != nil {
			return err
		}
	}
	return nil
}

// abort 注入中途失败时停止载荷使其失效，模块留在目标中，
// 下次注入时作为残留载荷处理
func (m *Manager) abort(ctx context.Context, s *Session, log logger.Logger) {
	if s.Control != nil {
		if err := s.Control.Close(ctx); err != nil {
			log.Err(err, "关闭控制通道失败")
		}
	}
	if s.Module.Base != 0 {
		if _, err := s.Process.Call(s.Module, ExportStop); err != nil && !inject.IsGone(err) {
			log.Err(err, "停止载荷失败")
		}
	}
	if err := s.Process.Close(); err != nil {
		log.Err(err, "关闭进程句柄失败")
	}
}

// Detach 禁用过滤、停止载荷并等待协议任务结束。载荷模块留在目标中，
// 仅在 Ejectable 时卸载。目标已退出视为成功；无论结果如何会话都会被丢弃
func (m *Manager) Detach(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detachLocked(ctx)
}

func (m *Manager) detachLocked(ctx context.Context) error {
	s := m.current
	if s == nil {
		return nil
	}
	m.current = nil
	log := m.log.With("session", s.ID.String(), "pid", s.Record.PID)
	defer func() {
		if err := s.Process.Close(); err != nil {
			log.Err(err, "关闭进程句柄失败")
		}
	}()

	if err := s.Control.DisableFiltering(ctx); err != nil {
		log.Debug("禁用过滤失败", "error", err)
	}

	var errs []error
	if _, err := s.Process.Call(s.Module, ExportStop); err != nil && !inject.IsGone(err) {
		errs = append(errs, fmt.Errorf("call %s: %w", ExportStop, err))
	}

	if s.streaming {
		select {
		case <-s.Control.Done():
			if err := s.Control.Err(); err != nil {
				log.Debug("协议任务异常结束", "error", err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if err := s.Control.Close(ctx); err != nil {
		log.Debug("关闭控制通道失败", "error", err)
	}

	if m.opts.Ejectable && s.Process.Alive() {
		if err := s.Process.Eject(s.Module); err != nil && !inject.IsGone(err) {
			errs = append(errs, fmt.Errorf("eject: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Err(err, "会话卸载失败")
	} else {
		log.Info("会话已卸载", "duration", time.Since(s.Started))
	}
	return err
}

// Reload 重新读取过滤配置并推送到当前会话
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	if err := m.pushRulesets(ctx, m.current.Control); err != nil {
		return fmt.Errorf("reload rulesets: %w", err)
	}
	m.log.Info("规则已热更新", "session", m.current.ID)
	return nil
}
