package hooks

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"cefguard/internal/logger"
	"cefguard/internal/rules"
	"cefguard/pkg/model"
)

// ErrNoCandidate 解码器没有可判定的内容（如空请求指针），直接放行且不产生诊断
var ErrNoCandidate = errors.New("no candidate to filter")

// Decoder 在失败边界内从原生参数中提取候选字符串
type Decoder func() (string, error)

// Gate 原生钩子回调使用的判定入口
type Gate interface {
	Decide(hook model.HookPoint, decode Decoder) (block bool)
}

// Reporter 上报判定结果与诊断信息，实现必须非阻塞
type Reporter interface {
	Request(hook model.HookPoint, blocked bool, url string)
	Message(text string)
}

// Installer 原生钩子的安装与移除
type Installer interface {
	Install(hook model.HookPoint, gate Gate) error
	Remove(hook model.HookPoint) error
}

// Engine 拦截引擎：管理两个原生钩子并在每次调用时查询规则库
type Engine struct {
	store     *rules.Store
	installer Installer
	reporter  Reporter
	log       logger.Logger

	mu      sync.Mutex
	enabled bool
}

// New 创建拦截引擎
func New(store *rules.Store, installer Installer, reporter Reporter, l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNop()
	}
	if reporter == nil {
		reporter = discardReporter{}
	}
	return &Engine{
		store:     store,
		installer: installer,
		reporter:  reporter,
		log:       l,
	}
}

// Store 返回引擎使用的规则库
func (e *Engine) Store() *rules.Store { return e.store }

// Enable 安装全部钩子；任一失败则回滚已安装的钩子并保持禁用
func (e *Engine) Enable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		return nil
	}

	installed := make([]model.HookPoint, 0, model.HookPointCount)
	for _, h := range model.HookPoints() {
		if err := e.installer.Install(h, e); err != nil {
			for _, done := range installed {
				if rerr := e.installer.Remove(done); rerr != nil {
					e.log.Err(rerr, "回滚钩子失败", "hook", done)
				}
			}
			return fmt.Errorf("install %s hook: %w", h, err)
		}
		installed = append(installed, h)
		e.log.Debug("钩子已安装", "hook", h)
	}
	e.enabled = true
	e.log.Info("过滤已启用")
	return nil
}

// Disable 移除全部钩子，重复调用无副作用
func (e *Engine) Disable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return nil
	}

	var errs []error
	for _, h := range model.HookPoints() {
		if err := e.installer.Remove(h); err != nil {
			errs = append(errs, fmt.Errorf("remove %s hook: %w", h, err))
		}
	}
	e.enabled = false
	e.log.Info("过滤已禁用")
	return errors.Join(errs...)
}

// Enabled 当前是否启用
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Decide 钩子的失败边界：解码与判定过程中的任何错误或 panic 都按放行处理，
// 并且每次故障只上报一条诊断信息
func (e *Engine) Decide(hook model.HookPoint, decode Decoder) (block bool) {
	defer func() {
		if r := recover(); r != nil {
			block = false
			e.reporter.Message(fmt.Sprintf("%s hook fault (allowed): %v", hook, r))
		}
	}()
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	candidate, err := decode()
	if errors.Is(err, ErrNoCandidate) {
		return false
	}
	if err != nil {
		e.reporter.Message(fmt.Sprintf("%s hook fault (allowed): %v", hook, err))
		return false
	}

	block = !e.store.Check(hook, candidate)
	e.reporter.Request(hook, block, candidate)
	return block
}

type discardReporter struct{}

func (discardReporter) Request(model.HookPoint, bool, string) {}
func (discardReporter) Message(string)                        {}
