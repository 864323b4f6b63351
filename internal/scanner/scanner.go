package scanner

import (
	"context"
	"errors"
	"fmt"

	"cefguard/internal/logger"
	"cefguard/internal/queue"
	"cefguard/pkg/model"

	"github.com/samber/lo"
)

// ErrSubscriptionClosed 事件订阅被平台意外关闭
var ErrSubscriptionClosed = errors.New("window event subscription closed")

// State 目标进程状态：Running 为 true 时 Process 有效
type State struct {
	Running bool
	Process model.ProcessRecord
}

// Running 目标主窗口已出现
func Running(r model.ProcessRecord) State { return State{Running: true, Process: r} }

// Stopped 目标主窗口不存在
var Stopped = State{}

func (s State) String() string {
	if s.Running {
		return "Running(" + s.Process.String() + ")"
	}
	return "Stopped"
}

// Scanner 目标进程生命周期状态机：每个状态只持有一个事件订阅
type Scanner struct {
	platform Platform
	target   string
	log      logger.Logger

	current State
	pending *queue.Unbounded[State]
	states  chan State
}

// New 创建状态机，target 为进程名关键字
func New(p Platform, target string, l logger.Logger) *Scanner {
	if l == nil {
		l = logger.NewNop()
	}
	if target == "" {
		target = DefaultTarget
	}
	return &Scanner{
		platform: p,
		target:   target,
		log:      l,
		pending:  queue.New[State](),
		states:   make(chan State),
	}
}

// States 状态变化流，Run 返回后关闭
func (s *Scanner) States() <-chan State { return s.states }

// Run 首次扫描后在两个稳态之间切换，直到 ctx 取消或订阅出错
func (s *Scanner) Run(ctx context.Context) error {
	forwarded := make(chan struct{})
	go s.forward(ctx, forwarded)
	defer func() {
		s.pending.Close()
		<-forwarded
	}()

	if err := s.scan(); err != nil {
		return err
	}
	for {
		var (
			next State
			err  error
		)
		if s.current.Running {
			next, err = s.listenRunning(ctx, s.current.Process)
		} else {
			next, err = s.listenStopped(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.change(next)
	}
}

// forward 把状态从无界队列转发到 States，状态机本身从不阻塞在消费者上
func (s *Scanner) forward(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	defer close(s.states)
	for range s.pending.Ready() {
		closed := s.pending.Closed()
		for _, st := range s.pending.Drain() {
			select {
			case s.states <- st:
			case <-ctx.Done():
				return
			}
		}
		if closed {
			return
		}
	}
}

func (s *Scanner) change(next State) {
	if next == s.current {
		return
	}
	s.log.Info("目标状态变化", "from", s.current, "to", next)
	s.current = next
	s.pending.Push(next)
}

// scan 启动时在现有进程中查找目标主窗口
func (s *Scanner) scan() error {
	procs, err := s.platform.Processes()
	if err != nil {
		return fmt.Errorf("process snapshot: %w", err)
	}
	targets := lo.Filter(procs, func(p ProcessInfo, _ int) bool {
		return IsTargetProcess(p.Name, s.target)
	})
	for _, p := range targets {
		wins, err := s.platform.Windows(p.PID)
		if err != nil {
			s.log.Err(err, "枚举进程窗口失败", "pid", p.PID)
			continue
		}
		for _, w := range wins {
			if rec, ok := s.inspect(w); ok {
				s.change(Running(rec))
				return nil
			}
		}
	}
	s.log.Debug("未发现运行中的目标", "target", s.target)
	return nil
}

// inspect 检查窗口是否为目标进程的主窗口
func (s *Scanner) inspect(w model.WindowHandle) (model.ProcessRecord, bool) {
	pid, tid, err := s.platform.WindowProcess(w)
	if err != nil {
		return model.ProcessRecord{}, false
	}
	name, err := s.platform.ProcessName(pid)
	if err != nil || !IsTargetProcess(name, s.target) {
		return model.ProcessRecord{}, false
	}
	title, err := s.platform.WindowTitle(w)
	if err != nil {
		return model.ProcessRecord{}, false
	}
	class, err := s.platform.WindowClass(w)
	if err != nil {
		return model.ProcessRecord{}, false
	}
	if !IsMainWindow(title, class) {
		return model.ProcessRecord{}, false
	}
	s.log.Debug("发现主窗口", "title", title, "class", class, "pid", pid)
	return model.ProcessRecord{PID: pid, ThreadID: tid, Name: name, MainWindow: w}, true
}

func (s *Scanner) listenStopped(ctx context.Context) (State, error) {
	sub, err := s.platform.Subscribe(EventFilter{Kind: WindowShown})
	if err != nil {
		return State{}, fmt.Errorf("subscribe %s: %w", WindowShown, err)
	}
	for {
		select {
		case <-ctx.Done():
			return State{}, closeWith(sub, ctx.Err())
		case evt, ok := <-sub.Events():
			if !ok {
				return State{}, closeWith(sub, ErrSubscriptionClosed)
			}
			rec, match := s.inspect(evt.Window)
			if !match {
				continue
			}
			if err := sub.Close(); err != nil {
				return State{}, fmt.Errorf("unsubscribe %s: %w", WindowShown, err)
			}
			return Running(rec), nil
		}
	}
}

func (s *Scanner) listenRunning(ctx context.Context, rec model.ProcessRecord) (State, error) {
	sub, err := s.platform.Subscribe(EventFilter{Kind: WindowDestroyed, PID: rec.PID, ThreadID: rec.ThreadID})
	if err != nil {
		return State{}, fmt.Errorf("subscribe %s: %w", WindowDestroyed, err)
	}
	for {
		select {
		case <-ctx.Done():
			return State{}, closeWith(sub, ctx.Err())
		case evt, ok := <-sub.Events():
			if !ok {
				return State{}, closeWith(sub, ErrSubscriptionClosed)
			}
			if evt.Window != rec.MainWindow {
				continue
			}
			if err := sub.Close(); err != nil {
				return State{}, fmt.Errorf("unsubscribe %s: %w", WindowDestroyed, err)
			}
			return Stopped, nil
		}
	}
}

func closeWith(sub Subscription, cause error) error {
	return errors.Join(cause, sub.Close())
}
