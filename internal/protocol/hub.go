package protocol

import (
	"sync"
	"sync/atomic"

	"cefguard/internal/logger"
	"cefguard/internal/queue"
	"cefguard/pkg/model"
)

// sink 一个已注册的日志流
type sink struct {
	id     uint64
	stream LogStream
	acked  bool // 仅由泵协程读写
	done   chan error
}

// delivery to 为 0 表示广播
type delivery struct {
	evt *LogEvent
	to  uint64
}

// Hub 日志事件分发：钩子线程只入队，唯一的泵协程负责写入所有日志流
type Hub struct {
	q      *queue.Unbounded[delivery]
	log    logger.Logger
	active atomic.Int32

	mu     sync.Mutex
	sinks  map[uint64]*sink
	nextID uint64

	stopped chan struct{}
}

// NewHub 创建并启动分发泵
func NewHub(l logger.Logger) *Hub {
	if l == nil {
		l = logger.NewNop()
	}
	h := &Hub{
		q:       queue.New[delivery](),
		log:     l,
		sinks:   make(map[uint64]*sink),
		stopped: make(chan struct{}),
	}
	go h.pump()
	return h
}

// Request 上报一次过滤判定；没有注册日志器时丢弃
func (h *Hub) Request(hook model.HookPoint, blocked bool, url string) {
	if h.active.Load() == 0 {
		return
	}
	h.q.Push(delivery{evt: &LogEvent{Kind: EventRequest, Hook: hook, Blocked: blocked, URL: url}})
}

// Message 上报诊断信息；没有注册日志器时丢弃
func (h *Hub) Message(text string) {
	if h.active.Load() == 0 {
		return
	}
	h.q.Push(delivery{evt: &LogEvent{Kind: EventMessage, Message: text}})
}

// Serve 注册日志流并阻塞到流结束或 Hub 关闭。
// 注册确认也经由泵发送，确认之后入队的事件才会写入该流
func (h *Hub) Serve(stream LogStream) error {
	h.mu.Lock()
	h.nextID++
	s := &sink{id: h.nextID, stream: stream, done: make(chan error, 1)}
	if !h.q.Push(delivery{evt: &LogEvent{Kind: EventRegistered}, to: s.id}) {
		h.mu.Unlock()
		return nil
	}
	h.sinks[s.id] = s
	h.active.Add(1)
	h.mu.Unlock()
	h.log.Debug("日志器已注册", "id", s.id)

	select {
	case err := <-s.done:
		return err
	case <-stream.Context().Done():
		h.remove(s.id, nil)
		return stream.Context().Err()
	}
}

// Loggers 当前注册的日志流数量
func (h *Hub) Loggers() int { return int(h.active.Load()) }

// Close 停止接收事件，推送剩余事件后结束所有日志流
func (h *Hub) Close() {
	h.q.Close()
	<-h.stopped
}

func (h *Hub) pump() {
	defer close(h.stopped)
	for range h.q.Ready() {
		closed := h.q.Closed()
		for _, d := range h.q.Drain() {
			h.deliver(d)
		}
		if closed {
			h.closeAll()
			return
		}
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.Lock()
	targets := make([]*sink, 0, len(h.sinks))
	for _, s := range h.sinks {
		if d.to == 0 && s.acked || d.to == s.id {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.stream.Send(d.evt); err != nil {
			h.log.Err(err, "日志流写入失败，移除", "id", s.id)
			h.remove(s.id, err)
			continue
		}
		if d.to == s.id {
			s.acked = true
		}
	}
}

func (h *Hub) remove(id uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sinks[id]
	if !ok {
		return
	}
	delete(h.sinks, id)
	h.active.Add(-1)
	s.done <- err
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sinks {
		delete(h.sinks, id)
		h.active.Add(-1)
		s.done <- nil
	}
}
