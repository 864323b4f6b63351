package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cefguard/pkg/model"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrNotRegistered 日志流的第一条消息不是注册确认
var ErrNotRegistered = errors.New("logger stream did not start with registration ack")

// Client 宿主侧控制客户端
type Client struct {
	conn *grpc.ClientConn

	mu      sync.Mutex
	enabled bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	closed  bool
}

// Dial 连接到注入端的控制端口
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial blocker %s: %w", addr, err)
	}
	conn.Connect()
	return &Client{conn: conn, done: make(chan struct{})}, nil
}

// RegisterLogger 注册日志能力，等待注册确认后由后台协程持续分发事件
func (c *Client) RegisterLogger(ctx context.Context, l Logger) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("logger already registered")
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	stream, err := c.conn.NewStream(streamCtx, registerLoggerStreamDesc, fullMethod("RegisterLogger"))
	if err != nil {
		cancel()
		return fmt.Errorf("register logger: %w", err)
	}
	if err := stream.SendMsg(&RegisterLoggerRequest{}); err != nil {
		cancel()
		return fmt.Errorf("register logger: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return fmt.Errorf("register logger: %w", err)
	}

	ack := make(chan error, 1)
	go func() {
		first := new(LogEvent)
		if err := stream.RecvMsg(first); err != nil {
			ack <- err
			return
		}
		if first.Kind != EventRegistered {
			ack <- ErrNotRegistered
			return
		}
		ack <- nil
		c.finish(c.receive(stream, l))
	}()

	select {
	case err := <-ack:
		if err != nil {
			cancel()
			return fmt.Errorf("register logger: %w", err)
		}
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// receive 协议任务：把日志事件分发给宿主 Logger，直到流结束
func (c *Client) receive(stream grpc.ClientStream, l Logger) error {
	for {
		evt := new(LogEvent)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch evt.Kind {
		case EventRequest:
			l.LogRequest(evt.Hook, evt.Blocked, evt.URL)
		case EventMessage:
			l.LogMessage(evt.Message)
		}
	}
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	close(c.done)
}

// Done 协议任务结束（注入端关闭日志流或连接断开）时关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// Err 协议任务结束的原因，正常结束为 nil
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) SetRuleset(ctx context.Context, hook model.HookPoint, spec model.RulesetSpec) error {
	req := &SetRulesetRequest{Hook: hook, Ruleset: spec}
	if err := c.conn.Invoke(ctx, fullMethod("SetRuleset"), req, new(Empty)); err != nil {
		return fmt.Errorf("set %s ruleset: %w", hook, err)
	}
	return nil
}

func (c *Client) EnableFiltering(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, fullMethod("EnableFiltering"), &Empty{}, new(Empty)); err != nil {
		return fmt.Errorf("enable filtering: %w", err)
	}
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

func (c *Client) DisableFiltering(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, fullMethod("DisableFiltering"), &Empty{}, new(Empty)); err != nil {
		return fmt.Errorf("disable filtering: %w", err)
	}
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	return nil
}

// Close 若经由本客户端启用了过滤则先禁用，再关闭连接
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	enabled := c.enabled
	cancel := c.cancel
	c.mu.Unlock()

	var errs []error
	if enabled {
		errs = append(errs, c.DisableFiltering(ctx))
	}
	if cancel != nil {
		cancel()
	}
	errs = append(errs, c.conn.Close())
	return errors.Join(errs...)
}
