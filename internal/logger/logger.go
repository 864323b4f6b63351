package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 键值对风格的结构化日志接口
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志选项
type Options struct {
	Level   string    // trace|debug|info|warn|error|off
	Writers []string  // console|file
	File    string    // 日志文件路径
	Console io.Writer // 控制台输出，默认 os.Stderr
}

// ZeroLogger 基于 zerolog 的实现
type ZeroLogger struct {
	zl zerolog.Logger
}

// New 按选项创建日志器
func New(opts Options) (*ZeroLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var writers []io.Writer
	for _, w := range opts.Writers {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "console":
			out := opts.Console
			if out == nil {
				out = os.Stderr
			}
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: time.TimeOnly,
				NoColor:    out != os.Stderr && out != os.Stdout,
			})
		case "file":
			if opts.File == "" {
				return nil, fmt.Errorf("log writer \"file\" requires a file path")
			}
			if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     14,
			})
		case "":
		default:
			return nil, fmt.Errorf("unknown log writer %q", w)
		}
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &ZeroLogger{zl: zl}, nil
}

// ParseLevel 解析日志级别，空字符串为 debug
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug":
		return zerolog.DebugLevel, nil
	case "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.ParseLevel(strings.ToLower(s))
	}
}

func (l *ZeroLogger) Debug(msg string, kv ...any) { fields(l.zl.Debug(), kv).Msg(msg) }
func (l *ZeroLogger) Info(msg string, kv ...any)  { fields(l.zl.Info(), kv).Msg(msg) }
func (l *ZeroLogger) Warn(msg string, kv ...any)  { fields(l.zl.Warn(), kv).Msg(msg) }
func (l *ZeroLogger) Error(msg string, kv ...any) { fields(l.zl.Error(), kv).Msg(msg) }

// Err 记录带错误的日志
func (l *ZeroLogger) Err(err error, msg string, kv ...any) {
	fields(l.zl.Error().Err(err), kv).Msg(msg)
}

// With 返回附带固定字段的子日志器
func (l *ZeroLogger) With(kv ...any) Logger {
	ctx := l.zl.With()
	for i := 0; i < len(kv); i += 2 {
		ctx = ctx.Interface(key(kv, i), value(kv, i))
	}
	return &ZeroLogger{zl: ctx.Logger()}
}

func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	if e == nil {
		return nil
	}
	for i := 0; i < len(kv); i += 2 {
		k := key(kv, i)
		switch v := value(kv, i).(type) {
		case string:
			e = e.Str(k, v)
		case error:
			e = e.AnErr(k, v)
		case time.Duration:
			e = e.Dur(k, v)
		case fmt.Stringer:
			e = e.Stringer(k, v)
		default:
			e = e.Interface(k, v)
		}
	}
	return e
}

func key(kv []any, i int) string {
	if s, ok := kv[i].(string); ok {
		return s
	}
	return fmt.Sprint(kv[i])
}

func value(kv []any, i int) any {
	if i+1 < len(kv) {
		return kv[i+1]
	}
	return "(MISSING)"
}

// Nop 丢弃所有日志
type Nop struct{}

// NewNop 创建空日志器
func NewNop() Logger { return Nop{} }

func (Nop) Debug(string, ...any)      {}
func (Nop) Info(string, ...any)       {}
func (Nop) Warn(string, ...any)       {}
func (Nop) Error(string, ...any)      {}
func (Nop) Err(error, string, ...any) {}
func (n Nop) With(...any) Logger      { return n }
