package resolver

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cefguard/internal/logger"
	"cefguard/pkg/model"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
)

const (
	// BlockerFileName 载荷默认文件名
	BlockerFileName = "cefguard_blocker.dll"
	// FilterFileName 过滤配置默认文件名
	FilterFileName = "filter.toml"
)

// ErrBlockerNotFound 所有候选位置均未找到载荷
var ErrBlockerNotFound = errors.New("could not find blocker")

//go:embed filter.toml
var defaultFilter []byte

// Options 查找选项；空字段取默认值
type Options struct {
	Blocker string // 命令行指定的载荷路径
	Filters string // 命令行指定的过滤配置路径
	ExeDir  string // 可执行文件所在目录
	TempDir string // 载荷缓存目录
	Logger  logger.Logger
}

// Resolver 按固定顺序定位载荷与过滤配置
type Resolver struct {
	opts Options
	log  logger.Logger
}

// New 创建查找器
func New(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.ExeDir == "" {
		if exe, err := os.Executable(); err == nil {
			opts.ExeDir = filepath.Dir(exe)
		}
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "cefguard")
	}
	return &Resolver{opts: opts, log: opts.Logger}
}

// Blocker 查找载荷：命令行路径 → 可执行文件同目录 → 缓存目录
func (r *Resolver) Blocker() (string, error) {
	var candidates []string
	if r.opts.Blocker != "" {
		candidates = append(candidates, r.opts.Blocker)
	}
	if r.opts.ExeDir != "" {
		candidates = append(candidates, filepath.Join(r.opts.ExeDir, BlockerFileName))
	}
	candidates = append(candidates, filepath.Join(r.opts.TempDir, BlockerFileName))

	for _, path := range candidates {
		r.log.Debug("查找载荷", "path", path)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		r.log.Info("已找到载荷", "path", abs, "size", humanize.IBytes(uint64(info.Size())))
		return abs, nil
	}
	return "", fmt.Errorf("%w (tried %v)", ErrBlockerNotFound, candidates)
}

// FilterPath 当前生效的过滤配置文件，使用内置默认值时为空
func (r *Resolver) FilterPath() string {
	if r.opts.Filters != "" {
		return r.opts.Filters
	}
	if r.opts.ExeDir != "" {
		sibling := filepath.Join(r.opts.ExeDir, FilterFileName)
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return ""
}

// Filters 加载过滤配置：命令行路径（不存在时写入默认配置）→ 可执行文件同目录 → 内置默认。
// 某一候选无法解析时记录警告并继续下一个
func (r *Resolver) Filters() (model.FilterConfig, error) {
	if path := r.opts.Filters; path != "" {
		cfg, err := r.loadFilters(path, true)
		if err == nil {
			return cfg, nil
		}
		r.log.Warn("命令行指定的过滤配置不可用", "path", path, "error", err)
	}

	if r.opts.ExeDir != "" {
		sibling := filepath.Join(r.opts.ExeDir, FilterFileName)
		cfg, err := r.loadFilters(sibling, false)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("同目录过滤配置不可用", "path", sibling, "error", err)
		}
	}

	r.log.Debug("使用内置过滤配置")
	return DefaultFilters(), nil
}

func (r *Resolver) loadFilters(path string, writeIfAbsent bool) (model.FilterConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && writeIfAbsent {
		r.log.Info("写入默认过滤配置", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return model.FilterConfig{}, err
		}
		if err := os.WriteFile(path, defaultFilter, 0o644); err != nil {
			return model.FilterConfig{}, err
		}
		data, err = defaultFilter, nil
	}
	if err != nil {
		return model.FilterConfig{}, err
	}

	cfg, err := ParseFilters(data)
	if err != nil {
		return model.FilterConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	r.log.Debug("已加载过滤配置", "path", path,
		"allowlist", len(cfg.Allowlist), "denylist", len(cfg.Denylist))
	return cfg, nil
}

// ParseFilters 解析 TOML 过滤配置，拒绝未知字段
func ParseFilters(data []byte) (model.FilterConfig, error) {
	var cfg model.FilterConfig
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return model.FilterConfig{}, fmt.Errorf("parse filter config: %w", err)
	}
	return cfg, nil
}

// DefaultFilters 内置默认过滤配置
func DefaultFilters() model.FilterConfig {
	cfg, err := ParseFilters(defaultFilter)
	if err != nil {
		panic(err)
	}
	return cfg
}
