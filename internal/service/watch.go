package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"cefguard/pkg/model"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// 编辑器保存文件通常触发多次事件，合并后再重新加载
const reloadDebounce = 300 * time.Millisecond

// watchFilters 监视过滤配置文件所在目录，文件变化时向当前会话重新下发规则。
// 使用内置默认配置时没有可监视的文件，直接返回
func (s *Service) watchFilters(ctx context.Context) error {
	path := s.resolver.FilterPath()
	if path == "" {
		s.log.Debug("使用内置过滤配置，不监视文件")
		return nil
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// 监视目录而不是文件本身，原子替换保存的文件也能被捕获
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	s.log.Info("监视过滤配置", "path", path)

	reload := debounce.New(reloadDebounce)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Err(err, "过滤配置监视出错")
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			s.log.Debug("过滤配置变化", "op", evt.Op.String())
			reload(func() { s.reloadFilters(ctx) })
		}
	}
}

func (s *Service) reloadFilters(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.manager.Reload(ctx); err != nil {
		s.log.Err(err, "热更新规则失败")
		return
	}
	s.emit(model.Event{Type: "reloaded"})
}
