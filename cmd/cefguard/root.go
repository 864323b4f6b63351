package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cefguard/internal/config"
	"cefguard/internal/logger"
	"cefguard/internal/singleton"
	"cefguard/pkg/api"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

type flags struct {
	configPath         string
	console            bool
	logLevel           string
	ignoreSingleton    bool
	blocker            string
	filters            string
	shutdownWithTarget bool
	metricsAddr        string
	history            bool
}

var opts flags

var rootCmd = &cobra.Command{
	Use:   "cefguard",
	Short: "Block ad requests inside CEF-based desktop applications",
	Long: `cefguard watches for the target application, injects an interception
module into it when its main window appears and filters the application's
DNS lookups and network requests with hot-reloadable regular expressions.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to config.yaml (default: next to the executable)")
	f.BoolVar(&opts.console, "console", false, "also log to the console")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, off")
	f.BoolVar(&opts.ignoreSingleton, "ignore-singleton", false, "allow more than one instance")
	f.StringVar(&opts.blocker, "blocker", "", "path to the blocker module")
	f.StringVar(&opts.filters, "filters", "", "path to filter.toml (created with defaults when missing)")
	f.BoolVar(&opts.shutdownWithTarget, "shutdown-with-target", false, "exit once the target application exits")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&opts.history, "history", false, "persist filtering decisions to sqlite")
}

// Execute 运行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig 读取配置文件并用显式给出的命令行参数覆盖
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, optional := opts.configPath, false
	if path == "" {
		path, optional = config.DefaultPath(), true
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if opts.console && !lo.Contains(cfg.Log.Writer, "console") {
		cfg.Log.Writer = append(cfg.Log.Writer, "console")
	}
	if f.Changed("ignore-singleton") {
		cfg.IgnoreSingleton = opts.ignoreSingleton
	}
	if f.Changed("blocker") {
		cfg.Blocker = opts.blocker
	}
	if f.Changed("filters") {
		cfg.Filters.Path = opts.filters
	}
	if f.Changed("shutdown-with-target") {
		cfg.Target.ShutdownWithTarget = opts.shutdownWithTarget
	}
	if f.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if f.Changed("history") {
		cfg.History = opts.history
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	l, err := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	log := l.With("pid", os.Getpid())

	if !cfg.IgnoreSingleton {
		guard, err := singleton.Acquire(singleton.Name)
		if errors.Is(err, singleton.ErrAlreadyRunning) {
			log.Info("已有实例在运行，退出")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() { _ = guard.Release() }()
	}

	svc, err := api.NewService(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- svc.Run(ctx) }()

	select {
	case err = <-errc:
	case <-ctx.Done():
		log.Info("收到退出信号")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := svc.Stop(shutdownCtx); serr != nil {
			log.Err(serr, "停止服务超时")
			return serr
		}
		err = <-errc
	}
	if err != nil {
		log.Err(err, "服务异常退出")
	}
	return err
}
