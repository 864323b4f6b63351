package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName 默认配置文件名，位于可执行文件同目录
const FileName = "config.yaml"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	// Blocker 载荷路径，为空时自动查找
	Blocker string `yaml:"blocker"`

	Filters struct {
		Path  string `yaml:"path"`
		Watch bool   `yaml:"watch"`
	} `yaml:"filters"`

	Target struct {
		ProcessName        string `yaml:"processName"`
		ShutdownWithTarget bool   `yaml:"shutdownWithTarget"`
	} `yaml:"target"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	// History 是否持久化决策历史
	History bool `yaml:"history"`
	// HistoryRetention 历史记录保留时长，0 表示永久保留
	HistoryRetention time.Duration `yaml:"historyRetention"`

	IgnoreSingleton bool `yaml:"ignoreSingleton"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = filepath.Join(dataDir(), "history.sqlite3")
	c.Sqlite.Prefix = "cefguard_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"file"}
	c.Log.File = filepath.Join(dataDir(), "cefguard.log")
	c.Filters.Watch = true
	c.Target.ProcessName = "spotify"
	c.HistoryRetention = 30 * 24 * time.Hour
	return c
}

// Load 在默认配置上叠加 YAML 文件；文件不存在且 optional 为真时返回默认配置
func Load(path string, optional bool) (*Config, error) {
	c := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, c.Validate()
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	if c.Target.ProcessName == "" {
		return errors.New("target.processName must not be empty")
	}
	if c.History && c.Sqlite.Dsn == "" {
		return errors.New("sqlite.dsn is required when history is enabled")
	}
	if c.HistoryRetention < 0 {
		return errors.New("historyRetention must not be negative")
	}
	return nil
}

// Save 写出 YAML 配置
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultPath 可执行文件同目录下的配置文件
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return FileName
	}
	return filepath.Join(filepath.Dir(exe), FileName)
}

func dataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "cefguard")
	}
	return filepath.Join(os.TempDir(), "cefguard")
}
