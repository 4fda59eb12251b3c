package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Follow struct {
		TimeoutMS      int  `yaml:"timeoutMS"`
		DebugTimeoutMS int  `yaml:"debugTimeoutMS"`
		Debug          bool `yaml:"debug"`
	} `yaml:"follow"`

	Patterns struct {
		Path string `yaml:"path"`
	} `yaml:"patterns"`

	Telemetry struct {
		Category string `yaml:"category"`
	} `yaml:"telemetry"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Follow.TimeoutMS = 30000
	c.Follow.DebugTimeoutMS = 2000
	c.Patterns.Path = "patterns.json"
	c.Telemetry.Category = "addonsSearchExperiment"
	return c
}

// Load 从 YAML 文件加载配置，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// FollowTimeout 返回链跟踪超时时长，debug 配置下取缩短值
func (c *Config) FollowTimeout() time.Duration {
	ms := c.Follow.TimeoutMS
	if c.Follow.Debug {
		ms = c.Follow.DebugTimeoutMS
	}
	if ms <= 0 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}
