/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config provides configuration loading for linkexec.
// config 包提供 linkexec 的配置加载功能。
//
// Configuration priority (highest first):
// 配置优先级（从高到低）：
// - Command line overrides / 命令行覆盖
// - LINKEXEC_* environment variables / LINKEXEC_* 环境变量
// - Config file / 配置文件
// - Defaults / 默认值
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default configuration values
// 默认配置值
const (
	DefaultConfigPath        = "/etc/linkexec/config.yaml"
	DefaultLogLevel          = "info"
	DefaultLogMaxSize        = 100 // MB
	DefaultLogMaxBackups     = 3
	DefaultLogMaxAge         = 7 // days
	DefaultDaemonGrace       = 100 * time.Millisecond
	DefaultTelemetryEndpoint = "localhost:4317"
	DefaultTelemetryService  = "linkexec"
	envPrefix                = "LINKEXEC"
	configPathEnv            = "LINKEXEC_CONFIG_PATH"
)

// Config is the linkexec configuration
// Config 是 linkexec 的配置
type Config struct {
	// Log contains logging settings
	// Log 包含日志设置
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Exec contains process execution defaults
	// Exec 包含进程执行默认值
	Exec ExecConfig `mapstructure:"exec" yaml:"exec"`

	// Shell selects the shell used by the shell command
	// Shell 指定 shell 命令使用的 shell
	Shell ShellConfig `mapstructure:"shell" yaml:"shell"`

	// Telemetry contains OpenTelemetry tracing settings
	// Telemetry 包含 OpenTelemetry 追踪设置
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// LogConfig contains logging settings
// LogConfig 包含日志设置
type LogConfig struct {
	// Level is one of debug, info, warn, error
	// Level 取值为 debug、info、warn、error
	Level string `mapstructure:"level" yaml:"level"`

	// File enables a rotating JSON log file when set
	// File 设置后启用滚动的 JSON 日志文件
	File string `mapstructure:"file" yaml:"file"`

	MaxSize    int `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int `mapstructure:"max_age" yaml:"max_age"`
}

// ExecConfig contains process execution defaults
// ExecConfig 包含进程执行默认值
type ExecConfig struct {
	// Timeout bounds every wait, zero means unbounded
	// Timeout 限制每次等待，0 表示无限制
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// DaemonGrace is the wait used by daemon mode without a timeout
	// DaemonGrace 是未指定超时时守护模式的等待时间
	DaemonGrace time.Duration `mapstructure:"daemon_grace" yaml:"daemon_grace"`

	// TempDir is the working directory fallback
	// TempDir 是工作目录的后备目录
	TempDir string `mapstructure:"temp_dir" yaml:"temp_dir"`

	// Detached starts daemon children in their own process group
	// Detached 在独立进程组中启动守护子进程
	Detached bool `mapstructure:"detached" yaml:"detached"`

	// Env lists KEY=VALUE entries appended to every child's environment
	// Env 列出追加到每个子进程环境中的 KEY=VALUE 项
	Env []string `mapstructure:"env" yaml:"env"`
}

// ShellConfig selects the interactive shell
// ShellConfig 指定交互式 shell
type ShellConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// TelemetryConfig contains tracing settings
// TelemetryConfig 包含追踪设置
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Load loads configuration from file and environment variables
// Load 从文件和环境变量加载配置
func Load(configPath string) (*Config, error) {
	return LoadWithPriority(configPath, nil)
}

// LoadWithPriority loads configuration and applies command line overrides on top
// LoadWithPriority 加载配置并在最上层应用命令行覆盖
func LoadWithPriority(configPath string, overrides map[string]interface{}) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv(configPathEnv)
	}
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file falls back to defaults, a broken one is an error
		// 文件不存在时使用默认值，文件损坏则报错
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromYAML parses configuration from YAML bytes on top of the defaults
// LoadFromYAML 在默认值基础上解析 YAML 配置
func LoadFromYAML(yamlData []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(string(yamlData))); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)

	v.SetDefault("exec.timeout", time.Duration(0))
	v.SetDefault("exec.daemon_grace", DefaultDaemonGrace)
	v.SetDefault("exec.temp_dir", "")
	v.SetDefault("exec.detached", false)
	v.SetDefault("exec.env", []string{})

	v.SetDefault("shell.path", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", DefaultTelemetryEndpoint)
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", DefaultTelemetryService)
}

// Validate checks the configuration for invalid values
// Validate 检查配置中的无效值
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	if c.Exec.Timeout < 0 {
		return errors.New("exec.timeout must not be negative")
	}
	if c.Exec.DaemonGrace < 0 {
		return errors.New("exec.daemon_grace must not be negative")
	}

	for _, kv := range c.Exec.Env {
		if key, _, ok := strings.Cut(kv, "="); !ok || key == "" {
			return fmt.Errorf("invalid exec.env entry %q (must be KEY=VALUE)", kv)
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// EnvMap returns exec.env as a map. Later entries win.
// EnvMap 以 map 形式返回 exec.env，后出现的项优先。
func (c *Config) EnvMap() map[string]string {
	env := make(map[string]string, len(c.Exec.Env))
	for _, kv := range c.Exec.Env {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}
	return env
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Log.Level: %s, Exec.Timeout: %v, Exec.DaemonGrace: %v, Telemetry.Enabled: %t}",
		c.Log.Level,
		c.Exec.Timeout,
		c.Exec.DaemonGrace,
		c.Telemetry.Enabled,
	)
}

// ToYAML serializes the configuration to YAML
// ToYAML 将配置序列化为 YAML
func (c *Config) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Equal compares two configurations
// Equal 比较两个配置
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}

	if c.Log != other.Log {
		return false
	}

	if c.Exec.Timeout != other.Exec.Timeout ||
		c.Exec.DaemonGrace != other.Exec.DaemonGrace ||
		c.Exec.TempDir != other.Exec.TempDir ||
		c.Exec.Detached != other.Exec.Detached {
		return false
	}
	if len(c.Exec.Env) != 0 || len(other.Exec.Env) != 0 {
		if !slices.Equal(c.Exec.Env, other.Exec.Env) {
			return false
		}
	}

	return c.Shell == other.Shell && c.Telemetry == other.Telemetry
}
