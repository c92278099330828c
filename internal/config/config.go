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

// Package config provides configuration management for the dispatcher.
// config 包提供调度器的配置管理功能。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Environment variables (DISPATCHER_* and legacy names) / 环境变量（DISPATCHER_* 及旧变量名）
// 2. Configuration file / 配置文件
// 3. Default values / 默认值
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default configuration values
// 默认配置值
const (
	DefaultConfigPath         = "/etc/batch-dispatcher/config.yaml"
	DefaultAgentType          = "SEDA_BATCH"
	DefaultCoordinatorURL     = "http://localhost:9092"
	DefaultChannel            = "message"
	DefaultAPIHost            = "localhost"
	DefaultAPIPort            = 8080
	DefaultLaunchCommand      = "wine"
	DefaultTrackStatsInterval = 5000 * time.Millisecond
	DefaultGracefulTimeout    = 30 * time.Second
	DefaultDatabaseType       = "PostgreSQL"
	DefaultDatabaseHost       = "localhost"
	DefaultDatabasePort       = 5432
	DefaultLogLevel           = "info"
	DefaultLogMaxSize         = 100 // MB
	DefaultLogMaxBackups      = 3
	DefaultLogMaxAge          = 7 // days
	DefaultBackoffBaseDelay   = 1 * time.Second
	DefaultBackoffMaxDelay    = 60 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultServiceName        = "batch-dispatcher"

	// MinTrackStatsInterval is the lowest accepted sampling interval
	// MinTrackStatsInterval 是允许的最小采样间隔
	MinTrackStatsInterval = 100 * time.Millisecond
)

// envPrefix is the prefix of structured environment variables
// envPrefix 是结构化环境变量的前缀
const envPrefix = "DISPATCHER"

// legacyTrackStatsIntervalEnv holds the sampling interval in milliseconds
// legacyTrackStatsIntervalEnv 以毫秒为单位保存采样间隔
const legacyTrackStatsIntervalEnv = "TRACK_STATS_INVERVAL"

// legacyEnv maps config keys to the environment names used by existing deployments
// legacyEnv 将配置键映射到已有部署使用的环境变量名
var legacyEnv = map[string]string{
	"agent.id":             "AGENT_ID",
	"agent.type":           "TYPE",
	"agent.unattached":     "UNATTACHED",
	"api.enabled":          "ENABLE_API",
	"api.host":             "HOST",
	"api.port":             "PORT",
	"coordinator.url":      "KRAKEN_URL",
	"coordinator.channel":  "KRAKEN_SOCKET_CHANNEL",
	"workload.exe_path":    "BATCH_EXE_PATH",
	"workload.track_stats": "TRACK_STATS",
	"database.type":        "DB_TYPE",
	"database.host":        "DB_HOST",
	"database.port":        "DB_PORT",
	"database.username":    "DB_USERNAME",
	"database.password":    "DB_PASSWORD",
	"database.schema":      "DB_SCHEMA",
	"database.instance":    "DB_INSTANCE",
	"log.level":            "LOG_LEVEL",
}

// Config represents the dispatcher configuration
// Config 表示调度器配置
type Config struct {
	// Agent identity and operating mode / Agent 身份与运行模式
	Agent AgentConfig `mapstructure:"agent" yaml:"agent"`

	// Remote coordinator connection / 远程协调器连接
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`

	// Local control surface / 本地控制接口
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Workload launch and sampling / 工作负载启动与采样
	Workload WorkloadConfig `mapstructure:"workload" yaml:"workload"`

	// Initial database connection handed to workloads / 交给工作负载的初始数据库连接
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Log configuration / 日志配置
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Tracing configuration / 追踪配置
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// AgentConfig contains the agent identity and operating mode
// AgentConfig 包含 Agent 身份和运行模式
type AgentConfig struct {
	// ID identifies this agent to the coordinator (generated if empty)
	// ID 向协调器标识此 Agent（为空时自动生成）
	ID string `mapstructure:"id" yaml:"id"`

	// Type is the agent type announced on connect
	// Type 是连接时声明的 Agent 类型
	Type string `mapstructure:"type" yaml:"type"`

	// Unattached skips the control channel entirely
	// Unattached 表示完全跳过控制通道
	Unattached bool `mapstructure:"unattached" yaml:"unattached"`
}

// CoordinatorConfig contains control channel settings
// CoordinatorConfig 包含控制通道设置
type CoordinatorConfig struct {
	// URL selects the transport by scheme (grpc, http(s), nats, tls)
	// URL 通过 scheme 选择传输方式（grpc、http(s)、nats、tls）
	URL string `mapstructure:"url" yaml:"url"`

	// Channel is the name outbound events are emitted on
	// Channel 是出站事件使用的通道名
	Channel string `mapstructure:"channel" yaml:"channel"`

	// ConfigChannel is the name configuration pushes arrive on
	// ConfigChannel 是配置推送到达的通道名
	ConfigChannel string `mapstructure:"config_channel" yaml:"config_channel"`

	// TLS configuration / TLS 配置
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// Token for authentication / 用于认证的 Token
	Token string `mapstructure:"token" yaml:"token"`

	// Backoff is handed to the transport's reconnect logic
	// Backoff 交给传输层的重连逻辑
	Backoff BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
}

// TLSConfig contains TLS settings
// TLSConfig 包含 TLS 设置
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
	CAFile   string `mapstructure:"ca_file" yaml:"ca_file"`
}

// BackoffConfig contains transport reconnect pacing
// BackoffConfig 包含传输层重连节奏
type BackoffConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// APIConfig contains the local control surface settings
// APIConfig 包含本地控制接口设置
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// WorkloadConfig contains workload launch and sampling settings
// WorkloadConfig 包含工作负载启动与采样设置
type WorkloadConfig struct {
	// LaunchCommand runs ExePath (e.g. wine) / LaunchCommand 用于运行 ExePath（例如 wine）
	LaunchCommand string `mapstructure:"launch_command" yaml:"launch_command"`

	// ExePath is the batch executable / ExePath 是批处理可执行文件
	ExePath string `mapstructure:"exe_path" yaml:"exe_path"`

	// TrackStats enables periodic sampling / TrackStats 启用周期性采样
	TrackStats bool `mapstructure:"track_stats" yaml:"track_stats"`

	// TrackStatsInterval is the sampling interval / TrackStatsInterval 是采样间隔
	TrackStatsInterval time.Duration `mapstructure:"track_stats_interval" yaml:"track_stats_interval"`

	// GracefulTimeout is how long a kill waits before SIGKILL
	// GracefulTimeout 是 kill 在发送 SIGKILL 前的等待时间
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
}

// DatabaseConfig contains the database connection handed to workloads
// DatabaseConfig 包含交给工作负载的数据库连接
type DatabaseConfig struct {
	Type     string `mapstructure:"type" yaml:"type"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Schema   string `mapstructure:"schema" yaml:"schema"`
	Instance string `mapstructure:"instance" yaml:"instance"`

	// ProbeOnPush opens the pushed connection once to verify it
	// ProbeOnPush 在收到推送后打开一次连接进行验证
	ProbeOnPush bool `mapstructure:"probe_on_push" yaml:"probe_on_push"`
}

// LogConfig contains logging settings
// LogConfig 包含日志设置
type LogConfig struct {
	// Level is the log level (debug, info, warn, error)
	// Level 是日志级别（debug, info, warn, error）
	Level string `mapstructure:"level" yaml:"level"`

	// File is the log file path, empty logs to stdout only
	// File 是日志文件路径，为空时只输出到标准输出
	File string `mapstructure:"file" yaml:"file"`

	// MaxSize is the maximum size of log file in MB before rotation
	// MaxSize 是日志文件轮转前的最大大小（MB）
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`

	// MaxBackups is the maximum number of old log files to retain
	// MaxBackups 是保留的旧日志文件的最大数量
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`

	// MaxAge is the maximum number of days to retain old log files
	// MaxAge 是保留旧日志文件的最大天数
	MaxAge int `mapstructure:"max_age" yaml:"max_age"`

	// Compress gzips rotated files / Compress 压缩轮转后的文件
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// TelemetryConfig contains OpenTelemetry tracing settings
// TelemetryConfig 包含 OpenTelemetry 追踪设置
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Load loads configuration from file and environment variables
// Load 从文件和环境变量加载配置
func Load(configPath string) (*Config, error) {
	v := newViper()

	// Set config file path / 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("DISPATCHER_CONFIG_PATH"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	// Read config file / 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// A missing file falls back to defaults and environment
		// 文件不存在时回退到默认值和环境变量
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromYAML loads configuration from YAML bytes
// LoadFromYAML 从 YAML 字节加载配置
func LoadFromYAML(yamlData []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(yamlData)); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return unmarshal(v)
}

// newViper creates a viper instance with defaults and env bindings
// newViper 创建带默认值和环境变量绑定的 viper 实例
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings keep the prefixed name first, legacy name second
	// 显式绑定：带前缀的变量名优先，旧变量名其次
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, legacy)
	}

	return v
}

// unmarshal decodes viper state and applies derived values
// unmarshal 解码 viper 状态并应用派生值
func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The legacy interval is expressed in milliseconds / 旧变量以毫秒表示间隔
	raw := strings.TrimSpace(os.Getenv(legacyTrackStatsIntervalEnv))
	if raw != "" && os.Getenv("DISPATCHER_WORKLOAD_TRACK_STATS_INTERVAL") == "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", legacyTrackStatsIntervalEnv, err)
		}
		cfg.Workload.TrackStatsInterval = time.Duration(ms) * time.Millisecond
	}

	if cfg.Agent.ID == "" {
		cfg.Agent.ID = uuid.NewString()
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// Agent defaults / Agent 默认值
	v.SetDefault("agent.id", "")
	v.SetDefault("agent.type", DefaultAgentType)
	v.SetDefault("agent.unattached", false)

	// Coordinator defaults / 协调器默认值
	v.SetDefault("coordinator.url", DefaultCoordinatorURL)
	v.SetDefault("coordinator.channel", DefaultChannel)
	v.SetDefault("coordinator.config_channel", DefaultChannel)
	v.SetDefault("coordinator.tls.enabled", false)
	v.SetDefault("coordinator.token", "")
	v.SetDefault("coordinator.backoff.base_delay", DefaultBackoffBaseDelay)
	v.SetDefault("coordinator.backoff.max_delay", DefaultBackoffMaxDelay)
	v.SetDefault("coordinator.backoff.multiplier", DefaultBackoffMultiplier)

	// API defaults / API 默认值
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", DefaultAPIHost)
	v.SetDefault("api.port", DefaultAPIPort)

	// Workload defaults / 工作负载默认值
	v.SetDefault("workload.launch_command", DefaultLaunchCommand)
	v.SetDefault("workload.exe_path", "")
	v.SetDefault("workload.track_stats", true)
	v.SetDefault("workload.track_stats_interval", DefaultTrackStatsInterval)
	v.SetDefault("workload.graceful_timeout", DefaultGracefulTimeout)

	// Database defaults / 数据库默认值
	v.SetDefault("database.type", DefaultDatabaseType)
	v.SetDefault("database.host", DefaultDatabaseHost)
	v.SetDefault("database.port", DefaultDatabasePort)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.schema", "")
	v.SetDefault("database.instance", "")
	v.SetDefault("database.probe_on_push", false)

	// Log defaults / 日志默认值
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)
	v.SetDefault("log.compress", false)

	// Telemetry defaults / 追踪默认值
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", DefaultServiceName)
}

// Validate validates the configuration
// Validate 验证配置
func (c *Config) Validate() error {
	if c.Agent.Type == "" {
		return errors.New("agent.type is required")
	}

	// The coordinator is only dialed in attached mode / 仅在附着模式下连接协调器
	if !c.Agent.Unattached {
		if c.Coordinator.URL == "" {
			return errors.New("coordinator.url is required in attached mode")
		}
		if _, err := url.Parse(c.Coordinator.URL); err != nil {
			return fmt.Errorf("invalid coordinator.url: %w", err)
		}
		if c.Coordinator.Channel == "" || c.Coordinator.ConfigChannel == "" {
			return errors.New("coordinator.channel and coordinator.config_channel are required")
		}
		if c.Coordinator.TLS.Enabled && (c.Coordinator.TLS.CertFile == "") != (c.Coordinator.TLS.KeyFile == "") {
			return errors.New("coordinator.tls.cert_file and coordinator.tls.key_file must be set together")
		}
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api.port: %d", c.API.Port)
	}

	if c.Workload.LaunchCommand == "" {
		return errors.New("workload.launch_command is required")
	}
	if c.Workload.TrackStats && c.Workload.TrackStatsInterval < MinTrackStatsInterval {
		return fmt.Errorf("workload.track_stats_interval must be at least %v", MinTrackStatsInterval)
	}
	if c.Workload.GracefulTimeout <= 0 {
		return errors.New("workload.graceful_timeout must be positive")
	}

	// Validate log level / 验证日志级别
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	return nil
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Agent.ID: %s, Agent.Type: %s, Unattached: %t, Coordinator.URL: %s, API: %t@%s:%d, TrackStats: %t/%v, Log.Level: %s}",
		c.Agent.ID,
		c.Agent.Type,
		c.Agent.Unattached,
		c.Coordinator.URL,
		c.API.Enabled,
		c.API.Host,
		c.API.Port,
		c.Workload.TrackStats,
		c.Workload.TrackStatsInterval,
		c.Log.Level,
	)
}

// ToYAML serializes the configuration to YAML format
// ToYAML 将配置序列化为 YAML 格式
func (c *Config) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Equal compares two configs for equality
// Equal 比较两个配置是否相等
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return *c == *other
}

// Address returns the listen address of the local surface
// Address 返回本地接口的监听地址
func (c *APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LaunchArgs returns the arguments passed to LaunchCommand
// LaunchArgs 返回传给 LaunchCommand 的参数
func (c *WorkloadConfig) LaunchArgs() []string {
	if c.ExePath == "" {
		return nil
	}
	return []string{c.ExePath}
}
