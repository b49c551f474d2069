// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Vendor     VendorConfig     `mapstructure:"vendor"`
	Gate       GateConfig       `mapstructure:"gate"`
	WS         WSConfig         `mapstructure:"ws"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Timeout string `mapstructure:"timeout"` // 单次数据请求默认超时，如 "30s"
}

// VendorConfig 行情 SDK 接入配置
type VendorConfig struct {
	// Type 接入方式：mock（内置模拟源，本地开发/测试）| external（由宿主注入）
	Type string `mapstructure:"type"`
	// FatalPatterns 致命故障特征子串列表；命中即判定 SDK 进程级损坏并打开熔断。
	// SDK 的故障签名需与厂商确认后在此维护，空则使用内置默认值
	FatalPatterns []string `mapstructure:"fatal_patterns"`
}

// GateConfig 串行闸门配置
type GateConfig struct {
	QueueSize      int    `mapstructure:"queue_size"`      // 排队上限，<=0 使用默认 256
	DefaultTimeout string `mapstructure:"default_timeout"` // 调用方未给 deadline 时的兜底超时，如 "30s"
}

// WSConfig WebSocket 会话配置
type WSConfig struct {
	SendBuffer int `mapstructure:"send_buffer"` // 单连接出站缓冲条数，<=0 使用默认 64
}

// SchedulerConfig 后台定时任务配置
type SchedulerConfig struct {
	// Enabled 为 false 时不启动后台调度器；未配置时默认 true
	Enabled *bool `mapstructure:"enabled"`
	// Interval 基础数据任务刷新周期，如 "24h"，空则默认 24h
	Interval string `mapstructure:"interval"`
	// Tick 调度器轮询粒度，如 "1s"
	Tick string `mapstructure:"tick"`
	// Stagger 相邻任务首轮启动的错峰间隔，如 "30s"
	Stagger string `mapstructure:"stagger"`
	// RetryMax 任务失败最大重试次数（不含首次），<0 使用默认 2
	RetryMax int `mapstructure:"retry_max"`
	// Backoff 首次重试前等待时间（指数退避基数），如 "5s"
	Backoff string `mapstructure:"backoff"`
	// KlinePeriods K 线增量下载周期列表，如 ["1d","1m"]；空则不挂载该任务
	KlinePeriods []string `mapstructure:"kline_periods"`
	// KlineSectors K 线增量下载股票来源板块
	KlineSectors string `mapstructure:"kline_sectors"`
	// FinancialEnabled 是否挂载财务数据增量下载任务
	FinancialEnabled bool `mapstructure:"financial_enabled"`
}

// NotifyConfig 运维通知配置（致命故障 / 任务失败推送）
type NotifyConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backends 启用的通知后端，如 ["feishu","webhook"]
	Backends []string `mapstructure:"backends"`
	// EventTypes 允许的事件类型，空表示全部
	EventTypes []string `mapstructure:"event_types"`
	// IgnoreEventTypes 排除的事件类型
	IgnoreEventTypes []string `mapstructure:"ignore_event_types"`
	// RatePerMinute 每分钟最多发送条数，防止告警风暴；<=0 使用默认 10
	RatePerMinute float64 `mapstructure:"rate_per_minute"`

	FeishuWebhookURL    string `mapstructure:"feishu_webhook_url"`
	FeishuWebhookSecret string `mapstructure:"feishu_webhook_secret"` // 可选 v2 签名密钥
	WebhookURL          string `mapstructure:"webhook_url"`
	WebhookSecret       string `mapstructure:"webhook_secret"` // 以 X-Webhook-Secret 头发送
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetEnvPrefix("QMT_BRIDGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量（webhook 密钥等敏感项支持 ${ENV} 写法）
	replaceEnvVars(&config)

	return &config, nil
}

// replaceEnvVars 替换配置中的环境变量引用
func replaceEnvVars(config *Config) {
	config.Notify.FeishuWebhookURL = expandEnv(config.Notify.FeishuWebhookURL)
	config.Notify.FeishuWebhookSecret = expandEnv(config.Notify.FeishuWebhookSecret)
	config.Notify.WebhookURL = expandEnv(config.Notify.WebhookURL)
	config.Notify.WebhookSecret = expandEnv(config.Notify.WebhookSecret)
}

// expandEnv 将 ${VAR} 形式的值替换为环境变量；非该形式原样返回
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")); val != "" {
			return val
		}
	}
	return v
}

// LoadBridgeConfig 加载 Bridge 配置（configs/bridge.yaml）
func LoadBridgeConfig() (*Config, error) {
	return LoadConfig("configs/bridge.yaml")
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
