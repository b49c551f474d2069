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

// Package notify 运维事件推送：SDK 致命故障、后台任务失败等需要
// 人工介入的事件推给飞书群机器人或通用 webhook。推送失败只记
// 日志，绝不反向影响网桥主流程。
package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"qmt-bridge/pkg/config"
	"qmt-bridge/pkg/log"
)

// EventType 运维事件类型
type EventType string

const (
	// EventVendorFatal SDK 致命故障，熔断已打开，需要外部重启 SDK
	EventVendorFatal EventType = "vendor_fatal"
	// EventJobFailed 后台任务重试耗尽后仍失败
	EventJobFailed EventType = "job_failed"
	// EventBreakerReset 熔断被复位
	EventBreakerReset EventType = "breaker_reset"
)

// Event 一条运维事件
type Event struct {
	Type  EventType         `json:"type"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Time  time.Time         `json:"time"`
	Extra map[string]string `json:"extra,omitempty"`
}

// Notifier 通知后端接口
type Notifier interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Manager 管理多个后端：事件类型过滤 + 发送限速 + 扇出
type Manager struct {
	backends []Notifier
	allow    map[EventType]struct{} // nil 表示全部允许
	deny     map[EventType]struct{}
	limiter  *rate.Limiter
	logger   *log.Logger
}

// NewManager 按配置装配通知管理器；未启用或无后端时返回 nil，
// 调用方对 nil Manager 的 Notify 是空操作
func NewManager(cfg config.NotifyConfig, logger *log.Logger) *Manager {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = log.Nop()
	}
	var backends []Notifier
	for _, name := range cfg.Backends {
		switch name {
		case "feishu":
			if cfg.FeishuWebhookURL != "" {
				backends = append(backends, NewFeishu(cfg.FeishuWebhookURL, cfg.FeishuWebhookSecret))
			}
		case "webhook":
			if cfg.WebhookURL != "" {
				backends = append(backends, NewWebhook(cfg.WebhookURL, cfg.WebhookSecret))
			}
		default:
			logger.Warn("未知通知后端，已忽略", "backend", name)
		}
	}
	if len(backends) == 0 {
		return nil
	}

	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 10
	}

	m := &Manager{
		backends: backends,
		limiter:  rate.NewLimiter(rate.Limit(perMinute/60), int(perMinute)),
		logger:   logger,
	}
	if len(cfg.EventTypes) > 0 {
		m.allow = make(map[EventType]struct{}, len(cfg.EventTypes))
		for _, t := range cfg.EventTypes {
			m.allow[EventType(t)] = struct{}{}
		}
	}
	if len(cfg.IgnoreEventTypes) > 0 {
		m.deny = make(map[EventType]struct{}, len(cfg.IgnoreEventTypes))
		for _, t := range cfg.IgnoreEventTypes {
			m.deny[EventType(t)] = struct{}{}
		}
	}
	return m
}

// Notify 异步推送一条事件到所有后端。被过滤或触发限速的事件
// 直接丢弃（限速是为了防告警风暴，丢弃计入日志）。
func (m *Manager) Notify(ev Event) {
	if m == nil {
		return
	}
	if _, denied := m.deny[ev.Type]; denied {
		return
	}
	if m.allow != nil {
		if _, ok := m.allow[ev.Type]; !ok {
			return
		}
	}
	if !m.limiter.Allow() {
		m.logger.Warn("通知触发限速，已丢弃", "type", string(ev.Type), "title", ev.Title)
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, b := range m.backends {
		go func(b Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := b.Send(ctx, ev); err != nil {
				m.logger.Warn("通知发送失败", "backend", b.Name(), "type", string(ev.Type), "error", err)
			}
		}(b)
	}
}
