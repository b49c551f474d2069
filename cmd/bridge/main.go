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

package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qmt-bridge/internal/gate"
	"qmt-bridge/internal/notify"
	"qmt-bridge/internal/scheduler"
	"qmt-bridge/internal/server"
	"qmt-bridge/internal/subscription"
	"qmt-bridge/internal/vendorapi"
	"qmt-bridge/internal/vendorapi/mock"
	"qmt-bridge/pkg/config"
	"qmt-bridge/pkg/log"
)

func main() {
	cfg, err := config.LoadBridgeConfig()
	if err != nil {
		stdlog.Fatalf("加载配置失败: %v", err)
	}

	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		stdlog.Fatalf("初始化日志失败: %v", err)
	}

	capability, err := buildCapability(cfg)
	if err != nil {
		stdlog.Fatalf("初始化行情接入失败: %v", err)
	}

	notifier := notify.NewManager(cfg.Notify, logger)

	classifier := vendorapi.NewFatalClassifier(cfg.Vendor.FatalPatterns)
	g := gate.New(capability, classifier, logger,
		gate.WithQueueSize(cfg.Gate.QueueSize),
		gate.WithDefaultTimeout(config.ParseDuration(cfg.Gate.DefaultTimeout, 30*time.Second)),
		gate.WithOnFatal(func(err error) {
			notifier.Notify(notify.Event{
				Type:  notify.EventVendorFatal,
				Title: "行情 SDK 致命故障，熔断已打开",
				Body:  err.Error(),
				Extra: map[string]string{"action": "重启 SDK 后调用 /api/admin/reset_breaker"},
			})
		}),
	)

	registry := subscription.NewRegistry(g, logger)

	var sched *scheduler.Scheduler
	schedEnabled := true
	if cfg.Scheduler.Enabled != nil {
		schedEnabled = *cfg.Scheduler.Enabled
	}
	if schedEnabled {
		sched = scheduler.New(logger,
			scheduler.WithTick(config.ParseDuration(cfg.Scheduler.Tick, time.Second)),
			scheduler.WithStagger(config.ParseDuration(cfg.Scheduler.Stagger, 30*time.Second)),
			scheduler.WithOnFail(func(job string, err error) {
				notifier.Notify(notify.Event{
					Type:  notify.EventJobFailed,
					Title: "后台数据任务失败",
					Body:  err.Error(),
					Extra: map[string]string{"job": job},
				})
			}),
		)
		for _, job := range scheduler.Catalog(g, cfg.Scheduler) {
			sched.Register(job)
		}
		sched.Start(context.Background())
	}

	srv := server.New(cfg, logger, g, registry, sched, notifier)

	go func() {
		if err := srv.Run(); err != nil {
			logger.Error("服务异常退出", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("关闭服务失败", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}
	g.Close()
	logger.Info("网桥已关闭")
}

// buildCapability 按配置创建行情接入。mock 为内置模拟源，供本地
// 开发与联调；external 需要宿主方提供 SDK 绑定，本发行版不内置。
func buildCapability(cfg *config.Config) (vendorapi.Capability, error) {
	switch cfg.Vendor.Type {
	case "", "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("不支持的 vendor.type %q（当前仅内置 mock）", cfg.Vendor.Type)
	}
}
