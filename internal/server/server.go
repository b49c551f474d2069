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

// Package server hertz HTTP/WebSocket 服务面。所有数据路由都是
// 薄封装：解析参数、经闸门调用 SDK、按统一信封返回。
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"

	"qmt-bridge/internal/gate"
	"qmt-bridge/internal/notify"
	"qmt-bridge/internal/scheduler"
	"qmt-bridge/internal/subscription"
	"qmt-bridge/pkg/config"
	"qmt-bridge/pkg/log"
)

// Server 网桥 HTTP/WS 服务
type Server struct {
	cfg      *config.Config
	logger   *log.Logger
	gate     *gate.Gate
	registry *subscription.Registry
	sched    *scheduler.Scheduler // 可为 nil（调度器未启用）
	notifier *notify.Manager      // 可为 nil（通知未启用）
	hertz    *server.Hertz

	// callTimeout 数据请求兜底超时
	callTimeout time.Duration
	// sendBuffer WS 出站缓冲条数
	sendBuffer int
}

// New 创建服务并注册全部路由
func New(cfg *config.Config, logger *log.Logger, g *gate.Gate, reg *subscription.Registry, sched *scheduler.Scheduler, notifier *notify.Manager) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		gate:        g,
		registry:    reg,
		sched:       sched,
		notifier:    notifier,
		callTimeout: config.ParseDuration(cfg.API.Timeout, 30*time.Second),
		sendBuffer:  cfg.WS.SendBuffer,
	}

	port := cfg.API.Port
	if port <= 0 {
		port = 8000
	}
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, port)
	s.hertz = server.Default(server.WithHostPorts(addr))
	s.routes()
	return s
}

func (s *Server) routes() {
	h := s.hertz

	api := h.Group("/api")
	api.GET("/history", s.History)
	api.GET("/full_tick", s.FullTick)
	api.GET("/instrument_detail", s.InstrumentDetail)
	api.GET("/sector_stocks", s.SectorStocks)
	api.GET("/trading_dates", s.TradingDates)
	api.POST("/download", s.Download)
	api.GET("/health", s.Health)
	api.POST("/admin/reset_breaker", s.ResetBreaker)

	if s.cfg.Monitoring.Prometheus.Enable {
		h.GET("/metrics", s.Metrics)
	}

	h.GET("/ws/realtime", s.WSRealtime)
	h.GET("/ws/whole_quote", s.WSWholeQuote)
}

// Run 启动服务（阻塞直到 Shutdown 或出错）
func (s *Server) Run() error {
	// hertz 内部日志走与应用相同的 slog 输出
	output := os.Stdout
	if s.cfg.Log.File != "" {
		f, err := os.OpenFile(s.cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}
	levelVar := &slog.LevelVar{}
	switch s.cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	s.logger.Info("网桥服务启动", "addr", s.cfg.API.Host, "port", s.cfg.API.Port)
	return s.hertz.Run()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.hertz.Shutdown(ctx)
}
