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

package server

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"qmt-bridge/internal/gate"
	"qmt-bridge/internal/notify"
	"qmt-bridge/internal/vendorapi"
	"qmt-bridge/pkg/metrics"
)

// statusOf 故障类型到 HTTP 状态码
func statusOf(err error) int {
	switch vendorapi.KindOf(err) {
	case vendorapi.FaultTimeout:
		return consts.StatusGatewayTimeout
	case vendorapi.FaultUnavailable:
		return consts.StatusServiceUnavailable
	case vendorapi.FaultFatal, vendorapi.FaultCall:
		return consts.StatusBadGateway
	default:
		return consts.StatusInternalServerError
	}
}

func (s *Server) respond(ctx *app.RequestContext, data any, err error) {
	if err != nil {
		ctx.JSON(statusOf(err), map[string]any{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"data": data})
}

// call 带兜底超时经闸门执行一次数据调用
func (s *Server) call(c context.Context, name string, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(c, s.callTimeout)
	defer cancel()
	return s.gate.Execute(ctx, gate.Invoke(name, gate.OriginForeground, args))
}

// splitCodes 逗号分隔的代码列表参数
func splitCodes(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// History 历史 K 线查询
// GET /api/history?stocks=000001.SZ,600519.SH&period=1d&start_time=&end_time=&count=-1
func (s *Server) History(c context.Context, ctx *app.RequestContext) {
	stocks := splitCodes(ctx.Query("stocks"))
	if len(stocks) == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]any{"error": "stocks 参数不能为空"})
		return
	}
	period := ctx.Query("period")
	if period == "" {
		period = "1d"
	}
	count := -1
	if v := ctx.Query("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	}
	data, err := s.call(c, "get_market_data", map[string]any{
		"stock_list": stocks,
		"period":     period,
		"start_time": ctx.Query("start_time"),
		"end_time":   ctx.Query("end_time"),
		"count":      count,
	})
	s.respond(ctx, data, err)
}

// FullTick 最新快照
// GET /api/full_tick?stocks=000001.SH,000001.SZ
func (s *Server) FullTick(c context.Context, ctx *app.RequestContext) {
	stocks := splitCodes(ctx.Query("stocks"))
	if len(stocks) == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]any{"error": "stocks 参数不能为空"})
		return
	}
	data, err := s.call(c, "get_full_tick", map[string]any{"code_list": stocks})
	s.respond(ctx, data, err)
}

// InstrumentDetail 合约信息
// GET /api/instrument_detail?stock=000001.SZ
func (s *Server) InstrumentDetail(c context.Context, ctx *app.RequestContext) {
	stock := ctx.Query("stock")
	if stock == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]any{"error": "stock 参数不能为空"})
		return
	}
	data, err := s.call(c, "get_instrument_detail", map[string]any{"stock_code": stock})
	s.respond(ctx, data, err)
}

// SectorStocks 板块成分股
// GET /api/sector_stocks?sector=沪深A股
func (s *Server) SectorStocks(c context.Context, ctx *app.RequestContext) {
	sector := ctx.Query("sector")
	if sector == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]any{"error": "sector 参数不能为空"})
		return
	}
	data, err := s.call(c, "get_stock_list_in_sector", map[string]any{"sector_name": sector})
	s.respond(ctx, data, err)
}

// TradingDates 交易日历
// GET /api/trading_dates?market=SH&start_time=&end_time=
func (s *Server) TradingDates(c context.Context, ctx *app.RequestContext) {
	market := ctx.Query("market")
	if market == "" {
		market = "SH"
	}
	data, err := s.call(c, "get_trading_dates", map[string]any{
		"market":     market,
		"start_time": ctx.Query("start_time"),
		"end_time":   ctx.Query("end_time"),
	})
	s.respond(ctx, data, err)
}

// downloadReq 手动下载请求体
type downloadReq struct {
	// Task 下载任务名，如 download_sector_data / download_history_data
	Task string `json:"task"`
	// Args 透传给任务的参数
	Args map[string]any `json:"args"`
}

// Download 手动触发一次数据下载（与后台任务共用闸门排队）
// POST /api/download
func (s *Server) Download(c context.Context, ctx *app.RequestContext) {
	var req downloadReq
	if err := ctx.BindJSON(&req); err != nil || req.Task == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]any{"error": "请求体需包含 task 字段"})
		return
	}
	if !strings.HasPrefix(req.Task, "download_") {
		ctx.JSON(consts.StatusBadRequest, map[string]any{"error": "task 必须是 download_ 系列任务"})
		return
	}
	data, err := s.call(c, req.Task, req.Args)
	s.respond(ctx, data, err)
}

// Health 健康检查：闸门/熔断状态 + 后台任务状态
// GET /api/health
func (s *Server) Health(c context.Context, ctx *app.RequestContext) {
	gs := s.gate.Status()
	body := map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
		"gate":   gs,
	}
	if gs.Broken {
		body["status"] = "degraded"
	}
	if s.sched != nil {
		body["jobs"] = s.sched.Status()
	}
	code := consts.StatusOK
	if gs.Broken {
		code = consts.StatusServiceUnavailable
	}
	ctx.JSON(code, body)
}

// ResetBreaker 人工复位熔断（确认 SDK 已重启后调用）
// POST /api/admin/reset_breaker
func (s *Server) ResetBreaker(c context.Context, ctx *app.RequestContext) {
	wasBroken := s.gate.Broken()
	s.gate.Reset()
	s.logger.Info("熔断已人工复位", "was_broken", wasBroken)
	if wasBroken {
		s.notifier.Notify(notify.Event{
			Type:  notify.EventBreakerReset,
			Title: "行情网桥熔断已复位",
			Body:  "运维人工复位熔断，SDK 调用已恢复放行",
		})
	}
	ctx.JSON(consts.StatusOK, map[string]any{"data": map[string]any{"was_broken": wasBroken}})
}

// Metrics Prometheus 文本指标
// GET /metrics
func (s *Server) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
