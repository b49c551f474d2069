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

package scheduler

import (
	"context"
	"time"

	"qmt-bridge/internal/gate"
	"qmt-bridge/pkg/config"
)

// 基础数据每日下载任务清单；与 /api/download/* 端点同名，
// 客户端通常无需手动触发
var dailyDownloads = []string{
	"download_sector_data",       // 板块成分数据（行业/概念等）
	"download_holiday_data",      // 交易所节假日日历
	"download_history_contracts", // 已到期期货/期权合约列表
	"download_index_weight",      // 指数成分股权重
	"download_etf_info",          // ETF 申购赎回清单
	"download_cb_data",           // 可转债基本信息与转股价格
}

// Catalog 按配置组装任务清单：基础数据下载 + K 线增量 + 财务增量。
// 每个任务内部是一串顺序的 gate 调用。
func Catalog(g *gate.Gate, cfg config.SchedulerConfig) []*Job {
	interval := config.ParseDuration(cfg.Interval, 24*time.Hour)
	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = 2
	}
	backoff := config.ParseDuration(cfg.Backoff, 5*time.Second)

	jobs := make([]*Job, 0, len(dailyDownloads)+2)
	for _, name := range dailyDownloads {
		jobs = append(jobs, &Job{
			Name:     name,
			Interval: interval,
			RetryMax: retryMax,
			Backoff:  backoff,
			Run:      downloadJob(g, name),
		})
	}

	if len(cfg.KlinePeriods) > 0 {
		jobs = append(jobs, &Job{
			Name:     "kline_incremental",
			Interval: interval,
			RetryMax: retryMax,
			Backoff:  backoff,
			Run:      klineIncrementalJob(g, cfg.KlineSectors, cfg.KlinePeriods),
		})
	}
	if cfg.FinancialEnabled {
		jobs = append(jobs, &Job{
			Name:     "financial_incremental",
			Interval: interval,
			RetryMax: retryMax,
			Backoff:  backoff,
			Run:      financialIncrementalJob(g, cfg.KlineSectors),
		})
	}
	return jobs
}

// downloadJob 单个基础数据下载：一次 gate 调用
func downloadJob(g *gate.Gate, name string) JobFunc {
	return func(ctx context.Context) error {
		_, err := g.Execute(ctx, gate.Invoke(name, gate.OriginScheduled, nil))
		return err
	}
}

// klineIncrementalJob K 线增量下载：先取板块股票列表，再逐周期
// 触发增量下载。每一步都是独立的 gate 调用，彼此顺序执行。
func klineIncrementalJob(g *gate.Gate, sectors string, periods []string) JobFunc {
	return func(ctx context.Context) error {
		stocks, err := stockList(ctx, g, sectors)
		if err != nil {
			return err
		}
		if len(stocks) == 0 {
			return nil
		}
		for _, period := range periods {
			_, err := g.Execute(ctx, gate.Invoke("download_history_data", gate.OriginScheduled, map[string]any{
				"stocks": stocks,
				"period": period,
			}))
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// financialIncrementalJob 财务数据增量下载
func financialIncrementalJob(g *gate.Gate, sectors string) JobFunc {
	return func(ctx context.Context) error {
		stocks, err := stockList(ctx, g, sectors)
		if err != nil {
			return err
		}
		if len(stocks) == 0 {
			return nil
		}
		_, err = g.Execute(ctx, gate.Invoke("download_financial_data", gate.OriginScheduled, map[string]any{
			"stocks": stocks,
		}))
		return err
	}
}

// stockList 取板块内股票列表；sectors 为空时默认沪深A股
func stockList(ctx context.Context, g *gate.Gate, sectors string) ([]string, error) {
	if sectors == "" {
		sectors = "沪深A股"
	}
	value, err := g.Execute(ctx, gate.Invoke("get_stock_list_in_sector", gate.OriginScheduled, map[string]any{
		"sector_name": sectors,
	}))
	if err != nil {
		return nil, err
	}
	stocks, _ := value.([]string)
	return stocks, nil
}
