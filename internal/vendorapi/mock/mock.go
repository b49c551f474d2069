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

// Package mock 提供内置模拟行情源，本地开发与测试使用。
// 与真实 SDK 一样按"同步调用 + 推送回调"工作，并额外检测并发进入：
// 真实 SDK 被并发调用会直接崩溃，mock 则把并发计数暴露给测试断言。
package mock

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"qmt-bridge/internal/vendorapi"
)

// HandlerFunc 单个数据接口的模拟实现
type HandlerFunc func(args map[string]any) (any, error)

// Capability 模拟行情源
type Capability struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	subs     map[vendorapi.Handle]*mockSub
	nextSub  int64

	// PushInterval 模拟推送间隔，默认 500ms
	PushInterval time.Duration

	inFlight   atomic.Int32
	concurrent atomic.Int64
	calls      atomic.Int64
}

type mockSub struct {
	spec   vendorapi.SubSpec
	push   vendorapi.PushFunc
	stopCh chan struct{}
}

// New 创建模拟行情源
func New() *Capability {
	c := &Capability{
		handlers:     make(map[string]HandlerFunc),
		subs:         make(map[vendorapi.Handle]*mockSub),
		PushInterval: 500 * time.Millisecond,
	}
	c.registerBuiltin()
	return c
}

// SetHandler 覆盖某个接口的模拟实现（测试注入故障用）
func (c *Capability) SetHandler(name string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = fn
}

// Calls 已执行的同步调用总数
func (c *Capability) Calls() int64 { return c.calls.Load() }

// ConcurrentEntries 检测到的并发进入次数；闸门工作正常时恒为 0
func (c *Capability) ConcurrentEntries() int64 { return c.concurrent.Load() }

// OpenSubs 当前存活的上游订阅数
func (c *Capability) OpenSubs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Call 实现 vendorapi.Capability
func (c *Capability) Call(_ context.Context, name string, args map[string]any) (any, error) {
	if c.inFlight.Add(1) > 1 {
		c.concurrent.Add(1)
	}
	defer c.inFlight.Add(-1)
	c.calls.Add(1)

	c.mu.Lock()
	fn := c.handlers[name]
	c.mu.Unlock()
	if fn == nil {
		return nil, vendorapi.NewFault(name, "未知接口")
	}
	return fn(args)
}

// OpenSubscription 实现 vendorapi.Capability：启动推送协程按固定间隔发送模拟行情
func (c *Capability) OpenSubscription(_ context.Context, spec vendorapi.SubSpec, push vendorapi.PushFunc) (vendorapi.Handle, error) {
	if c.inFlight.Add(1) > 1 {
		c.concurrent.Add(1)
	}
	defer c.inFlight.Add(-1)
	c.calls.Add(1)

	c.mu.Lock()
	c.nextSub++
	h := vendorapi.Handle(c.nextSub)
	sub := &mockSub{spec: spec, push: push, stopCh: make(chan struct{})}
	c.subs[h] = sub
	c.mu.Unlock()

	go c.pushLoop(sub)
	return h, nil
}

// CloseSubscription 实现 vendorapi.Capability
func (c *Capability) CloseSubscription(_ context.Context, h vendorapi.Handle) error {
	if c.inFlight.Add(1) > 1 {
		c.concurrent.Add(1)
	}
	defer c.inFlight.Add(-1)
	c.calls.Add(1)

	c.mu.Lock()
	sub := c.subs[h]
	delete(c.subs, h)
	c.mu.Unlock()
	if sub == nil {
		return vendorapi.NewFault("close_subscription", "句柄不存在: %d", h)
	}
	close(sub.stopCh)
	return nil
}

// pushLoop 按 PushInterval 为订阅中的每个代码生成模拟快照
func (c *Capability) pushLoop(sub *mockSub) {
	ticker := time.NewTicker(c.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.stopCh:
			return
		case t := <-ticker.C:
			for _, code := range sub.spec.Symbols {
				sub.push(vendorapi.PushEvent{
					Code: code,
					Data: syntheticTick(code, t),
				})
			}
		}
	}
}

// registerBuiltin 注册内置接口模拟；覆盖网桥各路由用到的主要接口
func (c *Capability) registerBuiltin() {
	c.handlers["get_market_data"] = func(args map[string]any) (any, error) {
		count, _ := args["count"].(int)
		if count <= 0 || count > 1000 {
			count = 100
		}
		bars := make([]map[string]any, 0, count)
		now := time.Now()
		for i := count - 1; i >= 0; i-- {
			bars = append(bars, syntheticBar(now.Add(-time.Duration(i)*24*time.Hour)))
		}
		return bars, nil
	}
	c.handlers["get_full_tick"] = func(args map[string]any) (any, error) {
		codes, _ := args["code_list"].([]string)
		out := make(map[string]any, len(codes))
		now := time.Now()
		for _, code := range codes {
			out[code] = syntheticTick(code, now)
		}
		return out, nil
	}
	c.handlers["get_stock_list_in_sector"] = func(args map[string]any) (any, error) {
		return []string{"000001.SZ", "600519.SH", "300750.SZ"}, nil
	}
	c.handlers["get_instrument_detail"] = func(args map[string]any) (any, error) {
		code, _ := args["stock_code"].(string)
		return map[string]any{
			"InstrumentID":   code,
			"InstrumentName": "模拟证券",
			"PriceTick":      0.01,
		}, nil
	}
	c.handlers["get_trading_dates"] = func(args map[string]any) (any, error) {
		return []string{"20260102", "20260105", "20260106"}, nil
	}
	// 下载类接口在 mock 下为慢速空操作，模拟真实下载耗时
	for _, name := range []string{
		"download_history_data", "download_sector_data", "download_holiday_data",
		"download_history_contracts", "download_index_weight",
		"download_etf_info", "download_cb_data", "download_financial_data",
	} {
		c.handlers[name] = func(args map[string]any) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return map[string]any{"status": "ok"}, nil
		}
	}
}

func syntheticBar(t time.Time) map[string]any {
	base := 10 + rand.Float64()*5
	return map[string]any{
		"time":   t.Unix() * 1000,
		"open":   base,
		"high":   base * 1.02,
		"low":    base * 0.98,
		"close":  base * (1 + (rand.Float64()-0.5)*0.02),
		"volume": rand.Int63n(1_000_000),
	}
}

func syntheticTick(code string, t time.Time) map[string]any {
	base := 10 + rand.Float64()*5
	return map[string]any{
		"code":      code,
		"time":      t.UnixMilli(),
		"lastPrice": base,
		"volume":    rand.Int63n(100_000),
		"amount":    base * float64(rand.Int63n(100_000)),
	}
}
