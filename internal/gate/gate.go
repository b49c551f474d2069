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

// Package gate 把所有进入行情 SDK 的调用收敛到一个串行闸门。
//
// SDK 不是线程安全的：并发进入会破坏其内部状态并拖垮宿主进程
// （历史事故为 BSON 序列化断言崩溃）。HTTP 请求、WebSocket 订阅
// 与后台下载任务全部经 Execute 排队，任意时刻最多一个调用在执行。
// 这里要的不是吞吐，是彻底消灭并发进入。
package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"qmt-bridge/internal/vendorapi"
	"qmt-bridge/pkg/log"
	"qmt-bridge/pkg/metrics"
)

// Origin 调用来源，仅用于指标与日志，不参与排队优先级
type Origin string

const (
	// OriginForeground 前台请求（HTTP / WebSocket）
	OriginForeground Origin = "foreground"
	// OriginScheduled 后台定时任务
	OriginScheduled Origin = "scheduled"
)

// Call 一次待执行的 SDK 调用：名称 + 执行函数
type Call struct {
	// Name 调用名，如 get_market_data / subscribe_quote，用于指标与错误标注
	Name string
	// Origin 调用来源
	Origin Origin
	// Do 实际执行体；在闸门独占槽位内被调用，期间不会有其他 SDK 调用
	Do func(ctx context.Context, cap vendorapi.Capability) (any, error)
}

// Invoke 构造普通数据接口调用
func Invoke(name string, origin Origin, args map[string]any) Call {
	return Call{
		Name:   name,
		Origin: origin,
		Do: func(ctx context.Context, cap vendorapi.Capability) (any, error) {
			return cap.Call(ctx, name, args)
		},
	}
}

// Status 闸门运行状态，供健康检查端点使用
type Status struct {
	Broken    bool   `json:"broken"`
	LastFault string `json:"last_fault,omitempty"`
	Seq       uint64 `json:"seq"`
	QueueLen  int    `json:"queue_len"`
}

// request 排队中的一次调用
type request struct {
	call      Call
	ctx       context.Context
	enqueued  time.Time
	done      chan response
	abandoned atomic.Bool // 调用方已超时返回，结果无人接收
}

type response struct {
	value any
	err   error
}

// Gate 串行闸门。进程内唯一，绑定一个 vendorapi.Capability。
type Gate struct {
	cap        vendorapi.Capability
	classifier *vendorapi.FatalClassifier
	logger     *log.Logger

	queue chan *request

	mu     sync.RWMutex // 保护 closed 与入队的互斥
	closed bool

	broken    atomic.Bool
	lastFault atomic.Value // string
	seq       atomic.Uint64

	onFatal func(err error) // 熔断打开时的通知钩子，可为 nil

	// defaultTimeout 调用方未带 deadline 时的兜底超时，防止对挂死的
	// SDK 无限等待；<=0 表示不兜底
	defaultTimeout time.Duration

	wg sync.WaitGroup
}

// Option Gate 可选配置
type Option func(*Gate)

// WithQueueSize 设置排队上限，<=0 使用默认 256
func WithQueueSize(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.queue = make(chan *request, n)
		}
	}
}

// WithOnFatal 设置熔断打开时的通知钩子
func WithOnFatal(fn func(err error)) Option {
	return func(g *Gate) { g.onFatal = fn }
}

// WithDefaultTimeout 设置无 deadline 调用的兜底超时
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gate) { g.defaultTimeout = d }
}

// New 创建闸门并启动分发协程
func New(cap vendorapi.Capability, classifier *vendorapi.FatalClassifier, logger *log.Logger, opts ...Option) *Gate {
	if classifier == nil {
		classifier = vendorapi.NewFatalClassifier(nil)
	}
	if logger == nil {
		logger = log.Nop()
	}
	g := &Gate{
		cap:        cap,
		classifier: classifier,
		logger:     logger,
		queue:      make(chan *request, 256),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.lastFault.Store("")
	g.wg.Add(1)
	go g.dispatch()
	return g
}

// Execute 执行一次 SDK 调用。并发调用方严格 FIFO 排队，
// 同一时刻最多一个调用进入 SDK。ctx 携带调用方 deadline：
// 超时后本方法返回 Timeout，但槽位要等 SDK 调用实际返回才释放
// （无法向挂死的 SDK 传递取消信号，这是已知限制）。
func (g *Gate) Execute(ctx context.Context, call Call) (any, error) {
	if g.broken.Load() {
		err := vendorapi.NewUnavailable("熔断已打开: " + g.LastFault())
		metrics.GateCallTotal.WithLabelValues(string(call.Origin), "unavailable").Inc()
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && g.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.defaultTimeout)
		defer cancel()
	}

	req := &request{
		call:     call,
		ctx:      ctx,
		enqueued: time.Now(),
		done:     make(chan response, 1),
	}

	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		metrics.GateCallTotal.WithLabelValues(string(call.Origin), "unavailable").Inc()
		return nil, vendorapi.NewUnavailable("闸门已关闭")
	}
	select {
	case g.queue <- req:
		g.mu.RUnlock()
		metrics.GateQueueDepth.Inc()
	default:
		g.mu.RUnlock()
		metrics.GateCallTotal.WithLabelValues(string(call.Origin), "unavailable").Inc()
		return nil, vendorapi.NewUnavailable("排队已满")
	}

	select {
	case resp := <-req.done:
		metrics.GateCallTotal.WithLabelValues(string(call.Origin), outcomeOf(resp.err)).Inc()
		return resp.value, resp.err
	case <-ctx.Done():
		req.abandoned.Store(true)
		// 竞态兜底：结果可能恰好在标记前送达
		select {
		case resp := <-req.done:
			metrics.GateCallTotal.WithLabelValues(string(call.Origin), outcomeOf(resp.err)).Inc()
			return resp.value, resp.err
		default:
		}
		metrics.GateCallTotal.WithLabelValues(string(call.Origin), "timeout").Inc()
		return nil, vendorapi.NewTimeout(call.Name)
	}
}

// dispatch 单协程顺序消费队列；串行不变量由此保证
func (g *Gate) dispatch() {
	defer g.wg.Done()
	for req := range g.queue {
		metrics.GateQueueDepth.Dec()
		metrics.GateWaitDuration.Observe(time.Since(req.enqueued).Seconds())

		// 排队期间调用方已超时或闸门转入关闭：不再进入 SDK
		if req.abandoned.Load() {
			continue
		}
		g.mu.RLock()
		closing := g.closed
		g.mu.RUnlock()
		if closing {
			req.done <- response{err: vendorapi.NewUnavailable("闸门已关闭")}
			continue
		}
		if g.broken.Load() {
			req.done <- response{err: vendorapi.NewUnavailable("熔断已打开: " + g.LastFault())}
			continue
		}

		seq := g.seq.Add(1)
		start := time.Now()
		value, err := req.call.Do(req.ctx, g.cap)
		metrics.GateCallDuration.WithLabelValues(req.call.Name).Observe(time.Since(start).Seconds())

		if err != nil && g.classifier.Fatal(err) {
			err = &vendorapi.Fault{Kind: vendorapi.FaultFatal, Op: req.call.Name, Message: err.Error()}
			g.trip(err, seq)
		}

		if req.abandoned.Load() {
			// 调用方早已超时返回，结果只计数不投递
			metrics.GateAbandonedTotal.Inc()
			g.logger.Warn("调用方超时放弃后 SDK 返回",
				"call", req.call.Name, "seq", seq, "elapsed", time.Since(start).String())
			continue
		}
		req.done <- response{value: value, err: err}
	}
}

// trip 打开熔断
func (g *Gate) trip(err error, seq uint64) {
	if g.broken.CompareAndSwap(false, true) {
		g.lastFault.Store(err.Error())
		metrics.BreakerOpen.Set(1)
		g.logger.Error("检测到 SDK 致命故障，熔断打开；需要外部重启 SDK 进程后 Reset",
			"error", err, "seq", seq)
		if g.onFatal != nil {
			g.onFatal(err)
		}
	}
}

// Reset 关闭熔断（运维或健康检查在确认 SDK 恢复后调用）
func (g *Gate) Reset() {
	if g.broken.CompareAndSwap(true, false) {
		metrics.BreakerOpen.Set(0)
		g.logger.Info("熔断已复位")
	}
}

// Broken 熔断是否打开
func (g *Gate) Broken() bool { return g.broken.Load() }

// LastFault 最近一次致命故障描述
func (g *Gate) LastFault() string {
	s, _ := g.lastFault.Load().(string)
	return s
}

// Status 当前闸门状态快照
func (g *Gate) Status() Status {
	return Status{
		Broken:    g.broken.Load(),
		LastFault: g.LastFault(),
		Seq:       g.seq.Load(),
		QueueLen:  len(g.queue),
	}
}

// Close 停止接收新调用，已入队的调用以 VendorUnavailable 收尾，
// 正在执行的调用等待其自然返回
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.queue)
	g.mu.Unlock()
	g.wg.Wait()
}

// outcomeOf 错误到指标结果标签
func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	switch vendorapi.KindOf(err) {
	case vendorapi.FaultFatal:
		return "fatal"
	case vendorapi.FaultTimeout:
		return "timeout"
	case vendorapi.FaultUnavailable:
		return "unavailable"
	default:
		return "fault"
	}
}
