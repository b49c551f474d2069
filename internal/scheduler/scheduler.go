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

// Package scheduler 驱动固定清单的后台维护任务（基础数据预下载、
// K 线与财务增量刷新）。所有任务经 gate 串行执行，与前台请求共用
// 同一条串行纪律；调度器自身同一时刻只跑一个任务，绝不成为两个
// SDK 调用重叠的原因。
package scheduler

import (
	"context"
	"sync"
	"time"

	"qmt-bridge/internal/vendorapi"
	"qmt-bridge/pkg/log"
	"qmt-bridge/pkg/metrics"
)

// JobFunc 任务执行体；内部可发起多次顺序的 gate 调用，但不得并发
type JobFunc func(ctx context.Context) error

// Job 一个后台任务的静态定义；进程启动时注册，存活到进程退出
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
	// RetryMax 失败后最大重试次数（不含首次）
	RetryMax int
	// Backoff 首次重试前等待；之后每次翻倍
	Backoff time.Duration
}

// JobStatus 任务最近一次执行情况，供健康检查端点使用
type JobStatus struct {
	Name      string    `json:"name"`
	LastRun   time.Time `json:"last_run"`
	LastOK    bool      `json:"last_ok"`
	LastError string    `json:"last_error,omitempty"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	NextRun   time.Time `json:"next_run"`
}

// jobState Job 定义 + 运行时状态
type jobState struct {
	job      *Job
	next     time.Time
	lastRun  time.Time
	lastOK   bool
	lastErr  string
	runs     uint64
	failures uint64
}

// Scheduler 后台任务调度器
type Scheduler struct {
	logger  *log.Logger
	tick    time.Duration
	stagger time.Duration
	onFail  func(job string, err error) // 重试耗尽后的通知钩子，可为 nil

	mu   sync.Mutex
	jobs []*jobState

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// Option Scheduler 可选配置
type Option func(*Scheduler)

// WithTick 设置轮询粒度，默认 1s
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithStagger 设置相邻任务首轮错峰间隔，默认 30s
func WithStagger(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.stagger = d
		}
	}
}

// WithOnFail 设置任务重试耗尽后的通知钩子
func WithOnFail(fn func(job string, err error)) Option {
	return func(s *Scheduler) { s.onFail = fn }
}

// New 创建调度器
func New(logger *log.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Scheduler{
		logger:  logger,
		tick:    time.Second,
		stagger: 30 * time.Second,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register 注册任务；必须在 Start 之前调用
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobState{job: job})
}

// Start 启动调度循环。各任务首轮按注册序错峰，避免启动后
// 所有任务挤在同一个 tick 与前台早期流量抢闸门。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	now := time.Now()
	for i, js := range s.jobs {
		js.next = now.Add(time.Duration(i) * s.stagger)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Stop 停止调度；正在执行的任务等待其完成。重复调用无害
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

// Status 全部任务的最近执行情况
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, js := range s.jobs {
		out = append(out, JobStatus{
			Name:      js.job.Name,
			LastRun:   js.lastRun,
			LastOK:    js.lastOK,
			LastError: js.lastErr,
			Runs:      js.runs,
			Failures:  js.failures,
			NextRun:   js.next,
		})
	}
	return out
}

// runDue 依次执行所有到期任务；串行执行，任务间互不并发
func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	due := make([]*jobState, 0)
	for _, js := range s.jobs {
		if !js.next.After(now) {
			due = append(due, js)
		}
	}
	s.mu.Unlock()

	for _, js := range due {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		s.runJob(ctx, js)
	}
}

// runJob 执行单个任务并按策略重试。Timeout / 普通错误按指数退避
// 重试至上限；致命故障与熔断快速失败立即放弃本轮，对已知损坏的
// SDK 重试只会浪费唯一的串行槽位。单个任务失败不影响其他任务的
// 调度节奏，下一轮仍按正常周期尝试。
func (s *Scheduler) runJob(ctx context.Context, js *jobState) {
	job := js.job
	start := time.Now()
	var err error
	backoff := job.Backoff
	for attempt := 1; attempt <= 1+job.RetryMax; attempt++ {
		err = job.Run(ctx)
		if err == nil {
			break
		}
		kind := vendorapi.KindOf(err)
		if kind == vendorapi.FaultFatal || kind == vendorapi.FaultUnavailable {
			s.logger.Warn("任务遇到致命/熔断故障，本轮不再重试",
				"job", job.Name, "attempt", attempt, "error", err)
			break
		}
		if attempt > job.RetryMax {
			break
		}
		s.logger.Warn("任务失败，退避后重试",
			"job", job.Name, "attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-time.After(backoff):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	s.mu.Lock()
	js.lastRun = start
	js.runs++
	js.next = start.Add(job.Interval)
	if err != nil {
		js.lastOK = false
		js.lastErr = err.Error()
		js.failures++
	} else {
		js.lastOK = true
		js.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		metrics.JobRunTotal.WithLabelValues(job.Name, "failed").Inc()
		s.logger.Error("任务执行失败", "job", job.Name, "error", err)
		if s.onFail != nil {
			s.onFail(job.Name, err)
		}
		return
	}
	metrics.JobRunTotal.WithLabelValues(job.Name, "success").Inc()
	s.logger.Info("任务执行完成", "job", job.Name, "elapsed", time.Since(start).String())
}
