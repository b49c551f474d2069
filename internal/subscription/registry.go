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

// Package subscription 以引用计数把任意多个监听器的兴趣合并为
// 每个去重 key 至多一路上游订阅，并把上游推送扇出给全部监听器。
// 上游 subscribe/unsubscribe 只发生在 0→1 与 1→0 两次引用跃迁上，
// 且都经由 gate 串行执行。
package subscription

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"qmt-bridge/internal/gate"
	"qmt-bridge/internal/vendorapi"
	"qmt-bridge/pkg/log"
	"qmt-bridge/pkg/metrics"
)

// Event 分发给监听器的行情事件
type Event struct {
	Key  Key
	Code string
	Data map[string]any
}

// Listener 行情事件回调；在上游推送线程中按挂载顺序调用，不得阻塞。
// 需要缓冲或落盘的监听器自行异步化（见 session 包的出站缓冲）。
type Listener func(ev Event)

// ListenerID 监听器弱句柄，仅用于退订
type ListenerID string

// Registry 订阅注册表。entry 归本表独占所有，外部只持有 ListenerID。
type Registry struct {
	gate   *gate.Gate
	logger *log.Logger

	mu      sync.Mutex
	entries map[Key]*entry
	byID    map[ListenerID]Key
}

// entry 一个去重 key 对应的上游订阅；存在 ⇔ refs > 0
type entry struct {
	key       Key
	handle    vendorapi.Handle
	refs      int
	listeners []listenerReg // 挂载顺序即分发顺序

	// opening 在上游 open 完成（成功或失败）时关闭；
	// open 进行期间到达的并发订阅者在此等待，不重复发起上游调用
	opening chan struct{}
	openErr error
}

type listenerReg struct {
	id ListenerID
	fn Listener
}

// NewRegistry 创建注册表
func NewRegistry(g *gate.Gate, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{
		gate:    g,
		logger:  logger,
		entries: make(map[Key]*entry),
		byID:    make(map[ListenerID]Key),
	}
}

// Subscribe 为 key 挂载监听器。key 已有存活 entry 时仅增加引用，
// 不产生任何上游调用；首个订阅者经 gate 打开上游订阅，失败则
// 不留下 entry 并把错误返回给所有等待中的订阅者。
func (r *Registry) Subscribe(ctx context.Context, key Key, fn Listener) (ListenerID, error) {
	if key.Empty() {
		return "", vendorapi.NewFault("subscribe", "订阅代码列表为空")
	}

	id := ListenerID("listener-" + uuid.New().String())

	r.mu.Lock()
	e := r.entries[key]
	creator := false
	if e == nil {
		e = &entry{key: key, opening: make(chan struct{})}
		r.entries[key] = e
		creator = true
		metrics.SubscriptionEntries.Inc()
	}
	e.refs++
	e.listeners = append(e.listeners, listenerReg{id: id, fn: fn})
	r.byID[id] = key
	metrics.SubscriptionListeners.Inc()
	r.mu.Unlock()

	if creator {
		if err := r.open(ctx, e); err != nil {
			return "", err
		}
		return id, nil
	}

	// 等待首个订阅者的 open 结果
	select {
	case <-e.opening:
	case <-ctx.Done():
		r.Unsubscribe(id)
		return "", vendorapi.NewTimeout("subscribe")
	}
	if e.openErr != nil {
		return "", e.openErr
	}
	return id, nil
}

// open 首个订阅者发起上游订阅；无论成败都要关闭 opening 唤醒等待者
func (r *Registry) open(ctx context.Context, e *entry) error {
	spec := vendorapi.SubSpec{
		Symbols: e.key.Symbols(),
		Period:  e.key.Period(),
		Mode:    e.key.Mode(),
	}
	push := func(ev vendorapi.PushEvent) {
		r.dispatch(e, ev)
	}
	call := gate.Call{
		Name:   "subscribe_" + e.key.Mode(),
		Origin: gate.OriginForeground,
		Do: func(ctx context.Context, cap vendorapi.Capability) (any, error) {
			return cap.OpenSubscription(ctx, spec, push)
		},
	}
	value, err := r.gate.Execute(ctx, call)

	r.mu.Lock()
	if err != nil {
		e.openErr = err
		r.removeEntryLocked(e)
		close(e.opening)
		r.mu.Unlock()
		return err
	}
	e.handle = value.(vendorapi.Handle)
	orphaned := e.refs == 0 // open 期间全部订阅者已退订
	if orphaned {
		r.removeEntryLocked(e)
	}
	close(e.opening)
	r.mu.Unlock()

	if orphaned {
		r.closeUpstream(e.key, e.handle)
	}
	return nil
}

// Unsubscribe 摘除监听器并递减引用；引用归零时经 gate 关闭上游订阅。
// 对未知或已摘除的 id 是空操作（连接拆除阶段可能双重释放）。
func (r *Registry) Unsubscribe(id ListenerID) {
	r.mu.Lock()
	key, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	e := r.entries[key]
	if e == nil {
		r.mu.Unlock()
		return
	}
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			break
		}
	}
	e.refs--
	metrics.SubscriptionListeners.Dec()

	if e.refs > 0 {
		r.mu.Unlock()
		return
	}

	// 最后一个监听器离开。open 尚未完成时上游还没有句柄，
	// 由 open 方按 orphaned 路径收尾；否则在此关闭上游。
	opening := !isClosed(e.opening)
	if !opening {
		r.removeEntryLocked(e)
	}
	handle := e.handle
	r.mu.Unlock()

	if !opening {
		r.closeUpstream(key, handle)
	}
}

// closeUpstream 经 gate 关闭上游订阅；关闭失败只记日志，
// 引用计数层面该 entry 已不存在
func (r *Registry) closeUpstream(key Key, handle vendorapi.Handle) {
	call := gate.Call{
		Name:   "unsubscribe_" + key.Mode(),
		Origin: gate.OriginForeground,
		Do: func(ctx context.Context, cap vendorapi.Capability) (any, error) {
			return nil, cap.CloseSubscription(ctx, handle)
		},
	}
	if _, err := r.gate.Execute(context.Background(), call); err != nil {
		r.logger.Warn("关闭上游订阅失败", "key", key.String(), "error", err)
	}
}

// removeEntryLocked 摘除 entry 及其残余监听器登记；调用方持有 r.mu
func (r *Registry) removeEntryLocked(e *entry) {
	if _, ok := r.entries[e.key]; !ok {
		return
	}
	delete(r.entries, e.key)
	metrics.SubscriptionEntries.Dec()
	for _, l := range e.listeners {
		delete(r.byID, l.id)
		metrics.SubscriptionListeners.Dec()
	}
	e.listeners = nil
	e.refs = 0
}

// dispatch 把一条上游推送按挂载顺序发给 entry 的全部监听器。
// 单个监听器 panic 被隔离：记日志、跳过，不影响其余监听器，
// 也不中断后续事件。
func (r *Registry) dispatch(e *entry, ev vendorapi.PushEvent) {
	r.mu.Lock()
	listeners := make([]listenerReg, len(e.listeners))
	copy(listeners, e.listeners)
	r.mu.Unlock()

	event := Event{Key: e.key, Code: ev.Code, Data: ev.Data}
	for _, l := range listeners {
		r.deliver(l, event)
	}
}

func (r *Registry) deliver(l listenerReg, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			metrics.ListenerFailTotal.Inc()
			r.logger.Error("监听器回调 panic，已跳过", "listener", string(l.id), "panic", p)
		}
	}()
	l.fn(ev)
	metrics.EventsDeliveredTotal.Inc()
}

// Entries 当前存活的去重 key 数（测试与健康检查用）
func (r *Registry) Entries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Refs 指定 key 当前的引用计数；不存在返回 0
func (r *Registry) Refs(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[key]; e != nil {
		return e.refs
	}
	return 0
}

// isClosed 无阻塞探测 ch 是否已关闭
func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
