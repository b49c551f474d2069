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

// Package session 把一个 WebSocket 连接声明的兴趣翻译为注册表的
// 订阅/退订，并只把命中的事件转发给该连接。连接关闭时无条件
// 释放全部订阅，保证不泄漏上游订阅。
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"qmt-bridge/internal/subscription"
	"qmt-bridge/pkg/log"
	"qmt-bridge/pkg/metrics"
)

// Session 单个外部连接的订阅会话
type Session struct {
	id     string
	reg    *subscription.Registry
	logger *log.Logger

	// mu 全序化 OnInterest / OnClose；持有期间可能经 gate 阻塞，
	// 因此绝不能在扇出路径（deliver）上竞争这把锁
	mu   sync.Mutex
	held map[subscription.Key]subscription.ListenerID

	// sendMu 只保护出站通道状态，deliver 持有时间极短
	sendMu sync.Mutex
	closed bool
	out    chan subscription.Event

	closeOnce sync.Once
}

// New 创建会话；sendBuffer 为出站缓冲条数，<=0 使用默认 64
func New(reg *subscription.Registry, logger *log.Logger, sendBuffer int) *Session {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Session{
		id:     "ws-" + uuid.New().String(),
		reg:    reg,
		logger: logger,
		held:   make(map[subscription.Key]subscription.ListenerID),
		out:    make(chan subscription.Event, sendBuffer),
	}
}

// ID 会话标识（日志用）
func (s *Session) ID() string { return s.id }

// Events 出站事件通道；OnClose 后关闭
func (s *Session) Events() <-chan subscription.Event { return s.out }

// OnInterest 声明新的兴趣集合：与当前持有集合做对称差，
// 退订消失的 key、订阅新增的 key，两边都有的不动。
// 同一会话的多次调用被互斥锁全序化，传输层并发调用也不会交错。
func (s *Session) OnInterest(ctx context.Context, keys []subscription.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return nil
	}

	want := make(map[subscription.Key]struct{}, len(keys))
	for _, k := range keys {
		if !k.Empty() {
			want[k] = struct{}{}
		}
	}

	// 退订消失的 key
	for k, id := range s.held {
		if _, ok := want[k]; !ok {
			s.reg.Unsubscribe(id)
			delete(s.held, k)
		}
	}

	// 订阅新增的 key；单个失败不回滚已成交的部分，错误返回给连接层
	var firstErr error
	for k := range want {
		if _, ok := s.held[k]; ok {
			continue
		}
		id, err := s.reg.Subscribe(ctx, k, s.deliver)
		if err != nil {
			s.logger.Warn("订阅失败", "session", s.id, "key", k.String(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.held[k] = id
	}
	return firstErr
}

// OnClose 释放会话持有的全部订阅并关闭出站通道。
// 保证恰好执行一次：错误路径与正常关闭路径都走这里，重复调用无害。
func (s *Session) OnClose() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.out)
		s.sendMu.Unlock()

		s.mu.Lock()
		held := s.held
		s.held = make(map[subscription.Key]subscription.ListenerID)
		s.mu.Unlock()

		for _, id := range held {
			s.reg.Unsubscribe(id)
		}
	})
}

func (s *Session) isClosed() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.closed
}

// deliver 注册表扇出路径的回调：非阻塞投递到出站缓冲。
// 缓冲满（慢消费者）时丢弃最旧的一条，绝不在共享扇出路径上阻塞。
func (s *Session) deliver(ev subscription.Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
		return
	default:
	}
	// 缓冲已满：腾掉最旧一条再投
	select {
	case <-s.out:
		metrics.EventsDroppedTotal.Inc()
	default:
	}
	select {
	case s.out <- ev:
	default:
		metrics.EventsDroppedTotal.Inc()
	}
}
