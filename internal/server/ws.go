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
	"context"
	"encoding/json"
	"sync"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/websocket"

	"qmt-bridge/internal/session"
	"qmt-bridge/internal/subscription"
)

var upgrader = websocket.HertzUpgrader{}

// interestMsg 客户端兴趣声明。每条消息是完整兴趣集合，
// 服务端做对称差：新增的订阅、去掉的退订、不变的不动。
type interestMsg struct {
	// Stocks /ws/realtime 的代码列表
	Stocks []string `json:"stocks"`
	// Period K 线周期，默认 tick
	Period string `json:"period"`
	// Codes /ws/whole_quote 的代码列表
	Codes []string `json:"codes"`
}

// wsFrame 推给客户端的单条行情
type wsFrame struct {
	Code string         `json:"code"`
	Data map[string]any `json:"data"`
}

// jsonWriter 连接的 JSON 写入面，便于测试替身
type jsonWriter interface {
	WriteJSON(v any) error
}

// connWriter 串行化对同一条连接的写入。底层连接同一时刻只允许
// 一个写入方，推送 goroutine 与读循环的错误回执都必须经由此处。
type connWriter struct {
	mu   sync.Mutex
	conn jsonWriter
}

func (w *connWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// WSRealtime 实时行情订阅
// GET /ws/realtime，首条及后续消息均为 {"stocks": [...], "period": "tick"}
func (s *Server) WSRealtime(c context.Context, ctx *app.RequestContext) {
	s.serveWS(ctx, func(msg interestMsg) []subscription.Key {
		if len(msg.Stocks) == 0 {
			return nil
		}
		period := msg.Period
		if period == "" {
			period = "tick"
		}
		return []subscription.Key{subscription.KeyOf(msg.Stocks, period, subscription.ModeQuote)}
	})
}

// WSWholeQuote 全推行情订阅
// GET /ws/whole_quote，消息为 {"codes": [...]}
func (s *Server) WSWholeQuote(c context.Context, ctx *app.RequestContext) {
	s.serveWS(ctx, func(msg interestMsg) []subscription.Key {
		if len(msg.Codes) == 0 {
			return nil
		}
		return []subscription.Key{subscription.KeyOf(msg.Codes, "tick", subscription.ModeWholeQuote)}
	})
}

// serveWS 通用 WS 会话循环：读兴趣声明 → 会话对称差订阅；
// 出站事件由独立 goroutine 从会话缓冲写出；断开时退订全部。
func (s *Server) serveWS(ctx *app.RequestContext, toKeys func(interestMsg) []subscription.Key) {
	err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		sess := session.New(s.registry, s.logger, s.sendBuffer)
		defer sess.OnClose()
		w := &connWriter{conn: conn}

		// 写端：会话出站缓冲 → 连接。OnClose 关闭缓冲后自然退出。
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range sess.Events() {
				frame := wsFrame{Code: ev.Code, Data: ev.Data}
				if err := w.write(frame); err != nil {
					return
				}
			}
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var msg interestMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.logger.Warn("兴趣声明解析失败", "session", sess.ID(), "error", err)
				continue
			}
			keys := toKeys(msg)
			if err := sess.OnInterest(context.Background(), keys); err != nil {
				s.logger.Warn("订阅失败", "session", sess.ID(), "error", err)
				_ = w.write(map[string]any{"error": err.Error()})
			}
		}

		sess.OnClose()
		<-done
	})
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", "error", err)
	}
}
