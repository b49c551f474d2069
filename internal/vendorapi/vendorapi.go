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

// Package vendorapi 定义行情 SDK（xtdata 类能力）的接入面。
// SDK 本体在进程外或由宿主注入，本包只约束调用契约：
// 同步调用不可并发进入，订阅后以推送回调异步返回行情。
package vendorapi

import "context"

// Handle 上游订阅句柄，由 OpenSubscription 返回、CloseSubscription 释放
type Handle int64

// SubSpec 上游订阅请求（原始形态，未做 key 归一化）
type SubSpec struct {
	Symbols []string // 证券代码列表，如 ["000001.SZ","600519.SH"]
	Period  string   // tick/1m/5m/1d 等
	Mode    string   // quote | whole_quote
}

// PushEvent 上游推送事件；Code 为证券代码，Data 为 SDK 原始字段
type PushEvent struct {
	Code string
	Data map[string]any
}

// PushFunc 订阅推送回调；由 SDK 在其回调线程中调用，回调方不得阻塞
type PushFunc func(ev PushEvent)

// Capability 行情 SDK 能力面。实现方（mock 或宿主注入的真实 SDK 绑定）
// 不保证并发安全：所有调用必须经 gate 串行化后进入。
type Capability interface {
	// Call 同步调用一个数据接口，如 get_market_data；可能很慢
	Call(ctx context.Context, name string, args map[string]any) (any, error)
	// OpenSubscription 打开上游订阅并注册推送回调
	OpenSubscription(ctx context.Context, spec SubSpec, push PushFunc) (Handle, error)
	// CloseSubscription 释放订阅句柄
	CloseSubscription(ctx context.Context, h Handle) error
}
