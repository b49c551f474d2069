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

package subscription

import (
	"sort"
	"strings"
)

// 订阅模式，对应 SDK 的 subscribe_quote 与 subscribe_whole_quote
const (
	ModeQuote      = "quote"
	ModeWholeQuote = "whole_quote"
)

// Key 一个逻辑订阅的规范化身份：证券集合 + 周期 + 模式。
// 证券集合按集合语义处理（去重、排序），同一批代码不论请求顺序
// 如何，映射到同一个 Key，从而共享同一路上游订阅。
type Key struct {
	symbols string // 规范化后以逗号连接
	period  string
	mode    string
}

// KeyOf 规范化构造 Key：symbols 去空白、去重、排序
func KeyOf(symbols []string, period, mode string) Key {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	list := make([]string, 0, len(set))
	for s := range set {
		list = append(list, s)
	}
	sort.Strings(list)
	return Key{
		symbols: strings.Join(list, ","),
		period:  period,
		mode:    mode,
	}
}

// Symbols 返回规范化后的证券代码列表
func (k Key) Symbols() []string {
	if k.symbols == "" {
		return nil
	}
	return strings.Split(k.symbols, ",")
}

// Period K 线周期
func (k Key) Period() string { return k.period }

// Mode 订阅模式
func (k Key) Mode() string { return k.mode }

// Empty 是否为空订阅（无任何代码）
func (k Key) Empty() bool { return k.symbols == "" }

func (k Key) String() string {
	return k.mode + "/" + k.period + "/" + k.symbols
}
