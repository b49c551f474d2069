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

// Package series 把一段历史 K 线快照与实时推送流合并为一条按
// 时间戳有序的序列。到来的 bar 与末尾 bar 时间戳相等则替换
// （当前 bar 仍在形成中），严格更大则追加，更小则按乱序/过期丢弃。
package series

import "sync"

// Bar 一根 K 线
type Bar struct {
	// Time 毫秒时间戳（SDK 原始口径）
	Time int64 `json:"time"`
	// Fields SDK 原始字段（open/high/low/close/volume 等）
	Fields map[string]any `json:"fields"`
}

// Op 一次 Apply 的结果
type Op int

const (
	// OpDiscard 时间戳早于末尾 bar，按过期数据丢弃
	OpDiscard Op = iota
	// OpReplace 与末尾 bar 同一时间戳，替换（bar 仍在形成中）
	OpReplace
	// OpAppend 新 bar，追加
	OpAppend
)

// Assembler 历史快照 + 实时流的合并器
type Assembler struct {
	mu   sync.Mutex
	bars []Bar
}

// New 以一段已按时间排序的历史快照初始化
func New(history []Bar) *Assembler {
	bars := make([]Bar, len(history))
	copy(bars, history)
	return &Assembler{bars: bars}
}

// Apply 合并一根到来的 bar，返回执行的操作
func (a *Assembler) Apply(bar Bar) Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.bars); n > 0 {
		last := a.bars[n-1].Time
		switch {
		case bar.Time < last:
			return OpDiscard
		case bar.Time == last:
			a.bars[n-1] = bar
			return OpReplace
		}
	}
	a.bars = append(a.bars, bar)
	return OpAppend
}

// Bars 当前序列快照
func (a *Assembler) Bars() []Bar {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Bar, len(a.bars))
	copy(out, a.bars)
	return out
}

// Len 序列长度
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bars)
}
