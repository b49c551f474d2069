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

package vendorapi

import (
	"errors"
	"fmt"
	"strings"
)

// FaultKind SDK 故障分类
type FaultKind string

const (
	// FaultCall 普通调用错误：参数非法、空结果等，调用方可自行决定是否重试
	FaultCall FaultKind = "vendor_fault"
	// FaultTimeout 调用超时；闸门槽位状态不确定（SDK 可能仍在执行）
	FaultTimeout FaultKind = "timeout"
	// FaultFatal 致命故障：与 SDK 进程级损坏相关的错误类，触发熔断
	FaultFatal FaultKind = "vendor_fatal"
	// FaultUnavailable 熔断打开或闸门已关闭，未发起调用即快速失败
	FaultUnavailable FaultKind = "vendor_unavailable"
)

// Fault 带分类的 SDK 错误
type Fault struct {
	Kind    FaultKind
	Op      string // 出错的调用名，如 get_market_data
	Message string
}

func (f *Fault) Error() string {
	if f.Op != "" {
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Op, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFault 构造普通调用错误
func NewFault(op, format string, args ...any) *Fault {
	return &Fault{Kind: FaultCall, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewFatal 构造致命故障
func NewFatal(op, format string, args ...any) *Fault {
	return &Fault{Kind: FaultFatal, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewTimeout 构造超时错误
func NewTimeout(op string) *Fault {
	return &Fault{Kind: FaultTimeout, Op: op, Message: "deadline exceeded"}
}

// NewUnavailable 构造快速失败错误
func NewUnavailable(message string) *Fault {
	return &Fault{Kind: FaultUnavailable, Message: message}
}

// KindOf 提取错误分类；非 Fault 错误归为 FaultCall
func KindOf(err error) FaultKind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultCall
}

// IsFatal err 是否为致命故障
func IsFatal(err error) bool {
	return KindOf(err) == FaultFatal
}

// IsUnavailable err 是否为熔断快速失败
func IsUnavailable(err error) bool {
	return KindOf(err) == FaultUnavailable
}

// defaultFatalPatterns 内置致命故障特征；来源于历史事故记录
// （并发进入 SDK 触发内部 BSON 断言崩溃、连接级损坏）。
var defaultFatalPatterns = []string{
	"assertion failed",
	"bson",
	"connection lost",
	"session aborted",
}

// FatalClassifier 按错误文本特征判定是否致命；特征列表可配置。
// 故障签名应与厂商确认后维护，而不是从错误文本猜测扩大范围。
type FatalClassifier struct {
	patterns []string
}

// NewFatalClassifier 创建分类器；patterns 为空时使用内置默认特征
func NewFatalClassifier(patterns []string) *FatalClassifier {
	if len(patterns) == 0 {
		patterns = defaultFatalPatterns
	}
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	return &FatalClassifier{patterns: lowered}
}

// Fatal 判定 err 是否属于致命故障类。已标记为 FaultFatal 的直接判定；
// 其余按消息子串匹配特征列表。
func (c *FatalClassifier) Fatal(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range c.patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
