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
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// overlapConn 记录是否有两个 goroutine 同时进入 WriteJSON。
// 底层 WS 连接不允许并发写入，封装层必须挡住这种重叠。
type overlapConn struct {
	inWrite  atomic.Int32
	overlaps atomic.Int32
	writes   atomic.Int64
}

func (c *overlapConn) WriteJSON(v any) error {
	if c.inWrite.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	time.Sleep(time.Millisecond) // 拉长临界区，放大重叠窗口
	c.inWrite.Add(-1)
	c.writes.Add(1)
	return nil
}

func TestConnWriter_SerializesConcurrentWriters(t *testing.T) {
	conn := &overlapConn{}
	w := &connWriter{conn: conn}

	// 模拟推送 goroutine 与读循环错误回执同时写同一条连接
	const perWriter = 20
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if n == 0 {
					_ = w.write(wsFrame{Code: "000001.SZ"})
				} else {
					_ = w.write(map[string]any{"error": "subscribe failed"})
				}
			}
		}(i)
	}
	wg.Wait()

	if got := conn.overlaps.Load(); got != 0 {
		t.Errorf("检测到 %d 次并发写入重叠，期望 0", got)
	}
	if got := conn.writes.Load(); got != 2*perWriter {
		t.Errorf("完成写入 %d 次，期望 %d", got, 2*perWriter)
	}
}
