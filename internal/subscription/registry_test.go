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
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qmt-bridge/internal/gate"
	"qmt-bridge/internal/vendorapi"
	"qmt-bridge/internal/vendorapi/mock"
)

func newTestRegistry(t *testing.T) (*Registry, *mock.Capability, *gate.Gate) {
	t.Helper()
	cap := mock.New()
	cap.PushInterval = 10 * time.Millisecond
	g := gate.New(cap, nil, nil)
	t.Cleanup(g.Close)
	return NewRegistry(g, nil), cap, g
}

func TestRegistry_RefcountTransitions(t *testing.T) {
	r, cap, _ := newTestRegistry(t)
	key := KeyOf([]string{"000001.SZ"}, "tick", ModeQuote)

	id1, err := r.Subscribe(context.Background(), key, func(Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if cap.OpenSubs() != 1 {
		t.Fatalf("expected 1 upstream subscription after first subscribe, got %d", cap.OpenSubs())
	}

	// 第二个订阅者只加引用，不再打开上游
	before := cap.Calls()
	id2, err := r.Subscribe(context.Background(), key, func(Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if cap.Calls() != before {
		t.Error("second subscriber must not touch the vendor")
	}
	if got := r.Refs(key); got != 2 {
		t.Fatalf("expected refs 2, got %d", got)
	}

	// 1→0 之前不关闭上游
	r.Unsubscribe(id1)
	if cap.OpenSubs() != 1 {
		t.Fatalf("upstream closed while refs > 0")
	}
	r.Unsubscribe(id2)
	if cap.OpenSubs() != 0 {
		t.Fatalf("expected upstream closed after last unsubscribe, got %d", cap.OpenSubs())
	}
	if r.Entries() != 0 {
		t.Errorf("expected no live entries, got %d", r.Entries())
	}
}

func TestRegistry_UnsubscribeIdempotent(t *testing.T) {
	r, cap, _ := newTestRegistry(t)
	key := KeyOf([]string{"000001.SZ"}, "tick", ModeQuote)

	id, err := r.Subscribe(context.Background(), key, func(Event) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	r.Unsubscribe(id)
	callsAfterFirst := cap.Calls()
	r.Unsubscribe(id)
	r.Unsubscribe(ListenerID("listener-unknown"))
	if cap.Calls() != callsAfterFirst {
		t.Error("repeated unsubscribe must not produce upstream calls")
	}
}

func TestRegistry_ConcurrentSubscribeSameKey(t *testing.T) {
	r, cap, _ := newTestRegistry(t)
	key := KeyOf([]string{"600519.SH"}, "tick", ModeQuote)

	var wg sync.WaitGroup
	ids := make([]ListenerID, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			id, err := r.Subscribe(context.Background(), key, func(Event) {})
			if err != nil {
				t.Errorf("subscribe: %v", err)
				return
			}
			ids[i] = id
		}()
	}
	wg.Wait()

	if cap.OpenSubs() != 1 {
		t.Fatalf("expected exactly one upstream subscription, got %d", cap.OpenSubs())
	}
	for _, id := range ids {
		r.Unsubscribe(id)
	}
	if cap.OpenSubs() != 0 {
		t.Fatalf("expected upstream closed, got %d", cap.OpenSubs())
	}
}

// failCap 打开上游订阅固定失败的桩
type failCap struct{}

func (failCap) Call(_ context.Context, name string, _ map[string]any) (any, error) {
	return nil, nil
}

func (failCap) OpenSubscription(_ context.Context, _ vendorapi.SubSpec, _ vendorapi.PushFunc) (vendorapi.Handle, error) {
	return 0, vendorapi.NewFault("subscribe_quote", "invalid stock code")
}

func (failCap) CloseSubscription(_ context.Context, _ vendorapi.Handle) error {
	return nil
}

func TestRegistry_FailedOpenLeavesNoEntry(t *testing.T) {
	g := gate.New(failCap{}, nil, nil)
	defer g.Close()
	r := NewRegistry(g, nil)
	key := KeyOf([]string{"BAD.CODE"}, "tick", ModeQuote)

	if _, err := r.Subscribe(context.Background(), key, func(Event) {}); err == nil {
		t.Fatal("expected subscribe failure")
	}
	if r.Entries() != 0 {
		t.Fatalf("failed open must not leave an entry, got %d", r.Entries())
	}

	// 失败后可重试（entry 不残留）
	if _, err := r.Subscribe(context.Background(), key, func(Event) {}); err == nil {
		t.Fatal("expected subscribe failure on retry")
	}
}

func TestRegistry_FanOutOrderAndPanicIsolation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	key := KeyOf([]string{"000001.SZ"}, "tick", ModeQuote)

	var mu sync.Mutex
	var got []string
	var panicked atomic.Int32

	id1, err := r.Subscribe(context.Background(), key, func(ev Event) {
		mu.Lock()
		got = append(got, "first")
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id2, err := r.Subscribe(context.Background(), key, func(ev Event) {
		panicked.Add(1)
		panic("listener bug")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id3, err := r.Subscribe(context.Background(), key, func(ev Event) {
		mu.Lock()
		got = append(got, "third")
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() {
		r.Unsubscribe(id1)
		r.Unsubscribe(id2)
		r.Unsubscribe(id3)
	}()

	// 等至少两轮推送
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 4 {
		t.Fatalf("expected at least two rounds of fan-out, got %v", got)
	}
	// panic 的监听器不拖垮其他监听器，也不中断后续推送；
	// 同一轮内按挂载顺序 first → third
	for i := 0; i+1 < len(got); i += 2 {
		if got[i] != "first" || got[i+1] != "third" {
			t.Fatalf("expected attachment-order delivery, got %v", got)
		}
	}
	if panicked.Load() == 0 {
		t.Error("panicking listener never invoked")
	}
}

func TestRegistry_EmptyKeyRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if _, err := r.Subscribe(context.Background(), Key{}, func(Event) {}); err == nil {
		t.Fatal("expected error for empty key")
	}
}
