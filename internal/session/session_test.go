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

package session

import (
	"context"
	"testing"
	"time"

	"qmt-bridge/internal/gate"
	"qmt-bridge/internal/subscription"
	"qmt-bridge/internal/vendorapi/mock"
)

func newTestSession(t *testing.T) (*Session, *mock.Capability) {
	t.Helper()
	cap := mock.New()
	cap.PushInterval = 10 * time.Millisecond
	g := gate.New(cap, nil, nil)
	t.Cleanup(g.Close)
	reg := subscription.NewRegistry(g, nil)
	return New(reg, nil, 8), cap
}

func TestSession_InterestSymmetricDiff(t *testing.T) {
	s, cap := newTestSession(t)
	defer s.OnClose()

	kA := subscription.KeyOf([]string{"000001.SZ"}, "tick", subscription.ModeQuote)
	kB := subscription.KeyOf([]string{"600519.SH"}, "tick", subscription.ModeQuote)
	kC := subscription.KeyOf([]string{"300750.SZ"}, "tick", subscription.ModeQuote)

	if err := s.OnInterest(context.Background(), []subscription.Key{kA, kB}); err != nil {
		t.Fatalf("interest: %v", err)
	}
	if cap.OpenSubs() != 2 {
		t.Fatalf("expected 2 upstream subs, got %d", cap.OpenSubs())
	}

	// A 保留、B 退订、C 新增；A 不应产生任何上游调用
	if err := s.OnInterest(context.Background(), []subscription.Key{kA, kC}); err != nil {
		t.Fatalf("interest: %v", err)
	}
	if cap.OpenSubs() != 2 {
		t.Fatalf("expected 2 upstream subs after diff, got %d", cap.OpenSubs())
	}

	// 空集合等于全退订
	if err := s.OnInterest(context.Background(), nil); err != nil {
		t.Fatalf("interest: %v", err)
	}
	if cap.OpenSubs() != 0 {
		t.Fatalf("expected 0 upstream subs after empty interest, got %d", cap.OpenSubs())
	}
}

func TestSession_CloseReleasesAll(t *testing.T) {
	s, cap := newTestSession(t)

	keys := []subscription.Key{
		subscription.KeyOf([]string{"000001.SZ"}, "tick", subscription.ModeQuote),
		subscription.KeyOf([]string{"600519.SH"}, "1d", subscription.ModeQuote),
	}
	if err := s.OnInterest(context.Background(), keys); err != nil {
		t.Fatalf("interest: %v", err)
	}
	if cap.OpenSubs() != 2 {
		t.Fatalf("expected 2 upstream subs, got %d", cap.OpenSubs())
	}

	s.OnClose()
	if cap.OpenSubs() != 0 {
		t.Fatalf("expected all upstream subs released on close, got %d", cap.OpenSubs())
	}

	// 重复关闭与关闭后的兴趣声明都是空操作
	s.OnClose()
	if err := s.OnInterest(context.Background(), keys); err != nil {
		t.Fatalf("interest after close: %v", err)
	}
	if cap.OpenSubs() != 0 {
		t.Fatalf("interest after close must not subscribe, got %d", cap.OpenSubs())
	}

	// 出站通道已关闭
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Error("expected closed events channel")
		}
	case <-time.After(time.Second):
		t.Error("events channel not closed")
	}
}

func TestSession_ReceivesEvents(t *testing.T) {
	s, _ := newTestSession(t)
	defer s.OnClose()

	key := subscription.KeyOf([]string{"000001.SZ"}, "tick", subscription.ModeQuote)
	if err := s.OnInterest(context.Background(), []subscription.Key{key}); err != nil {
		t.Fatalf("interest: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Code == "" {
			t.Error("expected event with code")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestSession_DropOldestWhenSaturated(t *testing.T) {
	cap := mock.New()
	cap.PushInterval = time.Hour // 推送协程不干扰，手工投递
	g := gate.New(cap, nil, nil)
	t.Cleanup(g.Close)
	reg := subscription.NewRegistry(g, nil)
	s := New(reg, nil, 2)
	defer s.OnClose()

	key := subscription.KeyOf([]string{"000001.SZ"}, "tick", subscription.ModeQuote)
	for i := 0; i < 5; i++ {
		s.deliver(subscription.Event{Key: key, Code: "000001.SZ", Data: map[string]any{"seq": i}})
	}

	// 缓冲容量 2：留下的是最新的两条
	var seqs []int
	for i := 0; i < 2; i++ {
		select {
		case ev := <-s.Events():
			seqs = append(seqs, ev.Data["seq"].(int))
		case <-time.After(time.Second):
			t.Fatal("expected buffered event")
		}
	}
	if len(seqs) != 2 || seqs[0] != 3 || seqs[1] != 4 {
		t.Errorf("expected newest events [3 4], got %v", seqs)
	}
}
