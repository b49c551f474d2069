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

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qmt-bridge/pkg/config"
)

func TestNewManager_DisabledIsNil(t *testing.T) {
	m := NewManager(config.NotifyConfig{Enabled: false}, nil)
	assert.Nil(t, m)
	// nil Manager 的 Notify 是空操作
	m.Notify(Event{Type: EventVendorFatal, Title: "x"})
}

func TestNewManager_NoUsableBackendIsNil(t *testing.T) {
	m := NewManager(config.NotifyConfig{
		Enabled:  true,
		Backends: []string{"feishu", "unknown"},
	}, nil)
	assert.Nil(t, m)
}

func TestManager_WebhookDelivery(t *testing.T) {
	var received atomic.Int32
	var gotSecret atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil && ev.Type == EventJobFailed {
			received.Add(1)
		}
		gotSecret.Store(r.Header.Get("X-Webhook-Secret"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(config.NotifyConfig{
		Enabled:       true,
		Backends:      []string{"webhook"},
		WebhookURL:    srv.URL,
		WebhookSecret: "tok",
		RatePerMinute: 100,
	}, nil)
	require.NotNil(t, m)

	m.Notify(Event{Type: EventJobFailed, Title: "任务失败", Body: "download_etf_info"})

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(1), received.Load())
	secret, _ := gotSecret.Load().(string)
	assert.Equal(t, "tok", secret)
}

func TestManager_EventTypeFilter(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(config.NotifyConfig{
		Enabled:          true,
		Backends:         []string{"webhook"},
		WebhookURL:       srv.URL,
		EventTypes:       []string{string(EventVendorFatal)},
		IgnoreEventTypes: []string{string(EventBreakerReset)},
		RatePerMinute:    100,
	}, nil)
	require.NotNil(t, m)

	m.Notify(Event{Type: EventJobFailed, Title: "不在允许列表"})
	m.Notify(Event{Type: EventBreakerReset, Title: "在排除列表"})
	m.Notify(Event{Type: EventVendorFatal, Title: "允许"})

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
}

func TestManager_RateLimitDropsStorm(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(config.NotifyConfig{
		Enabled:       true,
		Backends:      []string{"webhook"},
		WebhookURL:    srv.URL,
		RatePerMinute: 1, // 突发容量 1，风暴被丢弃
	}, nil)
	require.NotNil(t, m)

	for i := 0; i < 20; i++ {
		m.Notify(Event{Type: EventVendorFatal, Title: "storm"})
	}
	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
}

func TestFeishu_SendPayload(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		got.Store(payload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"msg":"success"}`))
	}))
	defer srv.Close()

	f := NewFeishu(srv.URL, "secret")
	err := f.Send(context.Background(), Event{
		Type:  EventVendorFatal,
		Title: "SDK 崩溃",
		Body:  "assertion failed",
		Time:  time.Now(),
	})
	require.NoError(t, err)

	payload, _ := got.Load().(map[string]any)
	require.NotNil(t, payload)
	assert.Equal(t, "interactive", payload["msg_type"])
	assert.NotEmpty(t, payload["timestamp"])
	assert.NotEmpty(t, payload["sign"])
	assert.Contains(t, payload, "card")
}

func TestFeishu_ErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":19001,"msg":"sign match fail"}`))
	}))
	defer srv.Close()

	f := NewFeishu(srv.URL, "")
	err := f.Send(context.Background(), Event{Type: EventJobFailed, Title: "x"})
	assert.Error(t, err)
}

func TestFeishuSign_Deterministic(t *testing.T) {
	a := feishuSign(1700000000, "secret")
	b := feishuSign(1700000000, "secret")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, feishuSign(1700000001, "secret"))
	assert.NotEqual(t, a, feishuSign(1700000000, "other"))
	// HMAC-SHA256 的 base64 长度固定 44
	assert.Len(t, a, 44)
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "")
	err := w.Send(context.Background(), Event{Type: EventJobFailed, Title: "x"})
	assert.Error(t, err)
}
