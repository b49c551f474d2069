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
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook 通用 webhook 后端，把事件原样 POST 为 JSON
type Webhook struct {
	url    string
	secret string
	client *resty.Client
}

// NewWebhook 创建通用 webhook 后端
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: resty.New().SetTimeout(10 * time.Second),
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, ev Event) error {
	req := w.client.R().SetContext(ctx).SetBody(ev)
	if w.secret != "" {
		req.SetHeader("X-Webhook-Secret", w.secret)
	}
	resp, err := req.Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook 请求失败: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode())
	}
	return nil
}
