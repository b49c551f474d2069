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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Feishu 飞书群自定义机器人后端，发送富文本卡片消息
type Feishu struct {
	webhookURL string
	secret     string // 为空表示机器人未开启签名校验
	client     *resty.Client
}

// NewFeishu 创建飞书后端
func NewFeishu(webhookURL, secret string) *Feishu {
	return &Feishu{
		webhookURL: webhookURL,
		secret:     secret,
		client:     resty.New().SetTimeout(10 * time.Second),
	}
}

func (f *Feishu) Name() string { return "feishu" }

// Send 推送交互卡片；机器人配置了签名时附带 v2 签名
func (f *Feishu) Send(ctx context.Context, ev Event) error {
	payload := map[string]any{
		"msg_type": "interactive",
		"card":     buildCard(ev),
	}
	if f.secret != "" {
		ts := time.Now().Unix()
		payload["timestamp"] = fmt.Sprintf("%d", ts)
		payload["sign"] = feishuSign(ts, f.secret)
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	resp, err := f.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post(f.webhookURL)
	if err != nil {
		return fmt.Errorf("feishu 请求失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("feishu 返回状态码 %d", resp.StatusCode())
	}
	if result.Code != 0 {
		return fmt.Errorf("feishu 返回错误: code=%d msg=%s", result.Code, result.Msg)
	}
	return nil
}

// feishuSign 计算飞书 v2 签名：以 "{timestamp}\n{secret}" 为密钥
// 对空消息做 HMAC-SHA256 后 base64
func feishuSign(timestamp int64, secret string) string {
	key := fmt.Sprintf("%d\n%s", timestamp, secret)
	h := hmac.New(sha256.New, []byte(key))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// cardColor 事件类型到卡片头颜色
func cardColor(t EventType) string {
	switch t {
	case EventVendorFatal:
		return "red"
	case EventJobFailed:
		return "orange"
	default:
		return "blue"
	}
}

func buildCard(ev Event) map[string]any {
	body := ev.Body
	for k, v := range ev.Extra {
		body += fmt.Sprintf("\n**%s**: %s", k, v)
	}
	return map[string]any{
		"header": map[string]any{
			"title":    map[string]any{"tag": "plain_text", "content": ev.Title},
			"template": cardColor(ev.Type),
		},
		"elements": []map[string]any{
			{
				"tag":     "markdown",
				"content": body,
			},
			{
				"tag": "note",
				"elements": []map[string]any{
					{"tag": "plain_text", "content": ev.Time.Format("2006-01-02 15:04:05")},
				},
			},
		},
	}
}
