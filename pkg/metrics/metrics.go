package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		GateWaitDuration, GateCallDuration, GateCallTotal, GateAbandonedTotal,
		GateQueueDepth, BreakerOpen,
		SubscriptionEntries, SubscriptionListeners,
		EventsDeliveredTotal, ListenerFailTotal, EventsDroppedTotal,
		JobRunTotal, JobDuration,
	)
}

// GateWaitDuration 闸门排队等待耗时（秒）
var GateWaitDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "qmt_gate_wait_duration_seconds",
		Help:    "闸门排队等待耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// GateCallDuration SDK 调用占用闸门耗时（秒）
var GateCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "qmt_gate_call_duration_seconds",
		Help:    "SDK 调用占用闸门耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"call"},
)

// GateCallTotal 闸门调用总数（按来源与结果）
var GateCallTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "qmt_gate_call_total",
		Help: "闸门调用总数（按来源与结果）",
	},
	[]string{"origin", "outcome"}, // origin: foreground | scheduled; outcome: ok | fault | fatal | timeout | unavailable
)

// GateAbandonedTotal 调用方超时放弃后 SDK 仍返回的调用数
var GateAbandonedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "qmt_gate_abandoned_total",
		Help: "调用方超时放弃后 SDK 仍返回的调用数",
	},
)

// GateQueueDepth 当前排队中的调用数
var GateQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "qmt_gate_queue_depth",
		Help: "当前排队中的调用数",
	},
)

// BreakerOpen 熔断器状态（1=打开）
var BreakerOpen = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "qmt_breaker_open",
		Help: "熔断器状态（1=打开）",
	},
)

// SubscriptionEntries 当前存活的上游订阅数（按去重 key）
var SubscriptionEntries = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "qmt_subscription_entries",
		Help: "当前存活的上游订阅数（按去重 key）",
	},
)

// SubscriptionListeners 当前挂载的监听器总数
var SubscriptionListeners = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "qmt_subscription_listeners",
		Help: "当前挂载的监听器总数",
	},
)

// EventsDeliveredTotal 推送事件分发次数（每监听器计一次）
var EventsDeliveredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "qmt_events_delivered_total",
		Help: "推送事件分发次数（每监听器计一次）",
	},
)

// ListenerFailTotal 监听器回调失败（panic）次数
var ListenerFailTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "qmt_listener_fail_total",
		Help: "监听器回调失败次数",
	},
)

// EventsDroppedTotal 慢消费者出站缓冲丢弃的事件数
var EventsDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "qmt_events_dropped_total",
		Help: "慢消费者出站缓冲丢弃的事件数",
	},
)

// JobRunTotal 后台任务执行总数（按任务与结果）
var JobRunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "qmt_job_run_total",
		Help: "后台任务执行总数（按任务与结果）",
	},
	[]string{"job", "result"}, // result: success | failed
)

// JobDuration 后台任务执行耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "qmt_job_duration_seconds",
		Help:    "后台任务执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"job"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
