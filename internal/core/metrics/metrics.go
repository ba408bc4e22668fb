// Package metrics 定义 go-broadcast 的 Prometheus 指标
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SendsTotal 各传输的发送尝试计数
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_sends_total",
			Help: "Total number of per-driver send attempts.",
		},
		[]string{"protocol", "outcome"},
	)

	// SendLatencySeconds 各传输的发送延迟
	SendLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broadcast_send_latency_seconds",
			Help:    "Latency of per-driver sends as measured by the broadcaster.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"protocol"},
	)

	// InboundTotal 入站载荷计数
	//
	// kind 取值：message、acknowledgment、duplicate、malformed、orphan_ack
	InboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_inbound_total",
			Help: "Total number of inbound payloads by disposition.",
		},
		[]string{"protocol", "kind"},
	)

	// AcksIssuedTotal 自动确认广播计数
	AcksIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_acks_issued_total",
			Help: "Total number of auto-acknowledgments broadcast.",
		},
	)

	// DriversConnected 各传输当前连接数
	DriversConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broadcast_driver_connections",
			Help: "Current number of live connections per driver.",
		},
		[]string{"protocol"},
	)
)

var registerOnce sync.Once

// Register 注册全部指标到默认注册表
//
// 幂等：多次调用只注册一次，进程内多个引擎实例共用指标。
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SendsTotal,
			SendLatencySeconds,
			InboundTotal,
			AcksIssuedTotal,
			DriversConnected,
		)
	})
}

// Handler 返回指标的 HTTP 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome 把成功标志折算成 outcome 标签值
func Outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
