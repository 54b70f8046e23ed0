// Package metrics 提供 Prometheus 监控指标
//
// 每个节点持有独立的 Registry，同一进程内的多个节点互不冲突。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace 指标命名空间
const Namespace = "overlay"

// Metrics 节点指标
type Metrics struct {
	Registry *prometheus.Registry

	// 发布订阅
	MessagesPublished   prometheus.Counter
	MessagesDelivered   prometheus.Counter
	MessagesForwarded   prometheus.Counter
	MessagesDuplicate   prometheus.Counter
	MessagesInvalid     prometheus.Counter
	MessagesRateLimited prometheus.Counter
	MeshPeers           *prometheus.GaugeVec
	ProbeFailures       prometheus.Counter

	// DHT
	Lookups           *prometheus.CounterVec
	LookupDuration    prometheus.Histogram
	RoutingTablePeers prometheus.Gauge

	// 带宽
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec
}

// New 在 reg 上注册并返回指标
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		MessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pubsub",
			Name:      "messages_published_total",
			Help:      "Messages originated by this node",
		}),
		MessagesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pubsub",
			Name:      "messages_delivered_total",
			Help:      "Messages delivered to local subscribers",
		}),
		MessagesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pubsub",
			Name:      "messages_forwarded_total",
			Help:      "Message copies pushed to mesh peers",
		}),
		MessagesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pubsub",
			Name:      "messages_duplicate_total",
			Help:      "Messages dropped by the seen cache",
		}),
		MessagesInvalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pubsub",
			Name:      "messages_invalid_total",
			Help:      "Messages dropped for bad signature or encoding",
		}),
		MessagesRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pubsub",
			Name:      "messages_rate_limited_total",
			Help:      "Messages dropped by per-peer flood control",
		}),
		MeshPeers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pubsub",
			Name:      "mesh_peers",
			Help:      "Current mesh degree per topic",
		}, []string{"topic"}),
		ProbeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pubsub",
			Name:      "probe_failures_total",
			Help:      "Failed liveness probes of mesh peers",
		}),

		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dht",
			Name:      "lookups_total",
			Help:      "Iterative lookups by result",
		}, []string{"result"}),
		LookupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "dht",
			Name:      "lookup_duration_seconds",
			Help:      "Iterative lookup latency",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		RoutingTablePeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "dht",
			Name:      "routing_table_peers",
			Help:      "Live entries in the routing table",
		}),

		BytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bytes_sent_total",
			Help:      "Frame bytes sent by protocol",
		}, []string{"protocol"}),
		BytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bytes_received_total",
			Help:      "Frame bytes received by protocol",
		}, []string{"protocol"}),
	}
}

// NewNop 返回注册在私有 Registry 上的指标，用于未显式配置的组件
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler 返回 /metrics HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
