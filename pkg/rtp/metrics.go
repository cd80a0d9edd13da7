package rtp

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics экспортирует счетчики медиа движка в Prometheus.
// Регистрация выполняется один раз на процесс, движков может быть несколько
// (например, в тестах), поэтому используется ленивый singleton.
type engineMetrics struct {
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metrics     *engineMetrics
)

// Причины отбрасывания входящих пакетов для метрики rtp_packets_dropped_total.
const (
	dropReasonInvalid       = "invalid"
	dropReasonUnknownSource = "unknown_source"
	dropReasonQueueFull     = "queue_full"
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		metrics = &engineMetrics{
			packetsSent: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "rtp",
				Name:      "packets_sent_total",
				Help:      "Total number of RTP packets sent",
			}),
			packetsReceived: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "rtp",
				Name:      "packets_received_total",
				Help:      "Total number of RTP packets received",
			}),
			bytesSent: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "rtp",
				Name:      "bytes_sent_total",
				Help:      "Total number of RTP payload bytes sent",
			}),
			bytesReceived: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "rtp",
				Name:      "bytes_received_total",
				Help:      "Total number of RTP payload bytes received",
			}),
			packetsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rtp",
				Name:      "packets_dropped_total",
				Help:      "Total number of dropped incoming RTP packets",
			}, []string{"reason"}),
			sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "rtp",
				Name:      "sessions_active",
				Help:      "Number of currently active RTP sessions",
			}),
		}
	})
	return metrics
}
