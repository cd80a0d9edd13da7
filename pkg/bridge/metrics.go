package bridge

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// bridgeMetrics метрики голосового моста. Регистрируются один раз на
// процесс в глобальном реестре prometheus.
type bridgeMetrics struct {
	sessionsActive  prometheus.Gauge
	framesIn        prometheus.Counter
	framesOut       prometheus.Counter
	framesDropped   prometheus.Counter
	channelFailures prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *bridgeMetrics
)

func getBridgeMetrics() *bridgeMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &bridgeMetrics{
			sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "bridge",
				Name:      "sessions_active",
				Help:      "Число открытых сессий голосового моста.",
			}),
			framesIn: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "bridge",
				Name:      "frames_in_total",
				Help:      "Кадры, переданные в канал распознавания.",
			}),
			framesOut: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "bridge",
				Name:      "frames_out_total",
				Help:      "Синтезированные кадры, доставленные контроллеру.",
			}),
			framesDropped: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "bridge",
				Name:      "frames_dropped_total",
				Help:      "Кадры, отброшенные из-за переполнения очередей.",
			}),
			channelFailures: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "bridge",
				Name:      "channel_failures_total",
				Help:      "Отказы каналов голосового сервиса.",
			}),
		}
	})
	return metricsInstance
}
