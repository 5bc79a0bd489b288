package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Проходы проверки по исходу (clean, violation, skipped ...)
	Checks *prometheus.CounterVec

	// Зафиксированные (не подавленные) нарушения по виду
	Violations *prometheus.CounterVec

	// Зачистки: full, fallback, suppressed
	Wipes *prometheus.CounterVec

	// Внешние уведомления об изменении хранилища
	StorageEvents *prometheus.CounterVec

	// Текущее значение счетчика нарушений
	ViolationCount prometheus.Gauge

	// 1 - мониторинг активен
	Monitoring prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Checks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_checks_total",
			Help: "Total number of integrity check passes by outcome.",
		}, []string{"outcome"}),

		Violations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_violations_total",
			Help: "Total number of recorded violations by kind.",
		}, []string{"kind"}), // integrity, missing, rapid, manual

		Wipes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_wipes_total",
			Help: "Total number of wipe attempts by mode.",
		}, []string{"mode"}),

		StorageEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_storage_events_total",
			Help: "Total number of external storage change notifications.",
		}, []string{"area"}),

		ViolationCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "watchdog_violation_count",
			Help: "Current persisted violation counter.",
		}),

		Monitoring: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "watchdog_monitoring",
			Help: "Whether monitoring is active (1) or stopped (0).",
		}),
	}
}
