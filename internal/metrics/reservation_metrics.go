package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты операций для label "result".
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultOverride = "override"
	ResultOK       = "ok"
	ResultError    = "error"
	ResultDegraded = "degraded"
)

// ReservationMetrics содержит метрики движка резервирования терминала.
// Nil-значение безопасно: все методы становятся no-op.
type ReservationMetrics struct {
	// Решения admission control
	admissionDecisions *prometheus.CounterVec

	// Операции с хранилищем снимков
	storeOperations *prometheus.CounterVec
	storeRetries    *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec

	// Цикл синхронизации
	pollDuration    prometheus.Histogram
	pollTicks       prometheus.Counter
	visibleProducts prometheus.Gauge
	staleTerminals  prometheus.Gauge

	heartbeats prometheus.Counter
}

// NewReservationMetrics создаёт метрики в глобальном регистре Prometheus.
func NewReservationMetrics() *ReservationMetrics {
	return NewReservationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewReservationMetricsWithRegisterer создаёт метрики в указанном регистре (удобно для тестов).
func NewReservationMetricsWithRegisterer(registerer prometheus.Registerer) *ReservationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ReservationMetrics{
		admissionDecisions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_admission_decisions_total",
			Help: "Total number of admission control decisions grouped by result.",
		}, []string{"result"}),
		storeOperations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_store_operations_total",
			Help: "Total number of snapshot store operations grouped by operation and result.",
		}, []string{"op", "result"}),
		storeRetries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pos_store_retries_total",
			Help: "Total number of retried snapshot store attempts.",
		}, []string{"op"}),
		storeDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "pos_store_operation_duration_seconds",
			Help:    "Duration of snapshot store operations including retries.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"op"}),
		pollDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "pos_sync_poll_duration_seconds",
			Help:    "Duration of one reservation sync tick.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		pollTicks: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_sync_poll_ticks_total",
			Help: "Total number of reservation sync ticks.",
		}),
		visibleProducts: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "pos_sync_visible_products",
			Help: "Number of products refreshed during the last sync tick.",
		}),
		staleTerminals: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "pos_sync_stale_terminals",
			Help: "Number of terminals whose reservations were ignored as stale during the last sync tick.",
		}),
		heartbeats: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pos_session_heartbeats_total",
			Help: "Total number of snapshot heartbeats written by the session.",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordAdmission увеличивает счётчик решений admission control.
func (m *ReservationMetrics) RecordAdmission(result string) {
	if m == nil {
		return
	}
	m.admissionDecisions.WithLabelValues(result).Inc()
}

// RecordStoreOperation фиксирует итог операции с хранилищем и её длительность.
func (m *ReservationMetrics) RecordStoreOperation(op, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeOperations.WithLabelValues(op, result).Inc()
	m.storeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordStoreRetry увеличивает счётчик повторных попыток.
func (m *ReservationMetrics) RecordStoreRetry(op string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(op).Inc()
}

// RecordPoll фиксирует один тик синхронизации.
func (m *ReservationMetrics) RecordPoll(duration time.Duration, products, staleTerminals int) {
	if m == nil {
		return
	}
	m.pollTicks.Inc()
	m.pollDuration.Observe(duration.Seconds())
	m.visibleProducts.Set(float64(products))
	m.staleTerminals.Set(float64(staleTerminals))
}

// RecordHeartbeat увеличивает счётчик heartbeat-записей.
func (m *ReservationMetrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}
