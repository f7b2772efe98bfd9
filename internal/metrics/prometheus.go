// Package metrics exposes the process's Prometheus counters, histograms,
// and gauges: SMS send volume, IE call latency, conversation state
// transitions, and stuck-session sweep activity.
package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/radscheduler/core/pkg/logger"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    // Register common metrics
    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["orders_received"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "orders_received_total",
            Help: "Total number of imaging orders ingested",
        },
        []string{"modality"},
    )

    pm.counters["sms_sent"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "sms_sent_total",
            Help: "Total outbound SMS send attempts",
        },
        []string{"message_type", "provider", "sent"},
    )

    pm.counters["sms_received"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "sms_received_total",
            Help: "Total inbound SMS received",
        },
        []string{},
    )

    pm.counters["state_transitions"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "conversation_state_transitions_total",
            Help: "Total conversation state transitions",
        },
        []string{"from", "to"},
    )

    pm.counters["ie_calls"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "ie_calls_total",
            Help: "Total calls to the HL7 interface engine",
        },
        []string{"operation", "status"},
    )

    pm.counters["stuck_sessions_handled"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "stuck_sessions_handled_total",
            Help: "Total stuck conversations acted on by the sweep scheduler",
        },
        []string{"reason"},
    )

    // Histograms
    pm.histograms["sms_send_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "sms_send_duration_seconds",
            Help:    "Outbound SMS dispatch latency",
            Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
        },
        []string{"provider"},
    )

    pm.histograms["ie_call_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "ie_call_duration_seconds",
            Help:    "HL7 interface engine call latency",
            Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
        },
        []string{"operation"},
    )

    pm.histograms["time_in_state"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "conversation_time_in_state_seconds",
            Help:    "Observed dwell time in a conversation state before transitioning out",
            Buckets: []float64{30, 60, 300, 900, 3600, 14400, 86400},
        },
        []string{"state"},
    )

    // Gauges
    pm.gauges["active_conversations"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "active_conversations",
            Help: "Current number of non-terminal conversations",
        },
        []string{"state"},
    )

    pm.gauges["stuck_conversations"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "stuck_conversations",
            Help: "Current number of conversations the stuck-session monitor sees as stuck",
        },
        []string{},
    )

    // Register all metrics
    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("metrics server started")
    return http.ListenAndServe(addr, nil)
}
