package license

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 许可证相关的 Prometheus 指标，nil 时所有方法为空操作
type Metrics struct {
	KeysIssued   *prometheus.CounterVec
	Activations  *prometheus.CounterVec
	Decisions    *prometheus.CounterVec
	UsageCharged *prometheus.CounterVec
	KeysExpired  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		KeysIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mab",
			Subsystem: "license",
			Name:      "keys_issued_total",
			Help:      "License keys issued, by tier.",
		}, []string{"tier"}),
		Activations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mab",
			Subsystem: "license",
			Name:      "activations_total",
			Help:      "Activation attempts, by result code.",
		}, []string{"result"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mab",
			Subsystem: "license",
			Name:      "entitlement_decisions_total",
			Help:      "Entitlement decisions, by reason.",
		}, []string{"reason"}),
		UsageCharged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mab",
			Subsystem: "license",
			Name:      "usage_charged_total",
			Help:      "Requests charged against daily quotas, by feature.",
		}, []string{"feature"}),
		KeysExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mab",
			Subsystem: "license",
			Name:      "keys_expired_total",
			Help:      "Active keys moved to expired.",
		}),
	}
}

func (m *Metrics) issued(tier string) {
	if m == nil {
		return
	}
	m.KeysIssued.WithLabelValues(tier).Inc()
}

func (m *Metrics) activation(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = Code(err)
	}
	m.Activations.WithLabelValues(result).Inc()
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	reason := string(d.Reason)
	if d.Allowed {
		reason = "allowed"
	}
	m.Decisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) charged(feature string) {
	if m == nil {
		return
	}
	m.UsageCharged.WithLabelValues(feature).Inc()
}

func (m *Metrics) expired() {
	if m == nil {
		return
	}
	m.KeysExpired.Inc()
}
