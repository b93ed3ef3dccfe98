package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK     = "ok"
	resultFailed = "failed"
)

// PrometheusMetrics exports the collector hooks as Prometheus counters.
// It owns its registry so several instances can coexist in one process.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	sendTotal     *prometheus.CounterVec
	receivedTotal prometheus.Counter
	repliedTotal  prometheus.Counter
	outcomeTotal  *prometheus.CounterVec
	deadTotal     prometheus.Counter
	malformed     prometheus.Counter
	faulted       prometheus.Counter
}

func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "relay"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,
		sendTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_total",
			Help:      "Total number of broker send operations.",
		}, []string{"result"}),
		receivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_total",
			Help:      "Total number of delivery attempts handed to a handler.",
		}),
		repliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replied_total",
			Help:      "Total number of reply messages sent by handlers.",
		}),
		outcomeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcome_total",
			Help:      "Delivery attempt outcomes.",
		}, []string{"outcome"}),
		deadTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Total number of messages moved to the dead-letter destination.",
		}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_total",
			Help:      "Total number of deliveries acknowledged without reply because of their shape.",
		}),
		faulted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_fault_total",
			Help:      "Total number of attempts aborted by a policy fault.",
		}),
	}
}

func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) IncSent()         { m.sendTotal.WithLabelValues(resultOK).Inc() }
func (m *PrometheusMetrics) IncSendFailed()   { m.sendTotal.WithLabelValues(resultFailed).Inc() }
func (m *PrometheusMetrics) IncReceived()     { m.receivedTotal.Inc() }
func (m *PrometheusMetrics) IncReplied()      { m.repliedTotal.Inc() }
func (m *PrometheusMetrics) IncCommitted()    { m.outcomeTotal.WithLabelValues("commit").Inc() }
func (m *PrometheusMetrics) IncRedelivered()  { m.outcomeTotal.WithLabelValues("force-redeliver").Inc() }
func (m *PrometheusMetrics) IncDeadLettered() { m.deadTotal.Inc() }
func (m *PrometheusMetrics) IncMalformed()    { m.malformed.Inc() }
func (m *PrometheusMetrics) IncFaulted()      { m.faulted.Inc() }
