package dht

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/kadnet/transport"
)

// Metrics are the Prometheus collectors updated by a Handler. A nil *Metrics
// records nothing.
type Metrics struct {
	contacts prometheus.Gauge
	messages *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	lookups  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		contacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kadnet",
			Subsystem: "dht",
			Name:      "contacts",
			Help:      "Number of contacts in the routing table.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadnet",
			Subsystem: "dht",
			Name:      "messages_total",
			Help:      "Protocol messages received, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadnet",
			Subsystem: "dht",
			Name:      "dropped_messages_total",
			Help:      "Protocol messages discarded, by reason.",
		}, []string{"reason"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadnet",
			Subsystem: "dht",
			Name:      "lookups_total",
			Help:      "Finished lookups, by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{m.contacts, m.messages, m.dropped, m.lookups} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register dht metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) setContacts(n int) {
	if m != nil {
		m.contacts.Set(float64(n))
	}
}

func (m *Metrics) message(t transport.PacketType) {
	if m != nil {
		m.messages.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) lookup(state LookupState) {
	if m != nil {
		m.lookups.WithLabelValues(state.String()).Inc()
	}
}
