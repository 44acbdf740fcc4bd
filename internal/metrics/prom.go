// Package metrics exports supervisor counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/blesense/internal/ble"
)

const namespace = "blesense"

// Prom implements ble.Metrics on top of Prometheus collectors.
type Prom struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	bytes    prometheus.Observer
}

var _ ble.Metrics = (*Prom)(nil)

// NewProm creates the collectors and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewProm(reg prometheus.Registerer) (*Prom, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	notifications := counter("notifications_total", "Notifications received from the peripheral.")
	samples := counter("samples_decoded_total", "Notifications decoded into a sample.")
	warnings := counter("field_warnings_total", "Fields skipped because their value did not parse.")
	failures := counter("decode_failures_total", "Notifications that produced no sample.")
	reconnects := counter("reconnect_attempts_total", "Reconnect attempts after an unexpected disconnect.")

	state := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Current supervisor state (0=Idle, 5=Connected, 8=Failed, 9=Stopped).",
	})
	bytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "notification_bytes",
		Help:      "Size of received notification payloads.",
		Buckets:   prometheus.ExponentialBuckets(8, 2, 8),
	})

	for _, c := range []prometheus.Collector{notifications, samples, warnings, failures, reconnects, state, bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &Prom{
		counters: map[string]prometheus.Counter{
			"notifications": notifications,
			"samples":       samples,
			"warnings":      warnings,
			"failures":      failures,
			"reconnects":    reconnects,
		},
		gauges: map[string]prometheus.Gauge{
			"state": state,
		},
		bytes: bytes,
	}, nil
}

func (p *Prom) NotificationReceived(n int) {
	p.counters["notifications"].Inc()
	p.bytes.Observe(float64(n))
}

func (p *Prom) SampleDecoded(warnings int) {
	p.counters["samples"].Inc()
	if warnings > 0 {
		p.counters["warnings"].Add(float64(warnings))
	}
}

func (p *Prom) DecodeFailed()       { p.counters["failures"].Inc() }
func (p *Prom) ReconnectAttempted() { p.counters["reconnects"].Inc() }

func (p *Prom) StateChanged(s ble.State) {
	p.gauges["state"].Set(float64(s))
}
