// Package metrics adapts locker.Statistics to Prometheus gauges through
// prometheus/client_golang.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements locker.MetricsSink by lazily registering one
// Gauge per metric name under the supplied namespace.
type PrometheusSink struct {
	mu         sync.Mutex
	gauges     map[string]prometheus.Gauge
	namespace  string
	registerer prometheus.Registerer
}

// NewPrometheusSink constructs a sink that registers gauges against reg. A
// nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusSink(namespace string, reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		gauges:     make(map[string]prometheus.Gauge),
		namespace:  namespace,
		registerer: reg,
	}
}

// DumpMetric implements locker.MetricsSink.
func (p *PrometheusSink) DumpMetric(name string, value float64) {
	p.gaugeFor(name).Set(value)
}

func (p *PrometheusSink) gaugeFor(name string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
	})
	p.registerer.MustRegister(g)
	p.gauges[name] = g
	return g
}
