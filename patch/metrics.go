package patch

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pboyd/patchbay/status"
)

const metricsNamespace = "patchbay"

type metrics struct {
	active *prometheus.GaugeVec
	ops    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "patches_active",
			Help:      "Number of installed patches by kind",
		}, []string{"kind"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "patch_operations_total",
			Help:      "Number of patch operations by operation and outcome",
		}, []string{"op", "outcome"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.active, err = register(reg, m.active)
	if err != nil {
		return nil, err
	}
	m.ops, err = register(reg, m.ops)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, or returns the collector already registered
// under the same description.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (m *metrics) observe(op string, err error) {
	m.ops.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ReplaceAll(status.Of(err).Error(), " ", "_")
}
