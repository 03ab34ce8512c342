package task

import (
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Metrics exports registry and broadcaster counters to Prometheus.
type Metrics struct {
	tasksActive     promclient.Gauge
	tasksTerminated *promclient.CounterVec
	framesPublished *promclient.CounterVec
	framesDropped   promclient.Counter
	subscribers     promclient.Gauge
}

// NewMetrics registers the task metrics against reg (DefaultRegisterer when
// nil). Registering twice against the same registerer reuses the existing
// collectors.
func NewMetrics(namespace string, reg promclient.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "research_tasks"
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}

	m := &Metrics{
		tasksActive: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: namespace,
			Name:      "active",
			Help:      "Number of task records currently held by the registry.",
		}),
		tasksTerminated: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "terminated_total",
			Help:      "Count of tasks reaching a terminal state.",
		}, []string{"status"}),
		framesPublished: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Count of progress frames published, by frame type.",
		}, []string{"type"}),
		framesDropped: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Count of non-terminal frames dropped on subscriber buffer overflow.",
		}),
		subscribers: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of attached progress subscribers.",
		}),
	}

	if err := register(reg, &m.tasksActive); err != nil {
		return nil, err
	}
	if err := register(reg, &m.tasksTerminated); err != nil {
		return nil, err
	}
	if err := register(reg, &m.framesPublished); err != nil {
		return nil, err
	}
	if err := register(reg, &m.framesDropped); err != nil {
		return nil, err
	}
	if err := register(reg, &m.subscribers); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds *collector to reg, swapping in the already-registered
// collector on AlreadyRegisteredError.
func register[C promclient.Collector](reg promclient.Registerer, collector *C) error {
	err := reg.Register(*collector)
	if err == nil {
		return nil
	}
	if are, ok := err.(promclient.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(C); ok {
			*collector = existing
			return nil
		}
	}
	return fmt.Errorf("register task metric: %w", err)
}
