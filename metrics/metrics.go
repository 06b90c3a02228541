// Package metrics exposes controller lifecycle telemetry as prometheus
// collectors registered in a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.tatikoma.dev/corpix/shelf/message"
)

const DefaultNamespace = "shelf"

// Command results.
const (
	ResultSent    = "sent"
	ResultStale   = "stale"
	ResultBroken  = "broken"
	ResultFailed  = "failed"
	ResultUnbound = "unbound"
)

type Collector struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	events      *prometheus.CounterVec
	commands    *prometheus.CounterVec
	live        *prometheus.GaugeVec
}

func (c *Collector) Transition(service string, state string) {
	c.transitions.WithLabelValues(service, state).Inc()
}

func (c *Collector) Command(service string, kind message.Kind, result string) {
	c.commands.WithLabelValues(service, kind.String(), result).Inc()
}

func (c *Collector) Live(service string, live bool) {
	v := 0.0
	if live {
		v = 1
	}
	c.live.WithLabelValues(service).Set(v)
}

// Observe counts an event published to the coordinator.
func (c *Collector) Observe(m message.Message) error {
	c.events.WithLabelValues(m.Service(), m.Kind().String()).Inc()
	return nil
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "transitions_total",
			Help:      "Total number of controller state transitions",
		},
		[]string{"service", "state"},
	)

	c.events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "events_total",
			Help:      "Total number of events published to the coordinator",
		},
		[]string{"service", "kind"},
	)

	c.commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "commands_total",
			Help:      "Total number of commands issued to workers by result",
		},
		[]string{"service", "kind", "result"},
	)

	c.live = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "live",
			Help:      "Whether the service currently owns a live worker handle (0 or 1)",
		},
		[]string{"service"},
	)

	c.registry.MustRegister(
		c.transitions,
		c.events,
		c.commands,
		c.live,
	)
	return c
}
