// Package metrics exposes the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesAppended *prometheus.CounterVec
	PollsServed      *prometheus.CounterVec
	FanoutRetries    prometheus.Counter
	FanoutGiveUps    prometheus.Counter
	RunTransitions   *prometheus.CounterVec
	RunsActive       prometheus.Gauge
}

// New registers collectors on the given registerer (nil uses the default).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedrelay",
				Name:      "mailbox_messages_appended_total",
				Help:      "Messages accepted into mailboxes",
			},
			[]string{"kind"},
		),
		PollsServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedrelay",
				Name:      "mailbox_polls_total",
				Help:      "Poll requests served",
			},
			[]string{"outcome"},
		),
		FanoutRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fedrelay",
				Name:      "fanout_retries_total",
				Help:      "Fan-out job retry attempts",
			},
		),
		FanoutGiveUps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fedrelay",
				Name:      "fanout_giveups_total",
				Help:      "Fan-out jobs abandoned after retry exhaustion",
			},
		),
		RunTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedrelay",
				Name:      "run_transitions_total",
				Help:      "Run state transitions",
			},
			[]string{"from", "to"},
		),
		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fedrelay",
				Name:      "runs_active",
				Help:      "Runs currently in a non-terminal state",
			},
		),
	}
}
