package runtime

import (
	"errors"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
)

// busMetrics are the Prometheus collectors shared by every loop. A nil
// *busMetrics records nothing.
type busMetrics struct {
	delivered  *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	emptyPolls *prometheus.CounterVec
	cycleErrs  *prometheus.CounterVec
	handler    wmmetrics.HandlerPrometheusMetricsMiddleware
}

func newBusMetrics(registerer prometheus.Registerer) (*busMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &busMetrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streambus",
			Name:      "messages_delivered_total",
			Help:      "Entries handed to a handler, including redeliveries.",
		}, []string{"stream", "handler"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streambus",
			Name:      "messages_settled_total",
			Help:      "Entries by dispatch outcome (ack, retry, dead_letter, skip).",
		}, []string{"stream", "outcome"}),
		emptyPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streambus",
			Name:      "empty_polls_total",
			Help:      "Polls that returned no entries.",
		}, []string{"stream"}),
		cycleErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streambus",
			Name:      "cycle_errors_total",
			Help:      "Poll, acknowledge or dead-letter cycles that failed and backed off.",
		}, []string{"stream"}),
	}

	var err error
	if m.delivered, err = registerCollector(registerer, m.delivered); err != nil {
		return nil, err
	}
	if m.outcomes, err = registerCollector(registerer, m.outcomes); err != nil {
		return nil, err
	}
	if m.emptyPolls, err = registerCollector(registerer, m.emptyPolls); err != nil {
		return nil, err
	}
	if m.cycleErrs, err = registerCollector(registerer, m.cycleErrs); err != nil {
		return nil, err
	}

	// streambus_handler_execution_time_seconds{handler_name,success,stream}
	m.handler = wmmetrics.NewPrometheusMetricsBuilderWithConfig(registerer, wmmetrics.PrometheusMetricsBuilderConfig{
		Namespace: "streambus",
		AdditionalLabels: []wmmetrics.MetricLabel{
			{Label: "handler_name", ComputeValueFn: jobLabel(func(j Job) string { return j.Handler })},
			{Label: "stream", ComputeValueFn: jobLabel(func(j Job) string { return j.StreamKey })},
		},
	}).NewRouterMiddleware()
	return m, nil
}

// registerCollector registers c, reusing an identical collector that is
// already registered.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *busMetrics) settled(stream string, outcome errspkg.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(stream, outcome.String()).Inc()
}

func (m *busMetrics) emptyPoll(stream string) {
	if m == nil {
		return
	}
	m.emptyPolls.WithLabelValues(stream).Inc()
}

func (m *busMetrics) cycleError(stream string) {
	if m == nil {
		return
	}
	m.cycleErrs.WithLabelValues(stream).Inc()
}

func (m *busMetrics) middleware() HandlerMiddleware {
	return func(h HandlerFunc) HandlerFunc {
		timed := m.handler.Middleware(h)
		return func(msg *message.Message) ([]*message.Message, error) {
			job := JobFromMessage(msg)
			m.delivered.WithLabelValues(job.StreamKey, job.Handler).Inc()
			return timed(msg)
		}
	}
}
