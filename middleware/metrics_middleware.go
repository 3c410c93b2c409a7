package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mini-ipc/message"
)

// Metrics counts calls and observes their latency, labelled by function and status.
type Metrics struct {
	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "miniipc",
			Subsystem: "server",
			Name:      "calls_total",
			Help:      "Dispatched calls by function and reply status.",
		}, []string{"function", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "miniipc",
			Subsystem: "server",
			Name:      "call_duration_seconds",
			Help:      "Call latency by function.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.Calls, m.Duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			rep := next(ctx, req)
			fn := CallInfoFrom(ctx).String()
			m.Duration.WithLabelValues(fn).Observe(time.Since(start).Seconds())
			m.Calls.WithLabelValues(fn, rep.Status.String()).Inc()
			return rep
		}
	}
}
