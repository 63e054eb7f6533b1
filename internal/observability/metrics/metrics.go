// Package metrics exposes otto's Prometheus collectors. Counters are fed
// from the event bus, so producers never import this package.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"otto/internal/eventbus"
	logx "otto/pkg/logx"
)

const namespace = "otto"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	ticks          prometheus.Counter
	tickDuration   prometheus.Histogram
	jobsSelected   prometheus.Counter
	jobsClaimed    prometheus.Counter
	leaseContended prometheus.Counter
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	enqueued       *prometheus.CounterVec
	delivered      prometheus.Counter
	sendFailed     *prometheus.CounterVec
	panics         *prometheus.CounterVec
}

// New registers every collector on a private registry. bus may be nil; when
// set, its drop counter is exported as a gauge.
func New(bus eventbus.Bus, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		log: log,
		ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Completed scheduler ticks.",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
			Help:    "Wall time of one scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		jobsSelected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "jobs_selected_total",
			Help: "Eligible jobs returned by selection.",
		}),
		jobsClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "jobs_claimed_total",
			Help: "Leases won by this process.",
		}),
		leaseContended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "lease_contended_total",
			Help: "Claims lost to another worker.",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "runs_total",
			Help: "Finished job runs by job type and result.",
		}, []string{"type", "result", "code"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "run_duration_seconds",
			Help:    "Action execution time by job type.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"type"}),
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "chunks_total",
			Help: "Outbound chunks offered to the queue, by outcome.",
		}, []string{"outcome"}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "delivered_total",
			Help: "Messages handed to the chat transport.",
		}),
		sendFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "send_failures_total",
			Help: "Failed delivery attempts; final=true when the message was given up.",
		}, []string{"final"}),
		panics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "goroutine_panics_total",
			Help: "Recovered panics in supervised goroutines.",
		}, []string{"name"}),
	}
	if bus != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "dropped_events",
			Help: "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// PanicHook counts supervisor-recovered panics.
func (m *Metrics) PanicHook(name string, _ any) {
	m.panics.WithLabelValues(name).Inc()
}

// Observe folds one bus event into the collectors. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.TickCompleted:
		m.ticks.Inc()
		m.tickDuration.Observe(d.Took.Seconds())
		m.jobsSelected.Add(float64(d.Selected))
		m.jobsClaimed.Add(float64(d.Claimed))
	case eventbus.LeaseContended:
		m.leaseContended.Inc()
	case eventbus.RunFinished:
		result := "success"
		if !d.Success {
			result = "failure"
		}
		m.runs.WithLabelValues(d.JobType, result, d.ErrorCode).Inc()
		m.runDuration.WithLabelValues(d.JobType).Observe(d.Took.Seconds())
	case eventbus.OutboundEnqueued:
		m.enqueued.WithLabelValues("queued").Add(float64(d.QueuedCount))
		m.enqueued.WithLabelValues("duplicate").Add(float64(d.DuplicateCount))
	case eventbus.OutboundDelivered:
		m.delivered.Inc()
	case eventbus.OutboundSendFailed:
		m.sendFailed.WithLabelValues(strconv.FormatBool(d.Final)).Inc()
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	m.log.Debug("metrics consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
