package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reqshield/internal/model"
)

type Collectors struct {
	registry *prometheus.Registry

	Decisions       *prometheus.CounterVec
	RuleMatches     *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	StoreErrors     prometheus.Counter
	FailOpen        prometheus.Counter
	InspectDuration prometheus.Histogram
	RequestsPerSec  prometheus.Gauge
	UniqueClients   prometheus.Gauge
	SuspiciousRatio prometheus.Gauge
}

func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collectors{
		registry: reg,
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqshield_decisions_total",
			Help: "Request decisions by action and reason.",
		}, []string{"action", "reason"}),
		RuleMatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqshield_rule_matches_total",
			Help: "Rule matches by rule id and severity.",
		}, []string{"rule_id", "severity"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqshield_client_transitions_total",
			Help: "Client state transitions by target status and source.",
		}, []string{"status", "source"}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "reqshield_store_errors_total",
			Help: "Store calls that failed in the request path.",
		}),
		FailOpen: f.NewCounter(prometheus.CounterOpts{
			Name: "reqshield_fail_open_total",
			Help: "Requests allowed because inspection failed.",
		}),
		InspectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reqshield_inspect_duration_seconds",
			Help:    "Time spent deciding on a request.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		RequestsPerSec: f.NewGauge(prometheus.GaugeOpts{
			Name: "reqshield_requests_per_second",
			Help: "Request rate over the analyzer window.",
		}),
		UniqueClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "reqshield_unique_clients",
			Help: "Distinct clients seen in the analyzer window.",
		}),
		SuspiciousRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "reqshield_suspicious_ratio",
			Help: "Share of suspicious requests in the analyzer window.",
		}),
	}
}

func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) ObserveTraffic(s model.TrafficSnapshot) {
	c.RequestsPerSec.Set(s.RequestsPerSecond)
	c.UniqueClients.Set(float64(s.UniqueClients))
	c.SuspiciousRatio.Set(s.SuspiciousRatio)
}
