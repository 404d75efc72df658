// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bakeoff_http_requests_total",
		Help: "HTTP requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	Transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bakeoff_task_transitions_total",
		Help: "Committed task lifecycle operations.",
	}, []string{"op"})

	RateLimited = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bakeoff_rate_limited_total",
		Help: "Requests rejected by a rate limiter.",
	}, []string{"limiter"})

	Notifications = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bakeoff_notifications_total",
		Help: "Notification deliveries by outcome.",
	}, []string{"result"})

	ResearchRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bakeoff_research_runs_total",
		Help: "Research enrichment runs by final status.",
	}, []string{"status"})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
