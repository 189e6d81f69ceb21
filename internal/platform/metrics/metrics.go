package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinic"

// Payments counts STK push initiations and gateway callbacks by outcome. It
// satisfies payment.Recorder.
type Payments struct {
	initiations *prometheus.CounterVec
	callbacks   *prometheus.CounterVec
}

// NewPayments registers the payment counters with reg.
func NewPayments(reg prometheus.Registerer) *Payments {
	p := &Payments{
		initiations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mpesa",
				Name:      "stk_initiations_total",
				Help:      "STK push initiation attempts by outcome",
			},
			[]string{"outcome"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mpesa",
				Name:      "callbacks_total",
				Help:      "Gateway callbacks processed by outcome",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(p.initiations, p.callbacks)
	return p
}

func (p *Payments) InitiationAttempt(outcome string) {
	p.initiations.WithLabelValues(outcome).Inc()
}

func (p *Payments) CallbackProcessed(outcome string) {
	p.callbacks.WithLabelValues(outcome).Inc()
}

// HTTP records request counts and latency keyed by the matched route, so
// path parameters such as checkout ids do not explode cardinality.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) *HTTP {
	h := &HTTP{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	reg.MustRegister(h.requests, h.duration)
	return h
}

// Middleware observes every request that reaches a route.
func (h *HTTP) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			h.requests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			h.duration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
