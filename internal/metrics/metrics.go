// Package metrics exposes the console's prometheus metrics. Each Collector
// owns its registry so several can coexist in one process.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"vpn-console/internal/model"
)

const namespace = "vpn_console"

type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeStreams       prometheus.Gauge

	ledgerAdjustments     *prometheus.CounterVec
	withdrawalTransitions *prometheus.CounterVec
	presenceAccounts      *prometheus.GaugeVec
	snapshotFailures      prometheus.Counter
}

func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	c.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	c.activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Open websocket change streams",
	})

	c.ledgerAdjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_adjustments_total",
		Help:      "Ledger mutations by ledger and result",
	}, []string{"ledger", "result"})

	c.withdrawalTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawal_transitions_total",
		Help:      "Withdrawal create/approve/reject attempts by result",
	}, []string{"action", "result"})

	c.presenceAccounts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "presence_accounts",
		Help:      "Accounts per effective status",
	}, []string{"status"})

	c.snapshotFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_failures_total",
		Help:      "State file snapshots that could not be written",
	})

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.activeStreams,
		c.ledgerAdjustments,
		c.withdrawalTransitions,
		c.presenceAccounts,
		c.snapshotFailures,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) LedgerAdjustment(ledger model.Ledger, result string) {
	c.ledgerAdjustments.WithLabelValues(string(ledger), result).Inc()
}

func (c *Collector) WithdrawalTransition(action, result string) {
	c.withdrawalTransitions.WithLabelValues(action, result).Inc()
}

func (c *Collector) SetPresence(status model.AccountStatus, count int) {
	c.presenceAccounts.WithLabelValues(string(status)).Set(float64(count))
}

func (c *Collector) SnapshotFailed(error) { c.snapshotFailures.Inc() }

func (c *Collector) StreamOpened() { c.activeStreams.Inc() }
func (c *Collector) StreamClosed() { c.activeStreams.Dec() }

// Middleware records request count and latency per route template.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		method := ctx.Request.Method
		c.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

func (c *Collector) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return func(ctx *gin.Context) {
		h.ServeHTTP(ctx.Writer, ctx.Request)
	}
}
