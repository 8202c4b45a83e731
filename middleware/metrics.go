package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	donationsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donations_created_total",
			Help: "Total number of donation lines created at checkout",
		},
		[]string{"provider"},
	)

	reconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reconciliations_total",
			Help: "Total number of provider payment callbacks reconciled",
		},
		[]string{"provider", "outcome"},
	)

	refundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refunds_total",
			Help: "Total number of refund operations by outcome",
		},
		[]string{"outcome"},
	)

	capacityRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capacity_rejections_total",
			Help: "Total number of reservations rejected for insufficient capacity",
		},
		[]string{"kind"},
	)

	notificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications dispatched",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(donationsCreatedTotal)
	prometheus.MustRegister(reconciliationsTotal)
	prometheus.MustRegister(refundsTotal)
	prometheus.MustRegister(capacityRejectionsTotal)
	prometheus.MustRegister(notificationsSentTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordDonationCreated(provider string) {
	donationsCreatedTotal.WithLabelValues(provider).Inc()
}

func RecordReconciliation(provider, outcome string) {
	reconciliationsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordRefund(outcome string) {
	refundsTotal.WithLabelValues(outcome).Inc()
}

func RecordCapacityRejection(kind string) {
	capacityRejectionsTotal.WithLabelValues(kind).Inc()
}

func RecordNotificationSent(eventType string) {
	notificationsSentTotal.WithLabelValues(eventType).Inc()
}
