package main

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	releaseReasonExpired       = "expired"
	releaseReasonCancelled     = "cancelled"
	releaseReasonContributed   = "contributed"
	releaseReasonPersistFailed = "persist_failed"
	releaseReasonReportDeleted = "report_deleted"

	resolutionOutcomeContributed = "contributed"
	resolutionOutcomeSubmitted   = "submitted_new"
	resolutionOutcomeCancelled   = "cancelled"
	resolutionOutcomeExpired     = "expired"
)

var (
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dumpwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dumpwatch",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	submissionResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dumpwatch",
			Name:      "submission_resolutions_total",
			Help:      "Pending submissions leaving the awaiting state, by outcome",
		},
		[]string{"outcome"},
	)

	releasedImagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dumpwatch",
			Name:      "released_images_total",
			Help:      "Uploaded images deleted because no report references them",
		},
		[]string{"reason"},
	)

	remindersSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dumpwatch",
			Name:      "municipality_emails_total",
			Help:      "Municipality outreach emails, by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(submissionResolutionsTotal)
	prometheus.MustRegister(releasedImagesTotal)
	prometheus.MustRegister(remindersSentTotal)
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

func metricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
