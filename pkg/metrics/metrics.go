package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerMetrics HTTP 与下单结果指标。
type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
	Orders    *prometheus.CounterVec
	OrderMS   prometheus.Histogram
	Issued    prometheus.Counter
}

func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	m := &ServerMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fulfillment",
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Subsystem: service,
			Name:      "orders_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		OrderMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fulfillment",
			Subsystem: service,
			Name:      "order_duration_ms",
			Help:      "Allocation transaction latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		Issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Subsystem: service,
			Name:      "assets_issued_total",
			Help:      "Digital assets withdrawn from pools.",
		}),
	}
	reg.MustRegister(m.Requests, m.LatencyMS, m.Orders, m.OrderMS, m.Issued)
	return m
}

func (m *ServerMetrics) ObserveOrder(outcome string, elapsed time.Duration) {
	m.Orders.WithLabelValues(outcome).Inc()
	m.OrderMS.Observe(float64(elapsed.Milliseconds()))
}

func (m *ServerMetrics) AddIssued(n int) {
	m.Issued.Add(float64(n))
}

// Middleware 按路由模板统计请求数和耗时。
func (m *ServerMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		m.Requests.WithLabelValues(handler, strconv.Itoa(c.Writer.Status())).Inc()
		m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
