package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaulttrader"

var (
	registry = prometheus.NewRegistry()

	ticksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Ticks finished by the trading loop, by outcome.",
	}, []string{"status"})

	tickSkipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tick_skips_total",
		Help:      "Ticks that were due but did not run, by reason.",
	}, []string{"reason"})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Wall time of a tick from buy submission to sell confirmation.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	legsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "legs_total",
		Help:      "Swap legs by side and outcome.",
	}, []string{"side", "status"})

	confirmSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "confirm_seconds",
		Help:      "Time spent waiting for a leg confirmation.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"side"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ticksTotal,
		tickSkipsTotal,
		tickDuration,
		legsTotal,
		confirmSeconds,
		httpRequests,
		httpDuration,
	)
}

// Registry 返回进程内指标注册表，便于测试读取。
func Registry() *prometheus.Registry { return registry }

// ObserveTick 记录一次完成的触发及其耗时。
func ObserveTick(status string, duration time.Duration) {
	ticksTotal.WithLabelValues(status).Inc()
	tickDuration.Observe(duration.Seconds())
}

// ObserveSkip 记录一次被跳过的触发，reason 取 overlap、coalesced 或 lock_held 等。
func ObserveSkip(reason string) {
	tickSkipsTotal.WithLabelValues(reason).Inc()
}

// ObserveLeg 记录单腿结果；confirm 为零时不计入确认耗时。
func ObserveLeg(side, status string, confirm time.Duration) {
	legsTotal.WithLabelValues(side, status).Inc()
	if confirm > 0 {
		confirmSeconds.WithLabelValues(side).Observe(confirm.Seconds())
	}
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
