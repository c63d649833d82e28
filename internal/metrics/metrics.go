// Package metrics 把抓取、投递与调度的计数暴露为 Prometheus 指标。
//
// 标签只取固定的小集合（outcome、result、stage），不带订阅者或 URL，
// 以控制基数。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rentradar"

// Metrics 持有全部采集器，同时满足 crawler、notifier、scheduler 的 Recorder 接口。
type Metrics struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	jobsRunning  prometheus.Gauge
	pageFetches  *prometheus.CounterVec
	listings     *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
}

// New 创建独立 registry 并注册采集器，附带 Go 运行时与进程指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Subscription ticks by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of a full subscription tick.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Subscriber jobs currently registered.",
		}),
		pageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_fetches_total",
			Help:      "Search page fetches by result.",
		}, []string{"result"}),
		listings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_total",
			Help:      "Listing detail pages by pipeline stage.",
		}, []string{"stage"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Listing deliveries by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.ticks, m.tickDuration, m.jobsRunning, m.pageFetches, m.listings, m.deliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Tick 记录一次 tick。
func (m *Metrics) Tick(outcome string, elapsed time.Duration) {
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(elapsed.Seconds())
}

// JobsRunning 设置运行中任务数。
func (m *Metrics) JobsRunning(n int) { m.jobsRunning.Set(float64(n)) }

// PageFetch 记录一次搜索页抓取。
func (m *Metrics) PageFetch(result string) { m.pageFetches.WithLabelValues(result).Inc() }

// Listing 记录详情页在流水线中的去向。
func (m *Metrics) Listing(stage string) { m.listings.WithLabelValues(stage).Inc() }

// Delivery 记录一次投递。
func (m *Metrics) Delivery(result string) { m.deliveries.WithLabelValues(result).Inc() }
