package core

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hkevin01/wifi-radar/internal/pipeline"
)

const metricsNamespace = "wifipose"

// Metrics holds the Prometheus metrics for one service instance.
// Counters are read from pipeline and queue stats at scrape time.
type Metrics struct {
	registry *prometheus.Registry

	FrameLatency  prometheus.Histogram
	SinkPublishes *prometheus.CounterVec
	SinkErrors    *prometheus.CounterVec
	LiveClients   prometheus.Gauge
}

// NewMetrics registers every metric on a private registry. stats is called
// on each scrape.
func NewMetrics(instanceID string, stats func() pipeline.Stats) *Metrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"instance_id": instanceID}

	counter := func(name, help string, get func(pipeline.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(get(stats())) })
	}
	gauge := func(name, help string, get func(pipeline.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return get(stats()) })
	}

	m := &Metrics{
		registry: registry,
		FrameLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "frame_latency_seconds",
			Help:        "Time to run one frame through all pipeline stages",
			ConstLabels: labels,
			Buckets:     []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		SinkPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "sink_publishes_total",
			Help:        "Snapshots delivered by presentation sinks",
			ConstLabels: labels,
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "sink_errors_total",
			Help:        "Presentation sink failures, including recovered panics",
			ConstLabels: labels,
		}, []string{"sink"}),
		LiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "live_clients",
			Help:        "Connected websocket clients",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		m.FrameLatency,
		m.SinkPublishes,
		m.SinkErrors,
		m.LiveClients,
		counter("frames_processed_total", "Frames that completed every stage",
			func(s pipeline.Stats) uint64 { return s.FramesProcessed }),
		counter("persons_detected_total", "Frames that produced an accepted person",
			func(s pipeline.Stats) uint64 { return s.PersonsDetected }),
		counter("frames_degraded_total", "Frames conditioned with a fallback output",
			func(s pipeline.Stats) uint64 { return s.Degraded }),
		counter("frames_skipped_total", "Frames consumed while inference was paused",
			func(s pipeline.Stats) uint64 { return s.Skipped }),
		counter("gap_resets_total", "Temporal memory resets caused by sensor gaps",
			func(s pipeline.Stats) uint64 { return s.GapResets }),
		counter("queue_pushed_total", "Frames accepted by the ingestion queue",
			func(s pipeline.Stats) uint64 { return s.Queue.Pushed }),
		counter("queue_dropped_total", "Incoming frames rejected by a full queue",
			func(s pipeline.Stats) uint64 { return s.Queue.Dropped }),
		counter("queue_evicted_total", "Queued frames evicted to admit newer ones",
			func(s pipeline.Stats) uint64 { return s.Queue.Evicted }),
		counter("queue_rejected_total", "Frames refused for shape mismatch",
			func(s pipeline.Stats) uint64 { return s.Queue.Rejected }),
		gauge("queue_depth", "Frames waiting in the ingestion queue",
			func(s pipeline.Stats) float64 { return float64(s.Queue.Depth) }),
		gauge("inference_paused", "1 while inference is paused",
			func(s pipeline.Stats) float64 {
				if s.Paused {
					return 1
				}
				return 0
			}),
		gauge("gap_threshold_seconds", "Sensor gap that resets temporal memory, 0 when disabled",
			func(s pipeline.Stats) float64 { return s.GapThreshold.Seconds() }),
	)

	registry.MustRegister(&stageDropCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "frames_dropped_total"),
			"Frames dropped by a pipeline stage",
			[]string{"stage"},
			labels,
		),
		stats: stats,
	})

	return m
}

// ObserveLatency records one frame's processing time
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.FrameLatency.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// stageDropCollector exposes per-stage drop counters read from stats
type stageDropCollector struct {
	desc  *prometheus.Desc
	stats func() pipeline.Stats
}

func (c *stageDropCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *stageDropCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for stage, v := range map[string]uint64{
		pipeline.StageCondition: s.DroppedCondition,
		pipeline.StageExtract:   s.DroppedExtract,
		pipeline.StageEstimate:  s.DroppedEstimate,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(v), stage)
	}
}
