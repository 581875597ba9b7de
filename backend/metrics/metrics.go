// Package metrics exposes pipeline counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons a tick produced no tile.
const (
	DropNoPeers      = "no_peers"
	DropNotReady     = "not_ready"
	DropBusy         = "busy"
	DropBackpressure = "backpressure"
	DropEncodeFailed = "encode_failed"
	DropInFlight     = "in_flight"
)

// EncodeStats is sampled on every scrape.
type EncodeStats interface {
	Pending() int
	Busy() int
	Workers() int
}

type Recorder struct {
	registry      *prometheus.Registry
	encodeMs      prometheus.Histogram
	framesSent    prometheus.Counter
	framesDrop    *prometheus.CounterVec
	bufferedMax   prometheus.Gauge
	sessions      prometheus.Gauge
	encodePending prometheus.GaugeFunc
	encodeBusy    prometheus.GaugeFunc
	encodeWorkers prometheus.GaugeFunc
}

// New builds a recorder on a private registry. Encode pool gauges are
// registered only when stats is not nil.
func New(stats EncodeStats) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		encodeMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "frame_encode_ms",
			Help:    "Time to encode one tile, in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_sent_total",
			Help: "Tiles handed to the data channel fan-out.",
		}),
		framesDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frames_dropped_total",
			Help: "Ticks that produced no tile, by reason.",
		}, []string{"reason"}),
		bufferedMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datachannel_buffered_max",
			Help: "Largest data channel backlog seen on the last broadcast, in bytes.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewer_sessions",
			Help: "Connected signaling sessions.",
		}),
	}
	r.registry.MustRegister(
		r.encodeMs,
		r.framesSent,
		r.framesDrop,
		r.bufferedMax,
		r.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if stats != nil {
		r.encodePending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "encode_queue_pending",
			Help: "Jobs waiting for an encode worker.",
		}, func() float64 { return float64(stats.Pending()) })
		r.encodeBusy = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "encode_workers_busy",
			Help: "Encode workers currently processing a tile.",
		}, func() float64 { return float64(stats.Busy()) })
		r.encodeWorkers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "encode_workers",
			Help: "Size of the encode worker pool.",
		}, func() float64 { return float64(stats.Workers()) })
		r.registry.MustRegister(r.encodePending, r.encodeBusy, r.encodeWorkers)
	}
	return r
}

func (r *Recorder) ObserveEncode(d time.Duration) {
	r.encodeMs.Observe(float64(d.Microseconds()) / 1000)
}

func (r *Recorder) FrameSent() {
	r.framesSent.Inc()
}

func (r *Recorder) FrameDropped(reason string) {
	r.framesDrop.WithLabelValues(reason).Inc()
}

func (r *Recorder) SetBufferedMax(n uint64) {
	r.bufferedMax.Set(float64(n))
}

func (r *Recorder) SetSessions(n int) {
	r.sessions.Set(float64(n))
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
