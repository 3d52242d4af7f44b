package orchestrate

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics with bounded cardinality: no per-demo or per-client labels.
var (
	parseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "demo_parse_duration_seconds",
		Help:    "Time spent in one incremental demo parse",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	snapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demo_snapshots_total",
		Help: "Snapshots produced by the poll loop",
	})

	pollIntervalGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "demo_poll_interval_seconds",
		Help: "Current adaptive poll interval",
	})

	liveLagGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "demo_live_lag_seconds",
		Help: "Seconds between now and the demo file's mtime",
	})

	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_clients_connected",
		Help: "Currently connected subscribers",
	})

	compressionGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_compression_percent",
		Help: "Rolling binary-vs-text frame size ratio",
	})

	commandsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_commands_total",
		Help: "Inbound subscriber commands dispatched",
	})
)

// sampleRingCap bounds the rolling sample windows.
const sampleRingCap = 100

// sampleRing is a fixed-capacity ring of float64 samples.
type sampleRing struct {
	buf  [sampleRingCap]float64
	n    int
	next int
}

func (r *sampleRing) add(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % sampleRingCap
	if r.n < sampleRingCap {
		r.n++
	}
}

func (r *sampleRing) avg() float64 {
	if r.n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < r.n; i++ {
		sum += r.buf[i]
	}
	return sum / float64(r.n)
}

func (r *sampleRing) last() float64 {
	if r.n == 0 {
		return 0
	}
	return r.buf[(r.next-1+sampleRingCap)%sampleRingCap]
}

// metricsState aggregates the rolling operational numbers the status
// surfaces report, alongside the Prometheus instruments above.
type metricsState struct {
	mu           sync.Mutex
	parseMs      sampleRing
	clientCounts sampleRing
	binaryBytes  float64
	textBytes    float64
}

func (m *metricsState) recordParse(ms float64) {
	parseDuration.Observe(ms / 1000)
	snapshotsTotal.Inc()
	m.mu.Lock()
	m.parseMs.add(ms)
	m.mu.Unlock()
}

func (m *metricsState) recordClients(n int) {
	clientsGauge.Set(float64(n))
	m.mu.Lock()
	m.clientCounts.add(float64(n))
	m.mu.Unlock()
}

func (m *metricsState) recordEncoding(binaryLen, textLen int) {
	m.mu.Lock()
	m.binaryBytes += float64(binaryLen)
	m.textBytes += float64(textLen)
	ratio := 0.0
	if m.textBytes > 0 {
		ratio = m.binaryBytes / m.textBytes * 100
	}
	m.mu.Unlock()
	compressionGauge.Set(ratio)
}

func (m *metricsState) compressionPercent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.textBytes == 0 {
		return 0
	}
	return m.binaryBytes / m.textBytes * 100
}

// MetricsReport is the aggregate snapshot exposed to status surfaces.
type MetricsReport struct {
	UptimeSeconds      float64
	ConnectedClients   int
	AvgParseMs         float64
	LastParseMs        float64
	CompressionPercent float64
	LastTick           int64
	LastMap            string
	ExecutorMode       string
	PollInterval       float64
	UpdateCount        int64
	CommandCount       int64
}
