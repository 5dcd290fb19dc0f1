package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/iolink/internal/endpoint"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "iolink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	packages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolink",
			Subsystem: "transport",
			Name:      "packages_total",
			Help:      "Packages written or read by endpoints.",
		},
		[]string{"node", "direction"},
	)
	packageBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolink",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Encoded package bytes written or read by endpoints.",
		},
		[]string{"node", "direction"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolink",
			Subsystem: "transport",
			Name:      "handshakes_total",
			Help:      "Handshake outcomes by error code.",
		},
		[]string{"node", "code"},
	)
	handovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iolink",
			Subsystem: "transport",
			Name:      "handovers_total",
			Help:      "Connections detached from or attached to an endpoint.",
		},
		[]string{"node", "kind"},
	)
	activeEndpoints = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "iolink",
			Subsystem: "registry",
			Name:      "endpoints",
			Help:      "Connected endpoints.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, packages, packageBytes,
			handshakes, handovers, activeEndpoints)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetActiveEndpoints(node string, n int) {
	RegisterMetrics()
	activeEndpoints.WithLabelValues(node).Set(float64(n))
}

// Observer feeds endpoint traffic and lifecycle events into the process
// metrics under one node label.
type Observer struct {
	sentPackages, recvPackages prometheus.Counter
	sentBytes, recvBytes       prometheus.Counter
	detached, attached         prometheus.Counter
	node                       string
}

var _ endpoint.Observer = (*Observer)(nil)

func NewObserver(node string) *Observer {
	RegisterMetrics()
	return &Observer{
		node:         node,
		sentPackages: packages.WithLabelValues(node, "out"),
		recvPackages: packages.WithLabelValues(node, "in"),
		sentBytes:    packageBytes.WithLabelValues(node, "out"),
		recvBytes:    packageBytes.WithLabelValues(node, "in"),
		detached:     handovers.WithLabelValues(node, "detach"),
		attached:     handovers.WithLabelValues(node, "attach"),
	}
}

func (o *Observer) PackageSent(bytes int) {
	o.sentPackages.Inc()
	o.sentBytes.Add(float64(bytes))
}

func (o *Observer) PackageReceived(bytes int) {
	o.recvPackages.Inc()
	o.recvBytes.Add(float64(bytes))
}

func (o *Observer) Handshake(code endpoint.Code) {
	handshakes.WithLabelValues(o.node, code.String()).Inc()
}

func (o *Observer) Detached() {
	o.detached.Inc()
}

func (o *Observer) Attached() {
	o.attached.Inc()
}
