// Package metrics exports node metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "redis_node"

// Prometheus records node metrics in Prometheus collectors. It satisfies
// the metrics interfaces of the node, the engine, the server and the
// replication package.
type Prometheus struct {
	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	errors           *prometheus.CounterVec
	syncDuration     prometheus.Histogram
	networkBytes     prometheus.Counter
	reconnections    prometheus.Counter
	keys             prometheus.Gauge
	connections      prometheus.Counter
	connectedClients prometheus.Gauge
}

// NewPrometheus creates the collectors and registers them with reg
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed, by command name.",
		}, []string{"cmd"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution latency, by command name.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"cmd"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors, by type.",
		}, []string{"type"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of full synchronizations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		networkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_bytes_total",
			Help:      "Bytes of snapshots and command stream sent or received.",
		}),
		reconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnections_total",
			Help:      "Reconnections to the master.",
		}),
		keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys",
			Help:      "Keys in the keyspace.",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_received_total",
			Help:      "Client connections accepted.",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Client connections currently open.",
		}),
	}

	collectors := []prometheus.Collector{
		p.commands, p.commandDuration, p.errors, p.syncDuration,
		p.networkBytes, p.reconnections, p.keys, p.connections, p.connectedClients,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Handler serves the metrics gathered by g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (p *Prometheus) RecordCommandProcessed(cmd string, duration time.Duration) {
	p.commands.WithLabelValues(cmd).Inc()
	p.commandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (p *Prometheus) RecordError(errorType string) {
	p.errors.WithLabelValues(errorType).Inc()
}

func (p *Prometheus) RecordSyncDuration(duration time.Duration) {
	p.syncDuration.Observe(duration.Seconds())
}

func (p *Prometheus) RecordNetworkBytes(bytes int64) {
	p.networkBytes.Add(float64(bytes))
}

func (p *Prometheus) RecordReconnection() {
	p.reconnections.Inc()
}

func (p *Prometheus) RecordKeyCount(count int64) {
	p.keys.Set(float64(count))
}

func (p *Prometheus) RecordConnection() {
	p.connections.Inc()
	p.connectedClients.Inc()
}

func (p *Prometheus) RecordDisconnection() {
	p.connectedClients.Dec()
}
