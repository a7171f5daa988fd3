package node

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "node"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers, labelled by connection state.
	Peers metrics.Gauge
	// Number of messages received, labelled by message type.
	MessagesReceived metrics.Counter
	// Number of messages sent, labelled by message type.
	MessagesSent metrics.Counter
	// Number of peers we disconnected, labelled by whether an error caused it.
	Disconnects metrics.Counter
	// Sync block ids known but not yet fetched.
	SyncItemsRemaining metrics.Gauge
	// Blocks handed to the chain and not yet answered.
	BlocksInFlight metrics.Gauge
	// Length of the live fetch queue.
	FetchQueueSize metrics.Gauge
	// Messages held in the block and transaction caches.
	MessageCacheSize metrics.Gauge
	// Blocks accepted by the chain, labelled by sync mode.
	BlocksAccepted metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of peers.",
		}, append(labels, "state")).With(labelsAndValues...),
		MessagesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received",
			Help:      "Number of messages received from peers.",
		}, append(labels, "message_type")).With(labelsAndValues...),
		MessagesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_sent",
			Help:      "Number of messages queued to peers.",
		}, append(labels, "message_type")).With(labelsAndValues...),
		Disconnects: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "disconnects",
			Help:      "Number of peers disconnected by this node.",
		}, append(labels, "error")).With(labelsAndValues...),
		SyncItemsRemaining: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sync_items_remaining",
			Help:      "Number of sync blocks left to fetch.",
		}, labels).With(labelsAndValues...),
		BlocksInFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_in_flight",
			Help:      "Number of blocks being processed by the chain.",
		}, labels).With(labelsAndValues...),
		FetchQueueSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fetch_queue_size",
			Help:      "Number of advertised items waiting to be fetched.",
		}, labels).With(labelsAndValues...),
		MessageCacheSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "message_cache_size",
			Help:      "Number of messages held for serving peers.",
		}, append(labels, "item_type")).With(labelsAndValues...),
		BlocksAccepted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_accepted",
			Help:      "Number of blocks accepted by the chain.",
		}, append(labels, "sync")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:              discard.NewGauge(),
		MessagesReceived:   discard.NewCounter(),
		MessagesSent:       discard.NewCounter(),
		Disconnects:        discard.NewCounter(),
		SyncItemsRemaining: discard.NewGauge(),
		BlocksInFlight:     discard.NewGauge(),
		FetchQueueSize:     discard.NewGauge(),
		MessageCacheSize:   discard.NewGauge(),
		BlocksAccepted:     discard.NewCounter(),
	}
}
