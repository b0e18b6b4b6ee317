package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the prometheus-backed pipeline observer. Each instance owns its registry so tests and multiple
// ingesters in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	blocksProcessed     prometheus.Counter
	transactionsStored  prometheus.Counter
	subscriptionErrors  prometheus.Counter
	blockErrors         prometheus.Counter
	savingErrors        prometheus.Counter
	savingSeconds       prometheus.Histogram
	startPositionErrors prometheus.Counter
	lastCheckpoint      prometheus.Gauge
	chainHead           prometheus.Gauge
	startTime           time.Time
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		blocksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "evm_blocks_processed_total",
			Help: "Blocks converted and persisted",
		}),
		transactionsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "evm_transactions_processed_total",
			Help: "Transactions handed to the sink in successful batches",
		}),
		subscriptionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "evm_block_subscription_errors_total",
			Help: "Block streams that ended with a transport error",
		}),
		blockErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "evm_block_processing_errors_total",
			Help: "Blocks that failed conversion or persistence",
		}),
		savingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "evm_transaction_saving_errors_total",
			Help: "Failed transaction batch or checkpoint writes",
		}),
		savingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "evm_transaction_saving_seconds",
			Help:    "Transaction batch write latency",
			Buckets: prometheus.DefBuckets,
		}),
		startPositionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "evm_start_position_errors_total",
			Help: "Failed chain head lookups while resolving the start position",
		}),
		lastCheckpoint: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evm_last_checkpoint",
			Help: "Last block height written as checkpoint",
		}),
		chainHead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evm_chain_head",
			Help: "Latest chain head height seen by the feed",
		}),
		startTime: time.Now(),
	}
}

func (m *Metrics) OnBlockProcessed(uint64) {
	m.blocksProcessed.Inc()
}

func (m *Metrics) OnTransactionsPersisted(count int) {
	m.transactionsStored.Add(float64(count))
}

func (m *Metrics) OnSubscriptionError() {
	m.subscriptionErrors.Inc()
}

func (m *Metrics) OnBlockProcessingError() {
	m.blockErrors.Inc()
}

func (m *Metrics) OnPersistenceError() {
	m.savingErrors.Inc()
}

func (m *Metrics) ObservePersistDuration(d time.Duration) {
	m.savingSeconds.Observe(d.Seconds())
}

func (m *Metrics) OnStartPositionError() {
	m.startPositionErrors.Inc()
}

func (m *Metrics) OnCheckpoint(position uint64) {
	m.lastCheckpoint.Set(float64(position))
}

func (m *Metrics) OnChainHead(height uint64) {
	m.chainHead.Set(float64(height))
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
