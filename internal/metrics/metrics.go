// Package metrics provides Prometheus metrics for Silent Speaker.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "silentspeaker"
)

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Framing engine metrics
	FramesBuilt       *prometheus.CounterVec
	FramesParsed      *prometheus.CounterVec
	FrameParseErrors  *prometheus.CounterVec
	RatchetRotations  prometheus.Counter
	SequenceHintResyncs prometheus.Counter

	// FEC metrics
	FECBlocksEncoded      prometheus.Counter
	FECShardsEmitted      *prometheus.CounterVec
	FECShardsRecovered    prometheus.Counter
	FECSessionsTimedOut   prometheus.Counter
	FECShardIntegrityFail prometheus.Counter
	FECRecoveryLatency    prometheus.Histogram

	// Stream pool metrics
	PoolOccupancy  prometheus.Gauge
	PoolPreemptions prometheus.Counter
	PoolSlotsReserved prometheus.Gauge

	// Scheduler metrics
	SchedulerQueueDepth   *prometheus.GaugeVec
	SchedulerDispatches   *prometheus.CounterVec
	SchedulerPromotions   prometheus.Counter
	SchedulerTaskWaitTime prometheus.Histogram

	// Stream manager metrics
	ManagerReservationsActive prometheus.Gauge
	ManagerPendingQueueDepth  *prometheus.GaugeVec
	ManagerReservationDenied  prometheus.Counter

	// Transport metrics
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Framing engine metrics
		FramesBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_built_total",
			Help:      "Total dynamic frames built, by stream direction",
		}, []string{"direction"}),
		FramesParsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_parsed_total",
			Help:      "Total dynamic frames parsed, by stream direction",
		}, []string{"direction"}),
		FrameParseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_parse_errors_total",
			Help:      "Total frame parse errors by reason",
		}, []string{"reason"}),
		RatchetRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratchet_rotations_total",
			Help:      "Total double-ratchet key rotations performed",
		}),
		SequenceHintResyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_hint_resyncs_total",
			Help:      "Total times a sequence hint forced keystream resynchronization",
		}),

		// FEC metrics
		FECBlocksEncoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fec_blocks_encoded_total",
			Help:      "Total FEC blocks encoded into data and parity shards",
		}),
		FECShardsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fec_shards_emitted_total",
			Help:      "Total FEC shards emitted by kind",
		}, []string{"kind"}),
		FECShardsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fec_shards_recovered_total",
			Help:      "Total FEC blocks successfully reconstructed from partial shards",
		}),
		FECSessionsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fec_sessions_timed_out_total",
			Help:      "Total FEC reassembly sessions abandoned before enough shards arrived",
		}),
		FECShardIntegrityFail: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fec_shard_integrity_failures_total",
			Help:      "Total FEC shards dropped for an xxhash64 integrity mismatch",
		}),
		FECRecoveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fec_recovery_latency_seconds",
			Help:      "Histogram of time from first shard to successful block reconstruction",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		// Stream pool metrics
		PoolOccupancy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_occupancy",
			Help:      "Number of stream slots currently occupied",
		}),
		PoolPreemptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_preemptions_total",
			Help:      "Total LRU preemptions of low-priority slots",
		}),
		PoolSlotsReserved: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_slots_reserved",
			Help:      "Number of stream slots currently reserved",
		}),

		// Scheduler metrics
		SchedulerQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Current depth of each scheduler priority queue",
		}, []string{"priority"}),
		SchedulerDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_dispatches_total",
			Help:      "Total tasks dispatched by priority",
		}, []string{"priority"}),
		SchedulerPromotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_promotions_total",
			Help:      "Total anti-starvation priority promotions",
		}),
		SchedulerTaskWaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_task_wait_seconds",
			Help:      "Histogram of task queue wait time before dispatch",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		// Stream manager metrics
		ManagerReservationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manager_reservations_active",
			Help:      "Number of stream reservations currently held",
		}),
		ManagerPendingQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manager_pending_queue_depth",
			Help:      "Depth of the pending-message queue by priority",
		}, []string{"priority"}),
		ManagerReservationDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manager_reservation_denied_total",
			Help:      "Total reservation attempts denied because the stream was already reserved",
		}),

		// Transport metrics
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by type",
		}, []string{"type"}),
	}

	return m
}

// RecordFrameBuilt records a dynamic frame being built for the given direction.
func (m *Metrics) RecordFrameBuilt(direction string) {
	m.FramesBuilt.WithLabelValues(direction).Inc()
}

// RecordFrameParsed records a dynamic frame successfully parsed.
func (m *Metrics) RecordFrameParsed(direction string) {
	m.FramesParsed.WithLabelValues(direction).Inc()
}

// RecordFrameParseError records a frame parse failure by reason.
func (m *Metrics) RecordFrameParseError(reason string) {
	m.FrameParseErrors.WithLabelValues(reason).Inc()
}

// RecordRatchetRotation records a double-ratchet key rotation.
func (m *Metrics) RecordRatchetRotation() {
	m.RatchetRotations.Inc()
}

// RecordSequenceHintResync records a sequence-hint-triggered resync.
func (m *Metrics) RecordSequenceHintResync() {
	m.SequenceHintResyncs.Inc()
}

// RecordFECBlockEncoded records a block being split into data and parity shards.
func (m *Metrics) RecordFECBlockEncoded(dataShards, parityShards int) {
	m.FECBlocksEncoded.Inc()
	m.FECShardsEmitted.WithLabelValues("data").Add(float64(dataShards))
	m.FECShardsEmitted.WithLabelValues("parity").Add(float64(parityShards))
}

// RecordFECRecovered records a successful block reconstruction with its latency.
func (m *Metrics) RecordFECRecovered(latencySeconds float64) {
	m.FECShardsRecovered.Inc()
	m.FECRecoveryLatency.Observe(latencySeconds)
}

// RecordFECSessionTimeout records a reassembly session abandoned by timeout.
func (m *Metrics) RecordFECSessionTimeout() {
	m.FECSessionsTimedOut.Inc()
}

// RecordFECShardIntegrityFailure records a shard dropped for a checksum mismatch.
func (m *Metrics) RecordFECShardIntegrityFailure() {
	m.FECShardIntegrityFail.Inc()
}

// SetPoolOccupancy sets the current number of occupied stream slots.
func (m *Metrics) SetPoolOccupancy(count int) {
	m.PoolOccupancy.Set(float64(count))
}

// RecordPoolPreemption records a low-priority slot being preempted.
func (m *Metrics) RecordPoolPreemption() {
	m.PoolPreemptions.Inc()
}

// SetPoolSlotsReserved sets the current number of reserved stream slots.
func (m *Metrics) SetPoolSlotsReserved(count int) {
	m.PoolSlotsReserved.Set(float64(count))
}

// SetSchedulerQueueDepth sets the queue depth for a priority level.
func (m *Metrics) SetSchedulerQueueDepth(priority string, depth int) {
	m.SchedulerQueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordSchedulerDispatch records a task dispatched at the given priority.
func (m *Metrics) RecordSchedulerDispatch(priority string, waitSeconds float64) {
	m.SchedulerDispatches.WithLabelValues(priority).Inc()
	m.SchedulerTaskWaitTime.Observe(waitSeconds)
}

// RecordSchedulerPromotion records an anti-starvation priority boost.
func (m *Metrics) RecordSchedulerPromotion() {
	m.SchedulerPromotions.Inc()
}

// SetManagerReservationsActive sets the current number of held reservations.
func (m *Metrics) SetManagerReservationsActive(count int) {
	m.ManagerReservationsActive.Set(float64(count))
}

// SetManagerPendingQueueDepth sets the pending-message queue depth for a priority.
func (m *Metrics) SetManagerPendingQueueDepth(priority string, depth int) {
	m.ManagerPendingQueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordManagerReservationDenied records a reservation attempt denied because the stream was already reserved.
func (m *Metrics) RecordManagerReservationDenied() {
	m.ManagerReservationDenied.Inc()
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}
