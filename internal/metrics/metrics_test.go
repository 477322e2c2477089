package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	if m.FramesBuilt == nil {
		t.Error("FramesBuilt metric is nil")
	}
	if m.FECBlocksEncoded == nil {
		t.Error("FECBlocksEncoded metric is nil")
	}
	if m.PoolOccupancy == nil {
		t.Error("PoolOccupancy metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestRecordFrameBuiltAndParsed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameBuilt("outbound")
	m.RecordFrameBuilt("outbound")
	m.RecordFrameParsed("inbound")
	m.RecordFrameParseError("decrypt_failed")

	built := testutil.ToFloat64(m.FramesBuilt.WithLabelValues("outbound"))
	if built != 2 {
		t.Errorf("FramesBuilt[outbound] = %v, want 2", built)
	}

	parsed := testutil.ToFloat64(m.FramesParsed.WithLabelValues("inbound"))
	if parsed != 1 {
		t.Errorf("FramesParsed[inbound] = %v, want 1", parsed)
	}

	errs := testutil.ToFloat64(m.FrameParseErrors.WithLabelValues("decrypt_failed"))
	if errs != 1 {
		t.Errorf("FrameParseErrors[decrypt_failed] = %v, want 1", errs)
	}
}

func TestRecordRatchetAndResync(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRatchetRotation()
	m.RecordRatchetRotation()
	m.RecordSequenceHintResync()

	rotations := testutil.ToFloat64(m.RatchetRotations)
	if rotations != 2 {
		t.Errorf("RatchetRotations = %v, want 2", rotations)
	}

	resyncs := testutil.ToFloat64(m.SequenceHintResyncs)
	if resyncs != 1 {
		t.Errorf("SequenceHintResyncs = %v, want 1", resyncs)
	}
}

func TestRecordFECBlockEncoded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFECBlockEncoded(10, 3)
	m.RecordFECBlockEncoded(10, 3)

	blocks := testutil.ToFloat64(m.FECBlocksEncoded)
	if blocks != 2 {
		t.Errorf("FECBlocksEncoded = %v, want 2", blocks)
	}

	dataShards := testutil.ToFloat64(m.FECShardsEmitted.WithLabelValues("data"))
	if dataShards != 20 {
		t.Errorf("FECShardsEmitted[data] = %v, want 20", dataShards)
	}

	parityShards := testutil.ToFloat64(m.FECShardsEmitted.WithLabelValues("parity"))
	if parityShards != 6 {
		t.Errorf("FECShardsEmitted[parity] = %v, want 6", parityShards)
	}
}

func TestRecordFECRecoveredAndFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFECRecovered(0.01)
	m.RecordFECRecovered(0.02)
	m.RecordFECSessionTimeout()
	m.RecordFECShardIntegrityFailure()

	recovered := testutil.ToFloat64(m.FECShardsRecovered)
	if recovered != 2 {
		t.Errorf("FECShardsRecovered = %v, want 2", recovered)
	}

	timedOut := testutil.ToFloat64(m.FECSessionsTimedOut)
	if timedOut != 1 {
		t.Errorf("FECSessionsTimedOut = %v, want 1", timedOut)
	}

	integrityFail := testutil.ToFloat64(m.FECShardIntegrityFail)
	if integrityFail != 1 {
		t.Errorf("FECShardIntegrityFail = %v, want 1", integrityFail)
	}
}

func TestPoolGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetPoolOccupancy(12)
	m.SetPoolSlotsReserved(3)
	m.RecordPoolPreemption()
	m.RecordPoolPreemption()

	occupancy := testutil.ToFloat64(m.PoolOccupancy)
	if occupancy != 12 {
		t.Errorf("PoolOccupancy = %v, want 12", occupancy)
	}

	reserved := testutil.ToFloat64(m.PoolSlotsReserved)
	if reserved != 3 {
		t.Errorf("PoolSlotsReserved = %v, want 3", reserved)
	}

	preemptions := testutil.ToFloat64(m.PoolPreemptions)
	if preemptions != 2 {
		t.Errorf("PoolPreemptions = %v, want 2", preemptions)
	}
}

func TestSchedulerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetSchedulerQueueDepth("urgent", 5)
	m.RecordSchedulerDispatch("urgent", 0.001)
	m.RecordSchedulerDispatch("urgent", 0.002)
	m.RecordSchedulerPromotion()

	depth := testutil.ToFloat64(m.SchedulerQueueDepth.WithLabelValues("urgent"))
	if depth != 5 {
		t.Errorf("SchedulerQueueDepth[urgent] = %v, want 5", depth)
	}

	dispatches := testutil.ToFloat64(m.SchedulerDispatches.WithLabelValues("urgent"))
	if dispatches != 2 {
		t.Errorf("SchedulerDispatches[urgent] = %v, want 2", dispatches)
	}

	promotions := testutil.ToFloat64(m.SchedulerPromotions)
	if promotions != 1 {
		t.Errorf("SchedulerPromotions = %v, want 1", promotions)
	}
}

func TestManagerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetManagerReservationsActive(4)
	m.SetManagerPendingQueueDepth("normal", 7)
	m.RecordManagerReservationDenied()

	active := testutil.ToFloat64(m.ManagerReservationsActive)
	if active != 4 {
		t.Errorf("ManagerReservationsActive = %v, want 4", active)
	}

	depth := testutil.ToFloat64(m.ManagerPendingQueueDepth.WithLabelValues("normal"))
	if depth != 7 {
		t.Errorf("ManagerPendingQueueDepth[normal] = %v, want 7", depth)
	}

	denied := testutil.ToFloat64(m.ManagerReservationDenied)
	if denied != 1 {
		t.Errorf("ManagerReservationDenied = %v, want 1", denied)
	}
}

func TestRecordBytesTransfer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesSent("stream", 1000)
	m.RecordBytesSent("stream", 500)
	m.RecordBytesSent("control", 100)

	m.RecordBytesReceived("stream", 2000)
	m.RecordBytesReceived("control", 50)

	streamSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("stream"))
	if streamSent != 1500 {
		t.Errorf("BytesSent[stream] = %v, want 1500", streamSent)
	}

	controlSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("control"))
	if controlSent != 100 {
		t.Errorf("BytesSent[control] = %v, want 100", controlSent)
	}

	streamRecv := testutil.ToFloat64(m.BytesReceived.WithLabelValues("stream"))
	if streamRecv != 2000 {
		t.Errorf("BytesReceived[stream] = %v, want 2000", streamRecv)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}

	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
