package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/marmos91/dittoudp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterAndRecord(t *testing.T) {
	metrics.InitRegistry()
	reg := metrics.GetRegistry()
	require.NotNil(t, reg)

	udp := NewUDPMetrics()
	udp.RecordDatagram(12)
	udp.RecordDatagram(8)
	udp.RecordRejected("new")
	udp.RecordOutcome("closed", time.Millisecond)
	udp.RecordStage("ping", time.Millisecond, errors.New("boom"))
	udp.RecordReadError("ETIMEDOUT")
	udp.RecordReply(4)

	workers := NewWorkerMetrics()
	workers.RecordSubmitted("new")
	workers.RecordProcessed("new", time.Millisecond)
	workers.SetQueueDepth("new", 3)

	store := NewStoreMetrics("kv", "memory")
	store.RecordOperation("get", time.Millisecond, nil)
	store.RecordBytes("put", 5)

	gauge := NewSocketGauge()
	require.NotNil(t, gauge)
	gauge.UpdateCount(7)

	count, err := testutil.GatherAndCount(reg,
		"dittoudp_datagrams_received_total",
		"dittoudp_datagrams_rejected_total",
		"dittoudp_stage_errors_total",
		"dittoudp_worker_queue_depth",
		"dittoudp_kv_operations_total",
		"dittoudp_open_socket_handles",
	)
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		switch mf.GetName() {
		case "dittoudp_datagrams_received_total":
			assert.Equal(t, float64(2), mf.GetMetric()[0].GetCounter().GetValue())
		case "dittoudp_open_socket_handles":
			assert.Equal(t, float64(7), mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
}

func TestInitRegistry_RuntimeCollectors(t *testing.T) {
	metrics.InitRegistry()
	reg := metrics.GetRegistry()
	require.NotNil(t, reg)

	metrics.InitRegistry()
	assert.Same(t, reg, metrics.GetRegistry(), "later calls keep the first registry")
	assert.True(t, metrics.IsEnabled())

	count, err := testutil.GatherAndCount(reg, "go_goroutines")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
