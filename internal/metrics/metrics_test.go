package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestRecorderNilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.IncPacketsSent(1)
		r.IncPacketsReceived()
		r.IncPacketsDropped(DropQueueFull)
		r.IncRetransmitted()
		r.IncReset()
		r.SetQueueDepth("port-1", 3)
		r.SetPortsConnected(2)
	})
}

func TestRecorderCountsPacketsSentByChannel(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.IncPacketsSent(1)
	r.IncPacketsSent(1)
	r.IncPacketsSent(2)

	metrics := gatherValue(t, reg, "s3tp_packets_sent_total")
	total := 0.0
	for _, m := range metrics {
		total += m.GetCounter().GetValue()
	}
	assert.Equal(t, 3.0, total)
}

func TestRecorderTracksQueueDepthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.SetQueueDepth("port-4", 7)
	metrics := gatherValue(t, reg, "s3tp_tx_queue_depth")
	require.Len(t, metrics, 1)
	assert.Equal(t, 7.0, metrics[0].GetGauge().GetValue())

	r.SetQueueDepth("port-4", 2)
	metrics = gatherValue(t, reg, "s3tp_tx_queue_depth")
	assert.Equal(t, 2.0, metrics[0].GetGauge().GetValue())
}

func TestRecorderDropReasonLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.IncPacketsDropped(DropQueueFull)
	r.IncPacketsDropped(DropWindowFull)

	metrics := gatherValue(t, reg, "s3tp_packets_dropped_total")
	assert.Len(t, metrics, 2)
}
