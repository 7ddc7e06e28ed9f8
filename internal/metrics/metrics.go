// Package metrics exposes the S3TP engine's Prometheus instrumentation:
// packet counters, drop reasons, and queue depth/window gauges. It follows
// the promauto-at-construction style rather than a custom
// prometheus.Collector, since these are scalar counters/gauges rather than
// a dynamic per-connection set.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DropReason labels why an outbound or inbound packet was not delivered.
type DropReason string

const (
	DropQueueFull       DropReason = "queue_full"
	DropChannelBroken   DropReason = "channel_broken"
	DropMaxMessageSize  DropReason = "max_message_size"
	DropLinkUnavailable DropReason = "link_unavailable"
	DropWindowFull      DropReason = "window_full"
	DropCRC             DropReason = "crc_mismatch"
)

// Recorder is the registry of S3TP engine metrics. A nil *Recorder is safe
// to call methods on (every method no-ops), so callers that don't care
// about metrics can pass one around without a nil check at every site.
type Recorder struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	retransmitted   prometheus.Counter
	resets          prometheus.Counter
	queueDepth      *prometheus.GaugeVec
	portsConnected  prometheus.Gauge
}

// NewRecorder constructs and registers a Recorder against reg. Pass
// prometheus.DefaultRegisterer to wire it into the process-wide registry
// served by promhttp.Handler.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s3tp",
			Name:      "packets_sent_total",
			Help:      "S3TP packets handed to the link layer, by channel.",
		}, []string{"channel"}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "s3tp",
			Name:      "packets_received_total",
			Help:      "S3TP frames accepted from the link layer.",
		}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s3tp",
			Name:      "packets_dropped_total",
			Help:      "S3TP packets dropped before reaching the wire or the application, by reason.",
		}, []string{"reason"}),
		retransmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "s3tp",
			Name:      "packets_retransmitted_total",
			Help:      "ARQ packets resent after an ack-wait timeout.",
		}),
		resets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "s3tp",
			Name:      "reset_handshakes_total",
			Help:      "Reset handshakes initiated or completed.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "s3tp",
			Name:      "tx_queue_depth",
			Help:      "Current depth of the tx control/port queues, by queue name.",
		}, []string{"queue"}),
		portsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "s3tp",
			Name:      "ports_connected",
			Help:      "Number of application ports currently connected.",
		}),
	}
}

func (r *Recorder) IncPacketsSent(channel uint8) {
	if r == nil {
		return
	}
	r.packetsSent.WithLabelValues(channelLabel(channel)).Inc()
}

func (r *Recorder) IncPacketsReceived() {
	if r == nil {
		return
	}
	r.packetsReceived.Inc()
}

func (r *Recorder) IncPacketsDropped(reason DropReason) {
	if r == nil {
		return
	}
	r.packetsDropped.WithLabelValues(string(reason)).Inc()
}

func (r *Recorder) IncRetransmitted() {
	if r == nil {
		return
	}
	r.retransmitted.Inc()
}

func (r *Recorder) IncReset() {
	if r == nil {
		return
	}
	r.resets.Inc()
}

func (r *Recorder) SetQueueDepth(queue string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (r *Recorder) SetPortsConnected(n int) {
	if r == nil {
		return
	}
	r.portsConnected.Set(float64(n))
}

func channelLabel(channel uint8) string {
	return strconv.Itoa(int(channel))
}
