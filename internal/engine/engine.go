// Package engine implements the S3TP orchestrator (spec.md §4.6): it owns
// the rx and tx pipelines and the connection state machine, runs the tx
// worker and assembly worker goroutines under a dgroup.Group, and mediates
// between the link layer and the application layer.
package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/twittidai/s3tp/internal/metrics"
	"github.com/twittidai/s3tp/internal/rx"
	"github.com/twittidai/s3tp/internal/statemachine"
	"github.com/twittidai/s3tp/internal/tx"
	"github.com/twittidai/s3tp/internal/wire"
)

// Code mirrors pkg/s3tp.Code's values without importing that package,
// avoiding the import cycle pkg/s3tp -> engine -> pkg/s3tp. pkg/s3tp.Engine
// wraps Code back into s3tp.Code at the public boundary.
type Code int

const (
	Success Code = iota
	LinkUnavailable
	QueueFull
	ChannelBroken
	MaxMessageSize
	InternalError
	PortClosed
)

// LinkSender is the narrow capability the engine needs from the link driver
// to hand outbound frames off; internal/tx depends on the same shape.
type LinkSender interface {
	SendFrame(ctx context.Context, channel uint8, frame []byte) bool
}

// ApplicationCallback is the narrow capability the engine delivers
// connection lifecycle and inbound messages to, one per open port.
type ApplicationCallback interface {
	OnConnected(ctx context.Context, port uint8)
	OnDisconnected(ctx context.Context, port uint8)
	OnMessage(ctx context.Context, port uint8, data []byte)
	// OnAvailable fires when port may retry a send that previously failed
	// with QueueFull, ChannelBroken, or LinkUnavailable (spec.md §6's
	// sendControlMessage({AVAILABLE, error}); spec.md §4.4,
	// onOutputQueueAvailable; spec.md §7 category 2, "retries on AVAILABLE
	// notification"). Ports the original S3TP.cpp's three AVAILABLE paths:
	// notifyAvailabilityToClients (link up, every port), onChannelStatusChanged
	// (one channel's blacklist clears, every port on that channel), and
	// onOutputQueueAvailable (one port's own queue drains, that port only).
	OnAvailable(ctx context.Context, port uint8)
}

// Config is the subset of pkg/s3tp.Config the engine needs, passed in as
// plain values so this package never imports pkg/s3tp.
type Config struct {
	LenS3TPPDU    int
	MaxPDULength  int
	AckWaitMillis int64
	MaxRetransmit int
	Window        int
	MaxQueueSize  int
}

// Engine is the S3TP transport engine (spec.md §4.6).
type Engine struct {
	cfg Config

	rx *rx.Rx
	tx *tx.Tx
	sm *statemachine.StateMachine

	link LinkSender
	mx   *metrics.Recorder

	clientsMu    sync.Mutex
	clients      map[uint8]ApplicationCallback
	channels     map[uint8]uint8
	disconnected []uint8

	active bool
}

// New constructs an Engine bound to link for frame dispatch. Call Start to
// begin the worker goroutines. mx may be nil, in which case metrics
// recording is a no-op.
func New(cfg Config, link LinkSender, mx *metrics.Recorder) *Engine {
	e := &Engine{
		cfg:      cfg,
		link:     link,
		mx:       mx,
		clients:  make(map[uint8]ApplicationCallback),
		channels: make(map[uint8]uint8),
	}

	ackWait := time.Duration(cfg.AckWaitMillis) * time.Millisecond
	e.tx = tx.New(linkAdapter{e}, e, ackWait, cfg.MaxRetransmit, cfg.MaxQueueSize)
	e.tx.SetAvailabilityObserver(e)
	e.rx = rx.New(nil, e.tx)
	e.rx.SetWindow(cfg.Window)
	e.rx.SetMaxQueueBytes(cfg.MaxQueueSize)
	e.sm = statemachine.New(rxAdapter{e.rx}, e.tx, e)
	e.rx.SetStateMachine(e.sm)

	return e
}

// linkAdapter adapts *Engine to tx.LinkSender.
type linkAdapter struct{ e *Engine }

func (a linkAdapter) SendFrame(ctx context.Context, channel uint8, frame []byte) bool {
	return a.e.link.SendFrame(ctx, channel, frame)
}

// rxAdapter adapts *rx.Rx to statemachine.RxController.
type rxAdapter struct{ r *rx.Rx }

func (a rxAdapter) Reset()              { a.r.Reset() }
func (a rxAdapter) OpenPort(port uint8) { a.r.OpenPort(port) }
func (a rxAdapter) ClosePort(port uint8) { a.r.ClosePort(port) }

// OnTxError implements tx.ErrorSink: escalates ack-timeout exhaustion to the
// reset handshake (spec.md §7, category 3 protocol faults).
func (e *Engine) OnTxError(ctx context.Context, err error) {
	dlog.Errorf(ctx, "engine: tx error, escalating to reset: %v", err)
	e.mx.IncReset()
	e.sm.LocalFault(ctx)
}

// OnPortConnected implements statemachine.ConnectionObserver.
func (e *Engine) OnPortConnected(ctx context.Context, port uint8) {
	e.clientsMu.Lock()
	cb := e.clients[port]
	n := len(e.clients)
	e.clientsMu.Unlock()
	e.mx.SetPortsConnected(n)
	if cb != nil {
		cb.OnConnected(ctx, port)
	}
}

// OnPortClosed implements statemachine.ConnectionObserver.
func (e *Engine) OnPortClosed(ctx context.Context, port uint8) {
	e.clientsMu.Lock()
	cb := e.clients[port]
	n := len(e.clients)
	e.clientsMu.Unlock()
	e.mx.SetPortsConnected(n)
	if cb != nil {
		cb.OnDisconnected(ctx, port)
	}
}

// Start runs the tx worker and assembly worker goroutines under a
// dgroup.Group until ctx is cancelled (spec.md §5).
func (e *Engine) Start(ctx context.Context) error {
	e.active = true
	e.sm.Init(ctx)

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	grp.Go("tx-worker", func(ctx context.Context) error {
		return e.tx.Run(ctx)
	})
	grp.Go("assembly-worker", func(ctx context.Context) error {
		return e.assemblyWorkerLoop(ctx)
	})
	grp.Go("metrics-ticker", func(ctx context.Context) error {
		return e.metricsTickerLoop(ctx)
	})
	err := grp.Wait()
	e.active = false
	return err
}

func (e *Engine) assemblyWorkerLoop(ctx context.Context) error {
	for {
		if !e.rx.WaitForMessage(ctx) {
			return ctx.Err()
		}
		e.drainDisconnected(ctx)

		msg, port, ok := e.rx.NextCompleteMessage()
		if !ok {
			continue
		}
		e.clientsMu.Lock()
		cb := e.clients[port]
		e.clientsMu.Unlock()
		if cb != nil {
			cb.OnMessage(ctx, port, msg)
		}
	}
}

// metricsTickerLoop periodically samples per-port tx queue depth, since the
// tx module only exposes depth on demand rather than pushing changes.
func (e *Engine) metricsTickerLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.clientsMu.Lock()
			ports := make([]uint8, 0, len(e.clients))
			for port := range e.clients {
				ports = append(ports, port)
			}
			e.clientsMu.Unlock()
			for _, port := range ports {
				e.mx.SetQueueDepth(portQueueLabel(port), e.tx.QueueDepth(port))
			}
		}
	}
}

func (e *Engine) drainDisconnected(ctx context.Context) {
	e.clientsMu.Lock()
	toClose := e.disconnected
	e.disconnected = nil
	e.clientsMu.Unlock()

	for _, port := range toClose {
		e.sm.RequestClose(ctx, port)
		dlog.Debugf(ctx, "engine: cleaned up disconnected client on port %d", port)
	}
}

// OnApplicationConnected implements the application-facing connect event:
// opens the rx port and registers cb, then requests the peer-facing
// connection (spec.md §4.6).
func (e *Engine) OnApplicationConnected(ctx context.Context, port, channel uint8, cb ApplicationCallback) {
	e.clientsMu.Lock()
	e.clients[port] = cb
	e.channels[port] = channel
	e.clientsMu.Unlock()
	e.sm.RequestConnection(ctx, port, channel)
}

// OnApplicationDisconnected defers port's teardown to the next assembly
// worker tick, so the clients map is never mutated mid-iteration (spec.md
// §4.6).
func (e *Engine) OnApplicationDisconnected(_ context.Context, port uint8) {
	e.clientsMu.Lock()
	delete(e.clients, port)
	delete(e.channels, port)
	e.disconnected = append(e.disconnected, port)
	e.clientsMu.Unlock()
}

// SendToLinkLayer is the engine's one outbound entry point (spec.md §4.6):
// fragments data into LenS3TPPDU-sized chunks if needed and enqueues each
// fragment onto the tx module, after validating the tx/queue/channel
// preconditions.
func (e *Engine) SendToLinkLayer(port, channel uint8, data []byte, opts wire.Options) Code {
	if len(data) > e.cfg.MaxPDULength {
		e.mx.IncPacketsDropped(metrics.DropMaxMessageSize)
		return MaxMessageSize
	}
	if e.tx.State() == tx.Blocked {
		e.mx.IncPacketsDropped(metrics.DropLinkUnavailable)
		return LinkUnavailable
	}
	if e.tx.ChannelBlacklisted(channel) {
		e.mx.IncPacketsDropped(metrics.DropChannelBroken)
		return ChannelBroken
	}

	chunkSize := e.cfg.LenS3TPPDU
	noPackets := 1
	if chunkSize > 0 && len(data) > chunkSize {
		noPackets = (len(data) + chunkSize - 1) / chunkSize
	}
	if !e.tx.QueueHasCapacity(port, noPackets) {
		e.mx.IncPacketsDropped(metrics.DropQueueFull)
		return QueueFull
	}

	if chunkSize <= 0 || len(data) <= chunkSize {
		if err := e.tx.EnqueuePacket(port, data, 0, false, channel, opts); err != nil {
			e.mx.IncPacketsDropped(metrics.DropQueueFull)
			return QueueFull
		}
		e.mx.IncPacketsSent(channel)
		return Success
	}

	for idx, off := 0, 0; off < len(data); idx, off = idx+1, off+chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		more := end < len(data)
		if err := e.tx.EnqueuePacket(port, data[off:end], idx, more, channel, opts); err != nil {
			e.mx.IncPacketsDropped(metrics.DropQueueFull)
			return QueueFull
		}
		e.mx.IncPacketsSent(channel)
	}
	return Success
}

// HandleFrame implements pkg/s3tp.LinkCallback: hands one received frame to
// the rx pipeline.
func (e *Engine) HandleFrame(ctx context.Context, _ bool, channel uint8, data []byte) {
	e.mx.IncPacketsReceived()
	e.rx.HandleFrame(ctx, channel, data)
}

// HandleBufferEmpty implements pkg/s3tp.LinkCallback: marks channel available
// again and notifies every client bound to it (S3TP.cpp's
// onChannelStatusChanged(channel, active)).
func (e *Engine) HandleBufferEmpty(ctx context.Context, channel uint8) {
	e.tx.SetChannelAvailable(channel, true)
	e.clientsMu.Lock()
	var cbs []ApplicationCallback
	var ports []uint8
	for port, ch := range e.channels {
		if ch == channel {
			if cb := e.clients[port]; cb != nil {
				cbs = append(cbs, cb)
				ports = append(ports, port)
			}
		}
	}
	e.clientsMu.Unlock()
	for i, cb := range cbs {
		cb.OnAvailable(ctx, ports[i])
	}
}

// HandleLinkStatus implements pkg/s3tp.LinkCallback. On link-up it notifies
// every connected client (S3TP.cpp's notifyAvailabilityToClients).
func (e *Engine) HandleLinkStatus(ctx context.Context, linkUp bool) {
	e.tx.NotifyLinkAvailability(linkUp)
	if !linkUp {
		return
	}
	e.clientsMu.Lock()
	cbs := make([]ApplicationCallback, 0, len(e.clients))
	ports := make([]uint8, 0, len(e.clients))
	for port, cb := range e.clients {
		cbs = append(cbs, cb)
		ports = append(ports, port)
	}
	e.clientsMu.Unlock()
	for i, cb := range cbs {
		cb.OnAvailable(ctx, ports[i])
	}
}

// OnQueueDrained implements tx.AvailabilityObserver: notifies the one client
// whose own port queue just emptied (S3TP.cpp's onOutputQueueAvailable).
func (e *Engine) OnQueueDrained(ctx context.Context, port uint8) {
	e.clientsMu.Lock()
	cb := e.clients[port]
	e.clientsMu.Unlock()
	if cb != nil {
		cb.OnAvailable(ctx, port)
	}
}

// Active reports whether the engine's worker goroutines are currently
// running.
func (e *Engine) Active() bool {
	return e.active
}

func portQueueLabel(port uint8) string {
	return "port-" + strconv.Itoa(int(port))
}
