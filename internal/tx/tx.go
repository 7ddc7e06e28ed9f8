// Package tx implements the S3TP transmit pipeline: per-port FIFOs with
// round-robin arbitration, a strictly-higher-priority control queue,
// ack-driven single-slot ARQ retransmission, and channel blacklisting
// (spec.md §4.4).
package tx

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/twittidai/s3tp/internal/pqueue"
	"github.com/twittidai/s3tp/internal/wire"
)

// State is the tx worker's dispatch state (spec.md §4.4).
type State int

const (
	// Waiting: link up but nothing queued to send.
	Waiting State = iota
	// Running: link up, at least one channel clear, at least one packet ready.
	Running
	// Blocked: link down, every channel with pending traffic blacklisted, or
	// awaiting ack on the single in-flight ARQ packet.
	Blocked
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// LinkSender is the narrow capability the tx module dispatches frames
// through; internal/engine adapts a pkg/s3tp.LinkInterface to it, keeping
// this package independent of the public API package (no import cycle).
type LinkSender interface {
	SendFrame(ctx context.Context, channel uint8, frame []byte) bool
}

// ErrorSink receives fatal escalations (ack-timeout exhaustion) so the
// engine can schedule a RESET and notify the application layer.
type ErrorSink interface {
	OnTxError(ctx context.Context, err error)
}

// AvailabilityObserver is notified when one port's own queue drains to empty
// after a dispatch, mirroring S3TP.cpp's onOutputQueueAvailable(port): unlike
// a channel clearing or the link coming back up (both driven from outside
// tx, and handled by the engine calling the application callback directly),
// this event originates inside the tx worker loop itself, so tx calls back
// out through this narrow interface.
type AvailabilityObserver interface {
	OnQueueDrained(ctx context.Context, port uint8)
}

// ErrSlotOccupied is the internal signal that an ARQ packet cannot be sent
// yet because the single retransmission slot is in use.
var ErrSlotOccupied = errors.New("tx: retransmission slot occupied")

// ReservedChannel is the channel control packets are always sent on
// (spec.md §4.4, DEFAULT_RESERVED_CHANNEL).
const ReservedChannel = 0

type queuedPacket struct {
	seq uint64
	pkt wire.Packet
}

func fifoPolicy() pqueue.Policy[queuedPacket] {
	return pqueue.Policy[queuedPacket]{
		Compare: func(a, b queuedPacket) int {
			switch {
			case a.seq < b.seq:
				return -1
			case a.seq > b.seq:
				return 1
			default:
				return 0
			}
		},
	}
}

type slot struct {
	pkt                 wire.Packet
	frame               []byte
	start               time.Time
	retransmissionCount int
}

// Tx is the S3TP transmit pipeline. Construct with New, then run its worker
// loop with Run from an engine-managed goroutine.
type Tx struct {
	mu    sync.Mutex
	link  LinkSender
	err   ErrorSink
	avail AvailabilityObserver

	ackWait       time.Duration
	maxRetransmit int
	maxQueueBytes int

	ports     map[uint8]*pqueue.Queue[queuedPacket]
	portOrder []uint8
	cursor    int

	control *pqueue.Queue[queuedPacket]

	blacklist map[uint8]bool
	linkUp    bool

	globalSeq       uint8
	portSeqCounters map[uint8]uint8

	slot *slot

	seqCounter uint64
	notify     chan struct{}
}

// New constructs a Tx. link and err are typically the engine itself (or thin
// adapters around it). maxQueueBytes overrides the default per-queue memory
// cap (pkg/s3tp.Config.MaxQueueSize); 0 keeps pqueue's built-in default.
func New(link LinkSender, err ErrorSink, ackWait time.Duration, maxRetransmit, maxQueueBytes int) *Tx {
	control := pqueue.New(fifoPolicy())
	control.SetMaxBytes(maxQueueBytes)
	return &Tx{
		link:            link,
		err:             err,
		ackWait:         ackWait,
		maxRetransmit:   maxRetransmit,
		maxQueueBytes:   maxQueueBytes,
		ports:           make(map[uint8]*pqueue.Queue[queuedPacket]),
		control:         control,
		blacklist:       make(map[uint8]bool),
		linkUp:          true,
		portSeqCounters: make(map[uint8]uint8),
		notify:          make(chan struct{}, 1),
	}
}

// SetAvailabilityObserver wires the AVAILABLE notification sink after
// construction (the engine needs the Tx it's built from to exist first).
func (t *Tx) SetAvailabilityObserver(obs AvailabilityObserver) {
	t.mu.Lock()
	t.avail = obs
	t.mu.Unlock()
}

func (t *Tx) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Tx) portQueue(port uint8) *pqueue.Queue[queuedPacket] {
	q, ok := t.ports[port]
	if !ok {
		q = pqueue.New(fifoPolicy())
		q.SetMaxBytes(t.maxQueueBytes)
		t.ports[port] = q
		t.portOrder = append(t.portOrder, port)
	}
	return q
}

// EnqueuePacket stamps and queues one outbound data packet on port,
// targeting channel, for the given fragment of a (possibly fragmented)
// message (spec.md §4.4, "Per-packet assignment").
func (t *Tx) EnqueuePacket(port uint8, payload []byte, fragmentIdx int, moreFragments bool, channel uint8, opts wire.Options) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := wire.Header{
		Flags:         wire.FlagData,
		GlobalSeq:     t.globalSeq,
		SubSeq:        uint8(fragmentIdx),
		PortSeq:       t.portSeqCounters[port],
		MoreFragments: moreFragments,
	}
	if err := h.SetPort(int(port)); err != nil {
		return err
	}
	if err := h.SetPDULength(len(payload)); err != nil {
		return err
	}
	t.globalSeq++
	t.portSeqCounters[port]++

	pkt := wire.Packet{Header: h, Payload: payload, Channel: channel, Options: opts}
	q := t.portQueue(port)
	t.seqCounter++
	if err := q.Push(queuedPacket{seq: t.seqCounter, pkt: pkt}); err != nil {
		return err
	}
	t.signal()
	return nil
}

// QueueHasCapacity reports whether port's queue can accept n more packets
// without exceeding its memory cap, ports S3TP.cpp's
// checkTransmissionAvailability, which computes
// no_packets = ceil(msg_len / LEN_S3TP_PDU) and checks
// tx.isQueueAvailable(port, no_packets) before any packet of the message is
// constructed, so a message that won't fit is rejected whole rather than
// partially enqueued.
func (t *Tx) QueueHasCapacity(port uint8, n int) bool {
	t.mu.Lock()
	q := t.portQueue(port)
	t.mu.Unlock()
	return q.WouldFit(n)
}

// SetPortQueueMaxBytes overrides the memory cap for one port's queue,
// creating it if necessary.
func (t *Tx) SetPortQueueMaxBytes(port uint8, n int) {
	t.mu.Lock()
	q := t.portQueue(port)
	t.mu.Unlock()
	q.SetMaxBytes(n)
}

// ScheduleAcknowledgement queues a standalone ACK packet (no DATA flag) on
// the control queue, acknowledging seq.
func (t *Tx) ScheduleAcknowledgement(seq uint16) {
	h := wire.Header{Flags: wire.FlagAck, Ack: seq}
	t.enqueueControl(wire.Packet{Header: h, Channel: ReservedChannel})
}

// ScheduleSetup queues an INITIAL_CONNECT control packet with the given ack
// step (spec.md §4.5's three-way handshake).
func (t *Tx) ScheduleSetup(ack bool) {
	t.scheduleControlType(wire.CtrlInitialConnect, ack)
}

// ScheduleReset queues a RESET control packet with the given ack step
// (spec.md §4.5's two-way reset handshake).
func (t *Tx) ScheduleReset(ack bool) {
	t.scheduleControlType(wire.CtrlReset, ack)
}

// ScheduleClose queues a FIN control packet for port.
func (t *Tx) ScheduleClose(port uint8) {
	h := wire.Header{Flags: wire.FlagCtrl}
	_ = h.SetPort(int(port))
	payload := wire.EncodeControl(wire.ControlPayload{Type: wire.CtrlFin})
	_ = h.SetPDULength(len(payload))
	t.enqueueControl(wire.Packet{Header: h, Payload: payload, Channel: ReservedChannel})
}

func (t *Tx) scheduleControlType(typ wire.ControlType, ack bool) {
	h := wire.Header{Flags: wire.FlagCtrl}
	if ack {
		h.Ack = 1
	}
	payload := wire.EncodeControl(wire.ControlPayload{Type: typ})
	_ = h.SetPDULength(len(payload))
	t.enqueueControl(wire.Packet{Header: h, Payload: payload, Channel: ReservedChannel})
}

// ScheduleSync queues a SYNC control packet for port, carrying this
// endpoint's current global and per-port sequence counters so the peer can
// realign after setup or reset. Like every control packet it is sent on
// ReservedChannel; channel (the port's data channel) does not change that.
// syncID distinguishes a connection request (SyncIDInitiator) from a
// connection accept (SyncIDResponder).
func (t *Tx) ScheduleSync(port, channel uint8, opts wire.Options, syncID uint8) {
	t.mu.Lock()
	sp := wire.SyncPayload{SyncID: syncID, TxGlobalSeq: t.globalSeq}
	for p, seq := range t.portSeqCounters {
		if int(p) < len(sp.PortSeq) {
			sp.PortSeq[p] = seq
		}
	}
	t.mu.Unlock()

	h := wire.Header{Flags: wire.FlagCtrl}
	_ = h.SetPort(int(port))
	payload := wire.EncodeSync(sp)
	_ = h.SetPDULength(len(payload))
	t.enqueueControlWithOpts(wire.Packet{Header: h, Payload: payload, Channel: ReservedChannel, Options: opts})
}

func (t *Tx) enqueueControl(pkt wire.Packet) {
	t.enqueueControlWithOpts(pkt)
}

func (t *Tx) enqueueControlWithOpts(pkt wire.Packet) {
	t.mu.Lock()
	t.seqCounter++
	_ = t.control.Push(queuedPacket{seq: t.seqCounter, pkt: pkt})
	t.mu.Unlock()
	t.signal()
}

// SetChannelAvailable adds or removes ch from the blacklist (spec.md §4.4).
func (t *Tx) SetChannelAvailable(ch uint8, available bool) {
	t.mu.Lock()
	if available {
		delete(t.blacklist, ch)
	} else {
		t.blacklist[ch] = true
	}
	t.mu.Unlock()
	t.signal()
}

// NotifyLinkAvailability toggles the tx module between BLOCKED and its
// previous dispatch state (spec.md §4.4).
func (t *Tx) NotifyLinkAvailability(up bool) {
	t.mu.Lock()
	t.linkUp = up
	t.mu.Unlock()
	t.signal()
}

// OnAcknowledgement frees the retransmission slot if seq matches its
// pending packet (spec.md §4.4).
func (t *Tx) OnAcknowledgement(_ context.Context, seq uint16) {
	t.mu.Lock()
	if t.slot != nil && uint16(t.slot.pkt.Header.GlobalSeq) == seq {
		t.slot = nil
	}
	t.mu.Unlock()
	t.signal()
}

// OnReceivedPacket schedules an acknowledgement for seq (spec.md §4.3 step 6).
func (t *Tx) OnReceivedPacket(_ context.Context, seq uint8) {
	t.ScheduleAcknowledgement(uint16(seq))
}

// OnReceiveWindowFull is a no-op placeholder for the peer-side signal the rx
// module raises when its reorder window is exceeded; nothing on the tx side
// needs to react beyond the peer's own retransmit-on-timeout behavior.
func (t *Tx) OnReceiveWindowFull(_ context.Context, _ uint8) {}

// State reports the tx module's current dispatch state.
func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.computeStateLocked()
}

func (t *Tx) computeStateLocked() State {
	if !t.linkUp {
		return Blocked
	}
	if t.control.Size() > 0 {
		return Running
	}
	if t.slot != nil {
		return Blocked
	}
	if t.hasEligibleDataLocked() {
		return Running
	}
	for _, q := range t.ports {
		if q.Size() > 0 {
			// Traffic is pending, but only on blacklisted channels.
			return Blocked
		}
	}
	return Waiting
}

func (t *Tx) hasEligibleDataLocked() bool {
	for _, port := range t.portOrder {
		q, ok := t.ports[port]
		if !ok || q.Size() == 0 {
			continue
		}
		pkt, ok := q.Peek()
		if !ok {
			continue
		}
		if !t.blacklist[pkt.pkt.Channel] {
			return true
		}
	}
	return false
}

// Run drives the tx worker loop until ctx is cancelled (spec.md §4.4, "Tx
// loop"). Intended to run inside an engine-managed goroutine.
func (t *Tx) Run(ctx context.Context) error {
	for {
		t.mu.Lock()
		state := t.computeStateLocked()
		if state != Running {
			var timeout <-chan time.Time
			var timer *time.Timer
			if t.slot != nil {
				remaining := t.ackWait - time.Since(t.slot.start)
				if remaining < 0 {
					remaining = 0
				}
				timer = time.NewTimer(remaining)
				timeout = timer.C
			}
			t.mu.Unlock()

			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return ctx.Err()
			case <-t.notify:
			case <-timeout:
				t.handleAckTimeout(ctx)
			}
			if timer != nil {
				timer.Stop()
			}
			continue
		}

		pkt, fromControl, drainedPort, drained, ok := t.popNextLocked()
		t.mu.Unlock()
		if !ok {
			continue
		}
		t.dispatch(ctx, pkt, fromControl)
		if drained && t.avail != nil {
			t.avail.OnQueueDrained(ctx, drainedPort)
		}
	}
}

func (t *Tx) popNextLocked() (pkt wire.Packet, fromControl bool, drainedPort uint8, drained bool, ok bool) {
	if qp, found := t.control.Pop(); found {
		return qp.pkt, true, 0, false, true
	}
	for i := 0; i < len(t.portOrder); i++ {
		idx := (t.cursor + i) % len(t.portOrder)
		port := t.portOrder[idx]
		q := t.ports[port]
		if q == nil || q.Size() == 0 {
			continue
		}
		head, found := q.Peek()
		if !found || t.blacklist[head.pkt.Channel] {
			continue
		}
		if head.pkt.ARQ() && t.slot != nil {
			continue
		}
		qp, _ := q.Pop()
		t.cursor = (idx + 1) % len(t.portOrder)
		return qp.pkt, false, port, q.Size() == 0, true
	}
	return wire.Packet{}, false, 0, false, false
}

func (t *Tx) dispatch(ctx context.Context, pkt wire.Packet, fromControl bool) {
	frame, err := wire.Encode(pkt.Header, pkt.Payload)
	if err != nil {
		dlog.Errorf(ctx, "tx: failed to encode outbound packet: %v", err)
		return
	}
	t.link.SendFrame(ctx, pkt.Channel, frame)

	if !fromControl && pkt.ARQ() {
		t.mu.Lock()
		t.slot = &slot{pkt: pkt, frame: frame, start: time.Now()}
		t.mu.Unlock()
	}
}

func (t *Tx) handleAckTimeout(ctx context.Context) {
	t.mu.Lock()
	s := t.slot
	if s == nil {
		t.mu.Unlock()
		return
	}
	if s.retransmissionCount >= t.maxRetransmit {
		t.slot = nil
		t.mu.Unlock()
		dlog.Errorf(ctx, "tx: ack timeout exceeded max retransmissions on global_seq=%d", s.pkt.Header.GlobalSeq)
		if t.err != nil {
			t.err.OnTxError(ctx, errors.Errorf("tx: max retransmissions exceeded for global_seq=%d", s.pkt.Header.GlobalSeq))
		}
		t.ScheduleReset(false)
		return
	}
	s.retransmissionCount++
	s.start = time.Now()
	frame := s.frame
	channel := s.pkt.Channel
	t.mu.Unlock()

	dlog.Debugf(ctx, "tx: retransmitting global_seq=%d (attempt %d)", s.pkt.Header.GlobalSeq, s.retransmissionCount)
	t.link.SendFrame(ctx, channel, frame)
}

// Reset clears all tx state: queues, counters, slot, blacklist. Invoked by
// the two-way reset handshake (spec.md §4.5).
func (t *Tx) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ports = make(map[uint8]*pqueue.Queue[queuedPacket])
	t.portOrder = nil
	t.cursor = 0
	t.control.Clear()
	t.blacklist = make(map[uint8]bool)
	t.globalSeq = 0
	t.portSeqCounters = make(map[uint8]uint8)
	t.slot = nil
}

// QueueDepth returns the number of packets currently queued for port,
// including none if port has never been enqueued to.
func (t *Tx) QueueDepth(port uint8) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.ports[port]
	if !ok {
		return 0
	}
	return q.Size()
}

// ChannelBlacklisted reports whether ch is currently blacklisted.
func (t *Tx) ChannelBlacklisted(ch uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blacklist[ch]
}
