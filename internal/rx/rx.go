package rx

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/twittidai/s3tp/internal/pqueue"
	"github.com/twittidai/s3tp/internal/wire"
)

// StateMachine is the narrow capability the rx module hands control packets
// to (spec.md §4.5). internal/statemachine implements it; rx never imports
// that package directly, avoiding a dependency cycle (spec.md §9, "Callback
// interfaces ... narrow method sets").
type StateMachine interface {
	OnSetup(ctx context.Context, ack bool)
	OnReset(ctx context.Context, ack bool)
	OnConnectionRequest(ctx context.Context, port, channel uint8, seq uint16)
	OnConnectionAccept(ctx context.Context, port uint8, seq uint16)
	OnConnectionClose(ctx context.Context, port uint8)
}

// TxNotifier is the narrow capability the rx module drives the tx module's
// acknowledgement bookkeeping through.
type TxNotifier interface {
	OnAcknowledgement(ctx context.Context, seq uint16)
	OnReceivedPacket(ctx context.Context, seq uint8)
	OnReceiveWindowFull(ctx context.Context, lastValid uint8)
}

type portState struct {
	open                bool
	nextExpectedSubSeq  uint8
	nextExpectedPortSeq uint8
	assembling          []byte
	ready               [][]byte
}

// Rx is the S3TP receive pipeline (spec.md §4.3): a single writer (the link
// callback thread) feeds frames in; the assembly worker goroutine drains
// complete messages out.
type Rx struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  *pqueue.Queue[wire.Packet]
	ports  map[uint8]*portState
	cursor int

	toConsume uint8
	window    int

	sm StateMachine
	tx TxNotifier
}

// New constructs an Rx. sm and tx may be nil during construction and set
// later via SetStateMachine/SetTxNotifier if the engine wires them up after
// construction (both sides need each other). The reorder window starts at
// the spec.md §6 default; call SetWindow to apply a configured value.
func New(sm StateMachine, tx TxNotifier) *Rx {
	r := &Rx{
		ports:  make(map[uint8]*portState),
		sm:     sm,
		tx:     tx,
		window: Window,
	}
	r.cond = sync.NewCond(&r.mu)
	r.queue = newReorderQueue(&r.toConsume, &r.window)
	return r
}

// SetStateMachine wires the state machine callback after construction.
func (r *Rx) SetStateMachine(sm StateMachine) { r.sm = sm }

// SetTxNotifier wires the tx notifier callback after construction.
func (r *Rx) SetTxNotifier(tx TxNotifier) { r.tx = tx }

// SetWindow overrides the reorder window width (pkg/s3tp.Config.Window),
// replacing the spec.md §6 default. w <= 0 is ignored.
func (r *Rx) SetWindow(w int) {
	if w <= 0 {
		return
	}
	r.mu.Lock()
	r.window = w
	r.mu.Unlock()
}

// SetMaxQueueBytes overrides the reorder queue's memory cap
// (pkg/s3tp.Config.MaxQueueSize). n <= 0 is ignored.
func (r *Rx) SetMaxQueueBytes(n int) {
	r.queue.SetMaxBytes(n)
}

// OpenPort marks port open for reassembly/delivery, as happens on local
// application connect or a remote connection request (spec.md §3, "a port
// is open iff...").
func (r *Rx) OpenPort(port uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.portOrNew(port)
	p.open = true
}

// ClosePort marks port closed; undelivered assembly state is discarded.
func (r *Rx) ClosePort(port uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, port)
}

// Reset clears all rx state: queues, port map, sequence counter. Invoked by
// the two-way reset handshake (spec.md §4.5).
func (r *Rx) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue.Clear()
	r.ports = make(map[uint8]*portState)
	r.toConsume = 0
	r.cursor = 0
}

func (r *Rx) portOrNew(port uint8) *portState {
	p, ok := r.ports[port]
	if !ok {
		p = &portState{}
		r.ports[port] = p
	}
	return p
}

// HandleFrame runs the per-frame pipeline of spec.md §4.3 on one raw frame
// received from the link layer. Called from the single link-callback
// thread; never blocks on user code.
func (r *Rx) HandleFrame(ctx context.Context, channel uint8, frame []byte) {
	hdr, payload, err := wire.Decode(frame)
	if err != nil {
		dlog.Debugf(ctx, "rx: dropping frame on channel %d: %v", channel, err)
		return
	}

	switch {
	case hdr.HasFlag(wire.FlagCtrl):
		r.handleControl(ctx, channel, hdr, payload)
		return
	case hdr.HasFlag(wire.FlagAck) && !hdr.HasFlag(wire.FlagData):
		if r.tx != nil {
			r.tx.OnAcknowledgement(ctx, hdr.Ack)
		}
		return
	}

	pkt := wire.Packet{Header: hdr, Payload: payload, Channel: channel}
	r.handleData(ctx, pkt)
}

func (r *Rx) handleControl(ctx context.Context, channel uint8, hdr wire.Header, payload []byte) {
	if r.sm == nil {
		return
	}
	typ, err := wire.PeekControlType(payload)
	if err != nil {
		dlog.Debugf(ctx, "rx: dropping malformed control packet: %v", err)
		return
	}

	if typ == wire.CtrlSync {
		sp, err := wire.DecodeSync(payload)
		if err != nil {
			dlog.Debugf(ctx, "rx: dropping malformed sync packet: %v", err)
			return
		}
		r.applySync(hdr.Port, sp)
		if sp.SyncID == wire.SyncIDInitiator {
			r.sm.OnConnectionRequest(ctx, hdr.Port, channel, uint16(sp.TxGlobalSeq))
		} else {
			r.sm.OnConnectionAccept(ctx, hdr.Port, uint16(sp.TxGlobalSeq))
		}
		return
	}

	cp, err := wire.DecodeControl(payload)
	if err != nil {
		dlog.Debugf(ctx, "rx: dropping malformed control packet: %v", err)
		return
	}
	ack := hdr.Ack != 0
	switch cp.Type {
	case wire.CtrlInitialConnect:
		r.sm.OnSetup(ctx, ack)
	case wire.CtrlReset:
		r.sm.OnReset(ctx, ack)
	case wire.CtrlFin:
		r.sm.OnConnectionClose(ctx, hdr.Port)
	}
}

// applySync realigns local rx state for port from a peer's SYNC payload,
// porting the shape of RxModule.h's declared (but, in the retrieval pack,
// unimplemented) synchronizeStatus(S3TP_SYNC&): the peer's tx_global_seq
// becomes the next global sequence we expect, and port_seq[port] becomes the
// next per-port sequence we expect on port, since both of the peer's
// counters restart at zero on every setup/reset handshake.
func (r *Rx) applySync(port uint8, sp wire.SyncPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toConsume = sp.TxGlobalSeq
	p := r.portOrNew(port)
	if int(port) < len(sp.PortSeq) {
		p.nextExpectedPortSeq = sp.PortSeq[port]
	}
}

func (r *Rx) handleData(ctx context.Context, pkt wire.Packet) {
	r.mu.Lock()

	port := r.ports[pkt.Header.Port]
	if port == nil || !port.open {
		r.mu.Unlock()
		dlog.Debugf(ctx, "rx: dropping data packet for closed port %d", pkt.Header.Port)
		return
	}

	if pkt.Header.HasFlag(wire.FlagAck) && r.tx != nil {
		ack := pkt.Header.Ack
		r.mu.Unlock()
		r.tx.OnAcknowledgement(ctx, ack)
		r.mu.Lock()
	}

	if err := r.queue.Push(pkt); err != nil {
		lastValid := r.toConsume - 1
		r.mu.Unlock()
		dlog.Debugf(ctx, "rx: window exceeded on global_seq=%d", pkt.Header.GlobalSeq)
		if r.tx != nil {
			r.tx.OnReceiveWindowFull(ctx, lastValid)
		}
		return
	}

	r.advanceLocked(ctx)
	seq := pkt.Header.GlobalSeq
	r.mu.Unlock()

	if r.tx != nil {
		r.tx.OnReceivedPacket(ctx, seq)
	}
}

// advanceLocked walks the reorder queue while its head equals the next
// expected global sequence, reassembling per-port messages as it goes
// (spec.md §4.3 step 5). r.mu must be held.
func (r *Rx) advanceLocked(ctx context.Context) {
	for {
		r.queue.DropStaleFront()
		head, ok := r.queue.Peek()
		if !ok || head.Header.GlobalSeq != r.toConsume {
			return
		}
		pkt, _ := r.queue.Pop()
		r.toConsume++

		port := r.portOrNew(pkt.Header.Port)
		if pkt.Header.PortSeq != port.nextExpectedPortSeq {
			dlog.Debugf(ctx, "rx: port %d port_seq gap, want %d got %d",
				pkt.Header.Port, port.nextExpectedPortSeq, pkt.Header.PortSeq)
		}
		port.nextExpectedPortSeq = pkt.Header.PortSeq + 1

		if pkt.Header.SubSeq != port.nextExpectedSubSeq {
			dlog.Debugf(ctx, "rx: port %d sub_seq inconsistency, want %d got %d; flushing and resetting",
				pkt.Header.Port, port.nextExpectedSubSeq, pkt.Header.SubSeq)
			port.assembling = nil
			port.nextExpectedSubSeq = 0
			if r.sm != nil {
				go r.sm.OnReset(ctx, false)
			}
			continue
		}

		port.assembling = append(port.assembling, pkt.Payload...)
		port.nextExpectedSubSeq++

		if !pkt.Header.MoreFragments {
			msg := make([]byte, len(port.assembling))
			copy(msg, port.assembling)
			port.assembling = nil
			port.nextExpectedSubSeq = 0
			port.ready = append(port.ready, msg)
			r.cond.Broadcast()
		}
	}
}

// IsMessageAvailable reports whether any open port currently holds a fully
// reassembled message.
func (r *Rx) IsMessageAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anyMessageAvailableLocked()
}

func (r *Rx) anyMessageAvailableLocked() bool {
	for _, p := range r.ports {
		if len(p.ready) > 0 {
			return true
		}
	}
	return false
}

// WaitForMessage blocks until a message is available or ctx is cancelled.
// Mirrors spec.md §4.6's waitForNextAvailableMessage(external_lock): the
// assembly worker calls this with no lock of its own held, since Rx owns its
// condition variable internally.
func (r *Rx) WaitForMessage(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.anyMessageAvailableLocked() {
		if ctx.Err() != nil {
			return false
		}
		r.cond.Wait()
	}
	return true
}

// NextCompleteMessage picks a port with a ready message in round-robin
// order, per spec.md §4.3's getNextCompleteMessage, and returns it.
func (r *Rx) NextCompleteMessage() ([]byte, uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ports) == 0 {
		return nil, 0, false
	}
	ports := make([]uint8, 0, len(r.ports))
	for p := range r.ports {
		ports = append(ports, p)
	}
	sortUint8(ports)

	for i := 0; i < len(ports); i++ {
		idx := (r.cursor + i) % len(ports)
		port := ports[idx]
		ps := r.ports[port]
		if len(ps.ready) == 0 {
			continue
		}
		msg := ps.ready[0]
		ps.ready = ps.ready[1:]
		r.cursor = (idx + 1) % len(ports)
		return msg, port, true
	}
	return nil, 0, false
}

func sortUint8(s []uint8) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
