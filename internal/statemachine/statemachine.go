// Package statemachine implements the S3TP connection/reset state machine:
// the three-way setup handshake, the two-way reset handshake, and per-port
// connect/accept/close dispatch (spec.md §4.5). It implements
// internal/rx.StateMachine, so the rx module can hand it decoded control
// events without either package importing the other's concrete type.
package statemachine

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/twittidai/s3tp/internal/wire"
)

// RxController is the narrow capability this state machine needs from the
// rx module: resetting state and opening/closing ports.
type RxController interface {
	Reset()
	OpenPort(port uint8)
	ClosePort(port uint8)
}

// TxController is the narrow capability this state machine needs from the
// tx module: scheduling control packets and resetting state.
type TxController interface {
	ScheduleSetup(ack bool)
	ScheduleReset(ack bool)
	ScheduleSync(port, channel uint8, opts wire.Options, syncID uint8)
	ScheduleAcknowledgement(seq uint16)
	ScheduleClose(port uint8)
	Reset()
}

// ConnectionObserver is notified of port lifecycle transitions driven by the
// handshake, so the engine can fan them out to the application callback.
type ConnectionObserver interface {
	OnPortConnected(ctx context.Context, port uint8)
	OnPortClosed(ctx context.Context, port uint8)
}

// StateMachine holds the setup/reset handshake flags (spec.md §4.5).
type StateMachine struct {
	mu sync.Mutex

	setupInitiated bool
	setupPerformed bool
	resetInitiated bool

	rx  RxController
	tx  TxController
	obs ConnectionObserver
}

// New constructs a StateMachine. obs may be nil if the engine wires it up
// later via SetObserver.
func New(rx RxController, tx TxController, obs ConnectionObserver) *StateMachine {
	return &StateMachine{rx: rx, tx: tx, obs: obs}
}

// SetObserver wires the connection observer after construction.
func (s *StateMachine) SetObserver(obs ConnectionObserver) { s.obs = obs }

// Init begins the three-way setup handshake if it has not already been
// initiated locally (spec.md §4.5, "Local init()").
func (s *StateMachine) Init(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setupInitiated {
		return
	}
	s.setupInitiated = true
	s.tx.ScheduleSetup(false)
}

// SetupPerformed reports whether the setup handshake has completed.
func (s *StateMachine) SetupPerformed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupPerformed
}

// OnSetup implements internal/rx.StateMachine (spec.md §4.5, "Setup
// (three-way)").
func (s *StateMachine) OnSetup(ctx context.Context, ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !ack:
		// Peer-initiated: step 2, schedule our own ack=1.
		s.tx.ScheduleSetup(true)
	case ack && s.setupInitiated:
		// Step 3: confirm and complete.
		s.tx.ScheduleSetup(true)
		s.setupPerformed = true
		s.setupInitiated = false
		dlog.Debugf(ctx, "statemachine: setup handshake complete (initiator)")
	case ack && !s.setupInitiated:
		s.setupPerformed = true
		dlog.Debugf(ctx, "statemachine: setup handshake complete (responder)")
	}
}

// LocalFault begins the reset handshake in response to a local fault (e.g.
// tx escalating ack-timeout exhaustion) (spec.md §4.5, "Reset").
func (s *StateMachine) LocalFault(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetInitiated = true
	s.rx.Reset()
	s.tx.Reset()
	s.setupInitiated = false
	s.setupPerformed = false
	dlog.Errorf(ctx, "statemachine: local fault, initiating reset")
	s.tx.ScheduleReset(false)
}

// OnReset implements internal/rx.StateMachine.
func (s *StateMachine) OnReset(ctx context.Context, ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ack {
		s.rx.Reset()
		s.tx.Reset()
		s.setupInitiated = false
		s.setupPerformed = false
		s.tx.ScheduleReset(true)
		dlog.Debugf(ctx, "statemachine: reset acknowledged, resynchronising")
		return
	}
	if s.resetInitiated {
		s.resetInitiated = false
		dlog.Debugf(ctx, "statemachine: reset handshake complete")
	}
}

// OnConnectionRequest implements internal/rx.StateMachine: opens the port
// locally and schedules a SYNC with the ARQ option (spec.md §4.5,
// "Connection").
func (s *StateMachine) OnConnectionRequest(ctx context.Context, port, channel uint8, _ uint16) {
	s.rx.OpenPort(port)
	s.tx.ScheduleSync(port, channel, wire.OptARQ, wire.SyncIDResponder)
	if s.obs != nil {
		s.obs.OnPortConnected(ctx, port)
	}
}

// OnConnectionAccept implements internal/rx.StateMachine: schedules an ack.
func (s *StateMachine) OnConnectionAccept(ctx context.Context, port uint8, seq uint16) {
	s.rx.OpenPort(port)
	s.tx.ScheduleAcknowledgement(seq)
	if s.obs != nil {
		s.obs.OnPortConnected(ctx, port)
	}
}

// OnConnectionClose implements internal/rx.StateMachine: closes the port
// locally.
func (s *StateMachine) OnConnectionClose(ctx context.Context, port uint8) {
	s.rx.ClosePort(port)
	if s.obs != nil {
		s.obs.OnPortClosed(ctx, port)
	}
}

// RequestConnection is called locally when an application opens a port,
// opening it in rx and scheduling the peer-facing SYNC (mirrors
// OnConnectionRequest's effect but for the local initiator).
func (s *StateMachine) RequestConnection(_ context.Context, port, channel uint8) {
	s.rx.OpenPort(port)
	s.tx.ScheduleSync(port, channel, wire.OptARQ, wire.SyncIDInitiator)
}

// RequestClose is called locally when an application closes a port.
func (s *StateMachine) RequestClose(_ context.Context, port uint8) {
	s.rx.ClosePort(port)
	s.tx.ScheduleClose(port)
}
