package statemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/twittidai/s3tp/internal/wire"
)

type fakeRx struct {
	resets      int
	opened      []uint8
	closed      []uint8
}

func (f *fakeRx) Reset()                { f.resets++ }
func (f *fakeRx) OpenPort(port uint8)    { f.opened = append(f.opened, port) }
func (f *fakeRx) ClosePort(port uint8)   { f.closed = append(f.closed, port) }

type fakeTx struct {
	resets       int
	setups       []bool
	resetAcks    []bool
	syncs        []uint8
	acks         []uint16
	closes       []uint8
}

func (f *fakeTx) ScheduleSetup(ack bool)                              { f.setups = append(f.setups, ack) }
func (f *fakeTx) ScheduleReset(ack bool)                              { f.resetAcks = append(f.resetAcks, ack) }
func (f *fakeTx) ScheduleSync(port, _ uint8, _ wire.Options, _ uint8) { f.syncs = append(f.syncs, port) }
func (f *fakeTx) ScheduleAcknowledgement(seq uint16)                  { f.acks = append(f.acks, seq) }
func (f *fakeTx) ScheduleClose(port uint8)                            { f.closes = append(f.closes, port) }
func (f *fakeTx) Reset()                                              { f.resets++ }

func TestSetupThreeWayInitiator(t *testing.T) {
	rxc, txc := &fakeRx{}, &fakeTx{}
	sm := New(rxc, txc, nil)
	ctx := context.Background()

	sm.Init(ctx)
	assert.Equal(t, []bool{false}, txc.setups)

	sm.OnSetup(ctx, true) // peer's step 2
	assert.Equal(t, []bool{false, true}, txc.setups)
	assert.True(t, sm.SetupPerformed())
}

func TestSetupThreeWayResponder(t *testing.T) {
	rxc, txc := &fakeRx{}, &fakeTx{}
	sm := New(rxc, txc, nil)
	ctx := context.Background()

	sm.OnSetup(ctx, false) // peer-initiated
	assert.Equal(t, []bool{true}, txc.setups)
	assert.False(t, sm.SetupPerformed())

	sm.OnSetup(ctx, true) // peer's step 3
	assert.True(t, sm.SetupPerformed())
}

func TestResetTwoWay(t *testing.T) {
	rxc, txc := &fakeRx{}, &fakeTx{}
	sm := New(rxc, txc, nil)
	ctx := context.Background()

	sm.LocalFault(ctx)
	assert.Equal(t, 1, rxc.resets)
	assert.Equal(t, 1, txc.resets)
	assert.Equal(t, []bool{false}, txc.resetAcks)

	sm.OnReset(ctx, true)
	assert.Equal(t, []bool{false}, txc.resetAcks)
}

func TestResetRespondsToPeerInitiated(t *testing.T) {
	rxc, txc := &fakeRx{}, &fakeTx{}
	sm := New(rxc, txc, nil)
	ctx := context.Background()

	sm.OnReset(ctx, false)
	assert.Equal(t, 1, rxc.resets)
	assert.Equal(t, []bool{true}, txc.resetAcks)
}

type fakeObserver struct {
	connected []uint8
	closedP   []uint8
}

func (f *fakeObserver) OnPortConnected(_ context.Context, port uint8) { f.connected = append(f.connected, port) }
func (f *fakeObserver) OnPortClosed(_ context.Context, port uint8)    { f.closedP = append(f.closedP, port) }

func TestConnectionRequestOpensPortAndSchedulesSync(t *testing.T) {
	rxc, txc := &fakeRx{}, &fakeTx{}
	obs := &fakeObserver{}
	sm := New(rxc, txc, obs)
	ctx := context.Background()

	sm.OnConnectionRequest(ctx, 4, 1, 0)
	assert.Equal(t, []uint8{4}, rxc.opened)
	assert.Equal(t, []uint8{4}, txc.syncs)
	assert.Equal(t, []uint8{4}, obs.connected)
}

func TestConnectionCloseClosesPort(t *testing.T) {
	rxc, txc := &fakeRx{}, &fakeTx{}
	obs := &fakeObserver{}
	sm := New(rxc, txc, obs)
	ctx := context.Background()

	sm.OnConnectionClose(ctx, 9)
	assert.Equal(t, []uint8{9}, rxc.closed)
	assert.Equal(t, []uint8{9}, obs.closedP)
}
