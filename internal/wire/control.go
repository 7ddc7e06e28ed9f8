package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxPorts is the number of distinct port slots a Sync payload carries one
// port_seq counter for (ports are the 7-bit field of Header.Port, 0..127).
const MaxPorts = 1 << 7

// ControlType identifies the kind of control packet carried by a FlagCtrl
// frame's payload (spec.md §3): the first byte of every control payload,
// before the type-specific body.
type ControlType uint8

const (
	CtrlInitialConnect ControlType = iota + 1
	CtrlSync
	CtrlFin
	CtrlReset
)

func (t ControlType) String() string {
	switch t {
	case CtrlInitialConnect:
		return "INITIAL_CONNECT"
	case CtrlSync:
		return "SYNC"
	case CtrlFin:
		return "FIN"
	case CtrlReset:
		return "RESET"
	default:
		return "UNKNOWN_CONTROL"
	}
}

// ErrControlPayloadEmpty is returned when a control payload is too short to
// even carry its type byte.
var ErrControlPayloadEmpty = errors.New("wire: control payload empty")

// PeekControlType reads the leading type byte of a control payload without
// consuming the rest, so the caller can decide whether to decode it as a
// Control or a Sync body.
func PeekControlType(payload []byte) (ControlType, error) {
	if len(payload) < 1 {
		return 0, ErrControlPayloadEmpty
	}
	return ControlType(payload[0]), nil
}

// controlPayloadSize is {type:1}{sync_sequence:2}, the body of every control
// packet except SYNC.
const controlPayloadSize = 3

// ErrControlPayloadSize is returned when decoding a control payload whose
// length does not match the fixed control-payload encoding.
var ErrControlPayloadSize = errors.New("wire: control payload has wrong size")

// ControlPayload is the decoded payload of an INITIAL_CONNECT/FIN/RESET
// control packet.
type ControlPayload struct {
	Type         ControlType
	SyncSequence uint16
}

// EncodeControl packs a ControlPayload into its wire bytes.
func EncodeControl(p ControlPayload) []byte {
	buf := make([]byte, controlPayloadSize)
	buf[0] = byte(p.Type)
	binary.LittleEndian.PutUint16(buf[1:3], p.SyncSequence)
	return buf
}

// DecodeControl unpacks an INITIAL_CONNECT/FIN/RESET control packet's
// payload.
func DecodeControl(payload []byte) (ControlPayload, error) {
	if len(payload) != controlPayloadSize {
		return ControlPayload{}, ErrControlPayloadSize
	}
	return ControlPayload{
		Type:         ControlType(payload[0]),
		SyncSequence: binary.LittleEndian.Uint16(payload[1:3]),
	}, nil
}

// syncBodySize is {sync_id:1}{tx_global_seq:1}{port_seq[MaxPorts]:1 each},
// the body that follows the type byte in a SYNC control packet.
const syncBodySize = 2 + MaxPorts

// syncPayloadSize is the full SYNC control packet payload: {type:1} + body.
const syncPayloadSize = 1 + syncBodySize

// Sync id values (spec.md §3).
const (
	SyncIDInitiator uint8 = 0x00
	SyncIDResponder uint8 = 0xFF
)

// ErrSyncPayloadSize is returned when decoding a sync payload whose length
// does not match the fixed sync-payload encoding.
var ErrSyncPayloadSize = errors.New("wire: sync payload has wrong size")

// SyncPayload is the decoded payload of a SYNC control packet, exchanging
// per-port sequence state so both endpoints can realign after a setup or
// reset (spec.md §3).
type SyncPayload struct {
	SyncID      uint8
	TxGlobalSeq uint8
	PortSeq     [MaxPorts]uint8
}

// EncodeSync packs a SyncPayload into its wire bytes, including the leading
// CtrlSync type byte.
func EncodeSync(p SyncPayload) []byte {
	buf := make([]byte, syncPayloadSize)
	buf[0] = byte(CtrlSync)
	buf[1] = p.SyncID
	buf[2] = p.TxGlobalSeq
	copy(buf[3:], p.PortSeq[:])
	return buf
}

// DecodeSync unpacks a SYNC packet's full payload, including its leading
// type byte.
func DecodeSync(payload []byte) (SyncPayload, error) {
	if len(payload) != syncPayloadSize {
		return SyncPayload{}, ErrSyncPayloadSize
	}
	var p SyncPayload
	p.SyncID = payload[1]
	p.TxGlobalSeq = payload[2]
	copy(p.PortSeq[:], payload[3:])
	return p, nil
}
