package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrCRCInvalid is returned by Decode when the computed CRC does not match
// the CRC carried in the frame. Per spec.md §4.3/§7, CRC failures are
// transient wire errors: the caller drops the frame and relies on the peer's
// retransmission, it is never escalated to a protocol fault.
var ErrCRCInvalid = errors.New("wire: crc mismatch")

// ErrLength is returned by Decode when the frame is shorter than HeaderSize,
// or shorter than HeaderSize+pdu_length, or by Encode when the payload does
// not match the header's declared pdu_length.
var ErrLength = errors.New("wire: length mismatch")

// Encode serialises h and payload into a wire frame: HeaderSize bytes of
// header followed by len(payload) bytes of payload. All multi-byte header
// fields are little-endian on the wire (fixed explicitly; the source this
// spec was distilled from left this implicit in a direct struct cast — see
// DESIGN.md, Open Questions). The returned frame's CRC field is computed
// over the header (with the crc field zeroed) concatenated with payload.
func Encode(h Header, payload []byte) ([]byte, error) {
	if int(h.PDULength) != len(payload) {
		return nil, errors.Wrapf(ErrLength, "header declares pdu_length %d but payload is %d bytes", h.PDULength, len(payload))
	}
	if len(payload) > MaxPDULength {
		return nil, ErrPDUTooLarge
	}

	frame := make([]byte, HeaderSize+len(payload))
	putHeader(frame[:HeaderSize], h, 0)
	copy(frame[HeaderSize:], payload)

	crc := CRC16(frame)
	binary.LittleEndian.PutUint16(frame[0:2], crc)
	return frame, nil
}

// Decode parses a wire frame produced by Encode, validating its CRC. The
// returned payload aliases frame's backing array; callers that retain it
// past the lifetime of frame must copy it.
func Decode(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, errors.Wrapf(ErrLength, "frame is %d bytes, shorter than header size %d", len(frame), HeaderSize)
	}

	h := getHeader(frame[:HeaderSize])
	if len(frame) < HeaderSize+int(h.PDULength) {
		return Header{}, nil, errors.Wrapf(ErrLength, "frame declares pdu_length %d but only %d bytes follow the header", h.PDULength, len(frame)-HeaderSize)
	}

	wireCRC := binary.LittleEndian.Uint16(frame[0:2])
	computed := crc16WithZeroedField(frame)
	if computed != wireCRC {
		return Header{}, nil, errors.Wrapf(ErrCRCInvalid, "got %#04x want %#04x", wireCRC, computed)
	}
	h.CRC = wireCRC

	return h, frame[HeaderSize : HeaderSize+int(h.PDULength)], nil
}

// crc16WithZeroedField recomputes the CRC-16 of frame as if its crc field
// (the first two bytes) were zero, without mutating frame.
func crc16WithZeroedField(frame []byte) uint16 {
	crc := uint16(0xFFFF)
	for i, b := range frame {
		if i < 2 {
			b = 0
		}
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// putHeader packs h into buf[off:off+HeaderSize]. The crc field is always
// written as zero, whatever h.CRC holds; Encode fills in the real CRC
// afterwards.
func putHeader(buf []byte, h Header, off int) {
	binary.LittleEndian.PutUint16(buf[off+0:], 0) // crc filled in by caller
	buf[off+2] = h.GlobalSeq
	buf[off+3] = h.SubSeq
	binary.LittleEndian.PutUint16(buf[off+4:], h.Ack)

	word := uint16(h.Flags&0x7)<<13 | (h.PDULength & 0x1FFF)
	binary.LittleEndian.PutUint16(buf[off+6:], word)

	buf[off+8] = h.PortSeq

	portByte := h.Port & 0x7F
	if h.MoreFragments {
		portByte |= 0x80
	}
	buf[off+9] = portByte
}

// getHeader unpacks buf[0:HeaderSize] into a Header. buf must be at least
// HeaderSize bytes; the crc field (buf[0:2]) is not interpreted here, it is
// filled in by the caller from the raw wire bytes.
func getHeader(buf []byte) Header {
	var h Header
	h.GlobalSeq = buf[2]
	h.SubSeq = buf[3]
	h.Ack = binary.LittleEndian.Uint16(buf[4:6])

	word := binary.LittleEndian.Uint16(buf[6:8])
	h.Flags = Flags(word >> 13)
	h.PDULength = word & 0x1FFF

	h.PortSeq = buf[8]
	h.MoreFragments = buf[9]&0x80 != 0
	h.Port = buf[9] & 0x7F
	return h
}
