package s3tp

import "context"

// LinkInterface is the capability the engine consumes from the physical
// link driver (SPI bus or framed-TCP tunnel). The driver itself is out of
// scope for this module (spec.md §1) — only this interface and the
// LinkCallback it calls back into are part of the core.
type LinkInterface interface {
	// SendFrame writes bytes (a complete S3TP wire frame: header + payload)
	// on the given virtual channel. Returns false if the frame could not be
	// handed to the link (e.g. link down).
	SendFrame(ctx context.Context, channel uint8, frame []byte) bool
	// IsChannelUp reports whether the given virtual channel currently
	// accepts frames.
	IsChannelUp(channel uint8) bool
	// Start begins the link driver's ingress loop; it must begin invoking
	// the LinkCallback the driver was given.
	Start(ctx context.Context) error
	// Stop shuts the link driver down. Idempotent.
	Stop(ctx context.Context) error
}

// LinkCallback is the capability the engine supplies to the link driver, so
// the driver can hand received frames and status changes back into the core
// (spec.md §6).
type LinkCallback interface {
	// HandleFrame delivers one received frame to the rx pipeline. arq
	// indicates the link itself considers this channel reliable; the engine
	// does not use it, and it is separate from the per-packet ARQ option.
	HandleFrame(ctx context.Context, arq bool, channel uint8, data []byte)
	// HandleBufferEmpty notifies the tx module that a previously blocked
	// channel now has room, so it can resume dispatch.
	HandleBufferEmpty(ctx context.Context, channel uint8)
	// HandleLinkStatus notifies the engine that the link as a whole went up
	// or down.
	HandleLinkStatus(ctx context.Context, linkUp bool)
}
