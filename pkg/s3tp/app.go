package s3tp

import "context"

// ApplicationCallback is the capability the engine calls into on behalf of
// the hosting application, one per open port (spec.md §6).
type ApplicationCallback interface {
	// OnConnected fires when the peer's SYNC connection request or accept
	// for port arrives.
	OnConnected(ctx context.Context, port uint8)
	// OnDisconnected fires when the peer closes port with a FIN control
	// packet. It does not fire on a reset, on link loss or when a channel is
	// blacklisted.
	OnDisconnected(ctx context.Context, port uint8)
	// OnMessage delivers one fully reassembled application message received
	// on port.
	OnMessage(ctx context.Context, port uint8, data []byte)
	// OnAvailable fires when port may retry a Send that previously returned
	// LinkUnavailable, QueueFull, or ChannelBroken: the link came back up, the
	// port's channel was cleared off the blacklist, or the port's own tx
	// queue drained (spec.md §6's sendControlMessage({AVAILABLE, error});
	// spec.md §7 category 2, "retries on AVAILABLE notification").
	OnAvailable(ctx context.Context, port uint8)
}

// Application is the handle the engine returns to a caller after OpenPort,
// bundling the send path with the port it is bound to.
type Application interface {
	// Send hands data to the tx pipeline for delivery on this application's
	// port, fragmenting internally if data exceeds Config.LenS3TPPDU. Returns
	// Success or one of the Code values describing why the send could not be
	// admitted.
	Send(ctx context.Context, data []byte) Code
	// Close unregisters this application's port; on the engine's next
	// assembly-worker pass the rx port is closed and a FIN is sent to the
	// peer.
	Close(ctx context.Context) error
	// Port returns the bound port number.
	Port() uint8
}
