package s3tp

// Code is the numeric error code surfaced to the application at the
// sendToLinkLayer boundary (spec.md §6, §7). Unlike internal errors (which
// use github.com/pkg/errors for wrapping), Code is never wrapped — the
// application is expected to switch on it directly.
type Code int

const (
	// Success indicates the call completed normally.
	Success Code = iota
	// LinkUnavailable is returned when the tx module is BLOCKED (link down,
	// every channel with pending traffic blacklisted, or an ARQ packet still
	// awaiting its ack).
	LinkUnavailable
	// QueueFull is returned when a port's outbound queue has no room.
	QueueFull
	// ChannelBroken is returned when the requested channel is blacklisted.
	ChannelBroken
	// MaxMessageSize is returned when a message exceeds MAX_PDU_LENGTH.
	MaxMessageSize
	// InternalError covers fatal conditions (out of memory, link driver
	// error) that force the engine inactive.
	InternalError
	// PortClosed is returned when Send is called on an Application whose
	// port has been closed.
	PortClosed
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case LinkUnavailable:
		return "LINK_UNAVAILABLE"
	case QueueFull:
		return "QUEUE_FULL"
	case ChannelBroken:
		return "CHANNEL_BROKEN"
	case MaxMessageSize:
		return "MAX_MESSAGE_SIZE"
	case InternalError:
		return "INTERNAL_ERROR"
	case PortClosed:
		return "PORT_CLOSED"
	default:
		return "UNKNOWN_CODE"
	}
}

// Error implements error so Code can be returned from APIs that prefer the
// error interface while still letting callers type-switch on Code directly.
func (c Code) Error() string { return c.String() }
