package wire

// Options is the out-of-band bitmask carried alongside a Packet but never
// placed on the wire (spec.md §3): it tells the tx module how to schedule
// the packet, not the peer anything about it.
type Options uint8

const (
	// OptARQ marks the packet as requiring acknowledged, retransmitted
	// delivery. Packets without OptARQ are fire-and-forget.
	OptARQ Options = 1 << iota
	// OptCustom is reserved for link-driver-specific hints; the core never
	// interprets it.
	OptCustom
)

// Packet bundles a decoded Header with its payload and the out-of-band
// channel/options metadata that travels with it inside the engine but never
// crosses the wire directly (spec.md §3, "Packet = header + opaque payload
// ... also carries out-of-band channel and options bitmask").
type Packet struct {
	Header  Header
	Payload []byte
	Channel uint8
	Options Options
}

// ARQ reports whether this packet was submitted for acknowledged delivery.
func (p Packet) ARQ() bool { return p.Options&OptARQ != 0 }
