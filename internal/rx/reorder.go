// Package rx implements the S3TP receive pipeline: frame ingest, CRC
// validation (via internal/wire), reordering by global sequence, and
// per-port reassembly of fragmented messages into delivery-ready messages
// (spec.md §4.3).
package rx

import (
	"github.com/twittidai/s3tp/internal/pqueue"
	"github.com/twittidai/s3tp/internal/wire"
)

// Window is the default width of the sliding range of acceptable global
// sequences ahead of the next sequence to consume (spec.md §3, §6 WINDOW).
const Window = 256

// seqDistance returns (b - a) mod 256, the forward distance from a to b on
// the 8-bit sequence ring.
func seqDistance(a, b uint8) int {
	return int(uint8(b - a))
}

// effectiveWindow caps window at one less than the 8-bit sequence ring's
// full span (255). global_seq only has 256 distinct values, so a
// configured WINDOW of 256 (spec.md's own default) makes every forward
// distance 0..255 simultaneously "within window": is_valid and
// window_exceeded would both become tautological and a duplicate that has
// already fallen behind to_consume_global_seq could never be told apart
// from a packet that is legitimately still ahead. Capping at 255 always
// reserves the single farthest ring position as "stale", which on any
// non-pathological connection can only be occupied by a packet already
// delivered, so it drops cleanly instead of lingering in the queue forever.
func effectiveWindow(window int) int {
	if window > 255 {
		return 255
	}
	if window < 1 {
		return 1
	}
	return window
}

// newReorderQueue builds the pqueue.Queue instance the rx module enqueues
// received data packets into, policy-compared on global_seq modulo 256 and
// anchored on next (the rx module's to_consume_global_seq, read by pointer
// so the policy always sees the current value). window is also read by
// pointer so Rx.SetWindow can change it after construction.
func newReorderQueue(next *uint8, window *int) *pqueue.Queue[wire.Packet] {
	return pqueue.New(pqueue.Policy[wire.Packet]{
		// Lower global_seq (measured forward from *next) is older/higher
		// priority, matching spec.md §4.3's "lower global_seq is older"
		// comparator using modular comparison anchored on to_consume_global_seq.
		Compare: func(a, b wire.Packet) int {
			da := seqDistance(*next, a.Header.GlobalSeq)
			db := seqDistance(*next, b.Header.GlobalSeq)
			return da - db
		},
		// A packet becomes invalid once its global_seq has fallen behind
		// to_consume_global_seq: already consumed, so a duplicate. Re-evaluated
		// at pop time against the current *next, so a duplicate pushed before
		// to_consume caught up to it is still dropped once it does (spec.md §3,
		// "a packet is valid iff (global_seq - to_consume_global_seq) mod 256 <
		// WINDOW").
		IsValid: func(p wire.Packet) bool {
			return seqDistance(*next, p.Header.GlobalSeq) < effectiveWindow(*window)
		},
		// Rejects a push that would span more than WINDOW sequences from the
		// current queue head (spec.md §4.2, "window_exceeded"; spec.md §4.3,
		// "if the head of the queue and the new packet span more than WINDOW
		// sequences... WINDOW exactly hit [is accepted]; WINDOW+1 rejected").
		WindowExceeded: func(head, newElem wire.Packet) bool {
			span := seqDistance(head.Header.GlobalSeq, newElem.Header.GlobalSeq)
			return span > effectiveWindow(*window)
		},
		ElemSize: 256,
	})
}
