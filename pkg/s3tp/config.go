package s3tp

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
)

// Config holds the tunable constants of spec.md §6. Defaults match the spec
// exactly; LoadConfig overlays environment variables onto them using
// github.com/sethvargo/go-envconfig, the same library and calling
// convention the pack's manager daemon uses for its own env-sourced config
// (see DESIGN.md).
type Config struct {
	// LenS3TPPDU is the largest unfragmented payload, in bytes. Must be
	// <= 8189 so pdu_length fits the wire format's 13-bit field (spec.md §9,
	// Open Questions).
	LenS3TPPDU int `env:"S3TP_LEN_PDU,default=8189"`
	// MaxPDULength is the largest application message size accepted by
	// SendToLinkLayer before fragmentation.
	MaxPDULength int `env:"S3TP_MAX_PDU_LENGTH,default=65536"`
	// MaxQueueSize is the memory cap, in bytes, enforced by every pqueue
	// instance.
	MaxQueueSize int `env:"S3TP_MAX_QUEUE_SIZE,default=1048576"`
	// Window is the width of the acceptable global_seq range ahead of
	// to_consume_global_seq.
	Window int `env:"S3TP_WINDOW,default=256"`
	// AckWaitTime is how long the tx module waits for an ack before
	// retransmitting the in-flight ARQ slot.
	AckWaitTime time.Duration `env:"S3TP_ACK_WAIT_TIME,default=10s"`
	// MaxRetransmissionCount is how many times an unacked ARQ packet is
	// resent before the tx module escalates to a RESET.
	MaxRetransmissionCount int `env:"S3TP_MAX_RETRANSMISSION_COUNT,default=2"`
	// VirtualChannels is the number of usable virtual channels; channel
	// VirtualChannels itself (7 by default) is the reserved one. Only
	// Validate reads this field; OpenPort does not check a port's channel
	// against it.
	VirtualChannels int `env:"S3TP_VIRTUAL_CHANNELS,default=7"`
}

// DefaultConfig returns the spec.md §6 default tunables.
func DefaultConfig() Config {
	return Config{
		LenS3TPPDU:             8189,
		MaxPDULength:           65536,
		MaxQueueSize:           1 << 20,
		Window:                 256,
		AckWaitTime:            10 * time.Second,
		MaxRetransmissionCount: 2,
		VirtualChannels:        7,
	}
}

// LoadConfig returns DefaultConfig overlaid with any S3TP_* environment
// variables present, then validates it.
func LoadConfig(ctx context.Context) (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "s3tp: loading config from environment")
	}
	return cfg, cfg.Validate()
}

// Validate checks the invariants the wire format depends on.
func (c Config) Validate() error {
	if c.LenS3TPPDU <= 0 || c.LenS3TPPDU > 8189 {
		return errors.Errorf("s3tp: LenS3TPPDU must be in (0, 8189], got %d", c.LenS3TPPDU)
	}
	if c.MaxPDULength < c.LenS3TPPDU {
		return errors.Errorf("s3tp: MaxPDULength (%d) must be >= LenS3TPPDU (%d)", c.MaxPDULength, c.LenS3TPPDU)
	}
	if c.Window <= 0 || c.Window > 256 {
		return errors.Errorf("s3tp: Window must be in (0, 256], got %d", c.Window)
	}
	if c.MaxRetransmissionCount < 0 {
		return errors.Errorf("s3tp: MaxRetransmissionCount must be >= 0, got %d", c.MaxRetransmissionCount)
	}
	if c.VirtualChannels <= 0 || c.VirtualChannels > 7 {
		return errors.Errorf("s3tp: VirtualChannels must be in (0, 7], got %d", c.VirtualChannels)
	}
	return nil
}

// ReservedChannel is the virtual channel number reserved for control
// packets (DEFAULT_RESERVED_CHANNEL in spec.md §4.4).
const ReservedChannel = 0
