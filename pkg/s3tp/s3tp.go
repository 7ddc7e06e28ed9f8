// Package s3tp is the public API of the S3TP transport engine: a reliable,
// multiplexed transport layered over an unreliable frame-oriented link
// (spec.md §1). Callers supply a LinkInterface and, per port, an
// ApplicationCallback; the Engine handles wire framing, CRC, reordering,
// fragmentation/reassembly, retransmission, and the connect/reset
// handshakes internally.
package s3tp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/twittidai/s3tp/internal/engine"
	"github.com/twittidai/s3tp/internal/metrics"
	"github.com/twittidai/s3tp/internal/wire"
)

// Engine is the top-level S3TP transport handle.
type Engine struct {
	cfg  Config
	link LinkInterface
	core *engine.Engine

	mu    sync.Mutex
	ports map[uint8]*application
}

// NewEngine constructs an Engine bound to link. Run starts and stops link.
// NewEngine does not register the Engine with link: the caller gives the
// link driver the Engine (or a forwarder to it) as its LinkCallback. Metrics are
// registered against prometheus.DefaultRegisterer; use NewEngineWithRegistry
// to supply a different one (or nil to disable metrics entirely).
func NewEngine(cfg Config, link LinkInterface) *Engine {
	return NewEngineWithRegistry(cfg, link, prometheus.DefaultRegisterer)
}

// NewEngineWithRegistry is NewEngine with an explicit Prometheus registerer,
// so callers that run multiple engines in one process (or in tests) can
// avoid promauto's duplicate-registration panic against the global default
// registry. reg may be nil to disable metrics.
func NewEngineWithRegistry(cfg Config, link LinkInterface, reg prometheus.Registerer) *Engine {
	e := &Engine{
		cfg:   cfg,
		link:  link,
		ports: make(map[uint8]*application),
	}
	var mx *metrics.Recorder
	if reg != nil {
		mx = metrics.NewRecorder(reg)
	}
	e.core = engine.New(engine.Config{
		LenS3TPPDU:    cfg.LenS3TPPDU,
		MaxPDULength:  cfg.MaxPDULength,
		AckWaitMillis: cfg.AckWaitTime.Milliseconds(),
		MaxRetransmit: cfg.MaxRetransmissionCount,
		Window:        cfg.Window,
		MaxQueueSize:  cfg.MaxQueueSize,
	}, link, mx)
	return e
}

// Run starts the link and the engine's worker goroutines, blocking until ctx
// is cancelled or a worker fails.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.link.Start(ctx); err != nil {
		return errors.Wrap(err, "s3tp: starting link")
	}
	defer func() { _ = e.link.Stop(ctx) }()
	return e.core.Start(ctx)
}

// HandleFrame implements LinkCallback, delegating to the core engine.
func (e *Engine) HandleFrame(ctx context.Context, arq bool, channel uint8, data []byte) {
	e.core.HandleFrame(ctx, arq, channel, data)
}

// HandleBufferEmpty implements LinkCallback.
func (e *Engine) HandleBufferEmpty(ctx context.Context, channel uint8) {
	e.core.HandleBufferEmpty(ctx, channel)
}

// HandleLinkStatus implements LinkCallback.
func (e *Engine) HandleLinkStatus(ctx context.Context, linkUp bool) {
	e.core.HandleLinkStatus(ctx, linkUp)
}

// OpenPort registers cb as the application callback for port on channel,
// opens the local rx port, and initiates the peer-facing connect handshake
// (spec.md §4.6, onApplicationConnected). Returns an Application handle for
// sending/closing.
func (e *Engine) OpenPort(ctx context.Context, port, channel uint8, cb ApplicationCallback) (Application, error) {
	if int(port) > wire.MaxPort {
		return nil, wire.ErrPortOutOfRange
	}
	app := &application{engine: e, port: port, channel: channel}

	e.mu.Lock()
	e.ports[port] = app
	e.mu.Unlock()

	e.core.OnApplicationConnected(ctx, port, channel, engineCallback{cb})
	return app, nil
}

// engineCallback adapts pkg/s3tp.ApplicationCallback to
// internal/engine.ApplicationCallback.
type engineCallback struct{ cb ApplicationCallback }

func (a engineCallback) OnConnected(ctx context.Context, port uint8)    { a.cb.OnConnected(ctx, port) }
func (a engineCallback) OnDisconnected(ctx context.Context, port uint8) { a.cb.OnDisconnected(ctx, port) }
func (a engineCallback) OnMessage(ctx context.Context, port uint8, data []byte) {
	a.cb.OnMessage(ctx, port, data)
}
func (a engineCallback) OnAvailable(ctx context.Context, port uint8) { a.cb.OnAvailable(ctx, port) }

// application implements Application.
type application struct {
	engine  *Engine
	port    uint8
	channel uint8
}

func (a *application) Port() uint8 { return a.port }

func (a *application) Send(ctx context.Context, data []byte) Code {
	a.engine.mu.Lock()
	open := a.engine.ports[a.port] == a
	a.engine.mu.Unlock()
	if !open {
		return PortClosed
	}
	code := a.engine.core.SendToLinkLayer(a.port, a.channel, data, wire.OptARQ)
	switch code {
	case engine.Success:
		return Success
	case engine.LinkUnavailable:
		return LinkUnavailable
	case engine.QueueFull:
		return QueueFull
	case engine.ChannelBroken:
		return ChannelBroken
	case engine.MaxMessageSize:
		return MaxMessageSize
	case engine.PortClosed:
		return PortClosed
	default:
		return InternalError
	}
}

func (a *application) Close(ctx context.Context) error {
	a.engine.core.OnApplicationDisconnected(ctx, a.port)
	a.engine.mu.Lock()
	delete(a.engine.ports, a.port)
	a.engine.mu.Unlock()
	return nil
}
