// Package link provides a minimal length-prefixed framed-TCP implementation
// of pkg/s3tp.LinkInterface, standing in for the out-of-scope SPI/tunnel
// driver so cmd/s3tpd has something concrete to run two peers over.
package link

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
)

// Callback mirrors pkg/s3tp.LinkCallback without importing that package, so
// this package stays usable independently of the public facade; *s3tp.Engine
// satisfies it structurally.
type Callback interface {
	HandleFrame(ctx context.Context, arq bool, channel uint8, data []byte)
	HandleBufferEmpty(ctx context.Context, channel uint8)
	HandleLinkStatus(ctx context.Context, linkUp bool)
}

const maxFrameLen = 1 << 20

// TCPLink is a framed-TCP LinkInterface: each frame on the wire is a 4-byte
// big-endian length prefix, a 1-byte channel number, then the S3TP frame
// bytes. It can operate as either a listener (one inbound connection
// accepted) or a dialer, chosen by which constructor is used.
type TCPLink struct {
	cb Callback

	mu       sync.Mutex
	conn     net.Conn
	writer   *bufio.Writer
	up       bool
	dialTo   string
	listener net.Listener
}

// NewDialer constructs a TCPLink that connects out to addr when Start runs.
func NewDialer(addr string, cb Callback) *TCPLink {
	return &TCPLink{cb: cb, dialTo: addr}
}

// NewListener constructs a TCPLink that accepts one inbound connection on
// addr when Start runs.
func NewListener(addr string, cb Callback) (*TCPLink, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "link: listening")
	}
	return &TCPLink{cb: cb, listener: l}, nil
}

// SendFrame implements pkg/s3tp.LinkInterface.
func (l *TCPLink) SendFrame(ctx context.Context, channel uint8, frame []byte) bool {
	l.mu.Lock()
	w, up := l.writer, l.up
	l.mu.Unlock()
	if !up || w == nil {
		return false
	}

	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(frame)))
	hdr[4] = channel

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(hdr[:]); err != nil {
		dlog.Errorf(ctx, "link: write header: %v", err)
		return false
	}
	if _, err := l.writer.Write(frame); err != nil {
		dlog.Errorf(ctx, "link: write frame: %v", err)
		return false
	}
	if err := l.writer.Flush(); err != nil {
		dlog.Errorf(ctx, "link: flush: %v", err)
		return false
	}
	return true
}

// IsChannelUp implements pkg/s3tp.LinkInterface. A single TCP stream carries
// every virtual channel, so this just reports the connection's state.
func (l *TCPLink) IsChannelUp(uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

// Start implements pkg/s3tp.LinkInterface: establishes the connection (by
// dialing or accepting, per which constructor built this link) and begins
// the read loop that feeds frames to Callback.
func (l *TCPLink) Start(ctx context.Context) error {
	var conn net.Conn
	var err error
	if l.listener != nil {
		conn, err = l.listener.Accept()
		if err != nil {
			return errors.Wrap(err, "link: accept")
		}
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", l.dialTo)
		if err != nil {
			return errors.Wrap(err, "link: dial")
		}
	}

	l.mu.Lock()
	l.conn = conn
	l.writer = bufio.NewWriter(conn)
	l.up = true
	l.mu.Unlock()

	l.cb.HandleLinkStatus(ctx, true)
	go l.readLoop(ctx)
	return nil
}

func (l *TCPLink) readLoop(ctx context.Context) {
	r := bufio.NewReader(l.conn)
	for {
		var hdr [5]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if ctx.Err() == nil {
				dlog.Errorf(ctx, "link: read header: %v", err)
			}
			l.goDown(ctx)
			return
		}
		n := binary.BigEndian.Uint32(hdr[0:4])
		channel := hdr[4]
		if n > maxFrameLen {
			dlog.Errorf(ctx, "link: oversized frame length %d, dropping connection", n)
			l.goDown(ctx)
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			dlog.Errorf(ctx, "link: read frame: %v", err)
			l.goDown(ctx)
			return
		}
		l.cb.HandleFrame(ctx, true, channel, frame)
	}
}

func (l *TCPLink) goDown(ctx context.Context) {
	l.mu.Lock()
	wasUp := l.up
	l.up = false
	l.mu.Unlock()
	if wasUp {
		l.cb.HandleLinkStatus(ctx, false)
	}
}

// Stop implements pkg/s3tp.LinkInterface. Idempotent.
func (l *TCPLink) Stop(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.up = false
	l.mu.Unlock()
	if l.listener != nil {
		_ = l.listener.Close()
	}
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return errors.Wrap(err, "link: closing connection")
	}
	return nil
}
