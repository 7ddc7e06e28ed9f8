package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCallback struct {
	mu      sync.Mutex
	frames  [][]byte
	channel []uint8
	up      []bool
}

func (c *recordingCallback) HandleFrame(_ context.Context, _ bool, channel uint8, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	c.channel = append(c.channel, channel)
}

func (c *recordingCallback) HandleBufferEmpty(context.Context, uint8) {}

func (c *recordingCallback) HandleLinkStatus(_ context.Context, up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.up = append(c.up, up)
}

func TestTCPLinkRoundTrip(t *testing.T) {
	serverCB := &recordingCallback{}
	clientCB := &recordingCallback{}

	server, err := NewListener("127.0.0.1:0", serverCB)
	require.NoError(t, err)
	addr := server.listener.Addr().String()
	client := NewDialer(addr, clientCB)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	serverReady := make(chan error, 1)
	go func() { serverReady <- server.Start(ctx) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, client.Start(ctx))
	require.NoError(t, <-serverReady)
	time.Sleep(10 * time.Millisecond)

	ok := client.SendFrame(ctx, 3, []byte("hello"))
	assert.True(t, ok)

	deadline := time.After(500 * time.Millisecond)
	for {
		serverCB.mu.Lock()
		n := len(serverCB.frames)
		serverCB.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("frame not delivered in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	serverCB.mu.Lock()
	defer serverCB.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("hello")}, serverCB.frames)
	assert.Equal(t, []uint8{3}, serverCB.channel)

	_ = client.Stop(ctx)
	_ = server.Stop(ctx)
}

func TestTCPLinkIsChannelUpBeforeStart(t *testing.T) {
	l := NewDialer("127.0.0.1:0", &recordingCallback{})
	assert.False(t, l.IsChannelUp(0))
}
