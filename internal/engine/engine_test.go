package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twittidai/s3tp/internal/wire"
)

type fakeLink struct {
	mu     sync.Mutex
	frames int
}

func (f *fakeLink) SendFrame(_ context.Context, _ uint8, _ []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return true
}

func (f *fakeLink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func testConfig() Config {
	return Config{LenS3TPPDU: 10, MaxPDULength: 100, AckWaitMillis: 1000, MaxRetransmit: 2}
}

func TestSendToLinkLayerMaxMessageSize(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	code := e.SendToLinkLayer(1, 1, make([]byte, 101), 0)
	assert.Equal(t, MaxMessageSize, code)
}

func TestSendToLinkLayerLinkUnavailable(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	e.HandleLinkStatus(context.Background(), false)
	code := e.SendToLinkLayer(1, 1, []byte("hi"), 0)
	assert.Equal(t, LinkUnavailable, code)
}

func TestSendToLinkLayerChannelBroken(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	e.tx.SetChannelAvailable(2, false)
	code := e.SendToLinkLayer(1, 2, []byte("hi"), 0)
	assert.Equal(t, ChannelBroken, code)
}

func TestSendToLinkLayerFragmentsLargeMessage(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	code := e.SendToLinkLayer(1, 1, make([]byte, 25), 0) // chunk size 10 -> 3 fragments
	require.Equal(t, Success, code)
	assert.Equal(t, 3, e.tx.QueueDepth(1))
}

func TestSendToLinkLayerSingleUnfragmented(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	code := e.SendToLinkLayer(1, 1, []byte("short"), 0)
	require.Equal(t, Success, code)
	assert.Equal(t, 1, e.tx.QueueDepth(1))
}

type recordingCallback struct {
	mu        sync.Mutex
	connected []uint8
	messages  [][]byte
}

func (c *recordingCallback) OnConnected(_ context.Context, port uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = append(c.connected, port)
}
func (c *recordingCallback) OnDisconnected(context.Context, uint8) {}
func (c *recordingCallback) OnAvailable(context.Context, uint8)    {}
func (c *recordingCallback) OnMessage(_ context.Context, _ uint8, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, data)
}

func TestAssemblyWorkerDeliversMessageToApplication(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	cb := &recordingCallback{}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() { _ = e.Start(ctx) }()
	time.Sleep(10 * time.Millisecond)

	e.clientsMu.Lock()
	e.clients[7] = cb
	e.clientsMu.Unlock()
	e.rx.OpenPort(7)

	h := wire.Header{Flags: wire.FlagData, Port: 7}
	require.NoError(t, h.SetPDULength(5))
	frame, err := wire.Encode(h, []byte("hello"))
	require.NoError(t, err)
	e.HandleFrame(ctx, false, 1, frame)

	deadline := time.After(150 * time.Millisecond)
	for {
		cb.mu.Lock()
		n := len(cb.messages)
		cb.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message was not delivered in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("hello")}, cb.messages)
}

type availabilityCallback struct {
	mu        sync.Mutex
	available []uint8
}

func (c *availabilityCallback) OnConnected(context.Context, uint8)    {}
func (c *availabilityCallback) OnDisconnected(context.Context, uint8) {}
func (c *availabilityCallback) OnMessage(context.Context, uint8, []byte) {}

func (c *availabilityCallback) OnAvailable(_ context.Context, port uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available = append(c.available, port)
}

func TestHandleLinkStatusNotifiesAllConnectedClients(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	cb1, cb2 := &availabilityCallback{}, &availabilityCallback{}
	e.clientsMu.Lock()
	e.clients[1] = cb1
	e.clients[2] = cb2
	e.clientsMu.Unlock()

	e.HandleLinkStatus(context.Background(), true)

	cb1.mu.Lock()
	assert.Equal(t, []uint8{1}, cb1.available)
	cb1.mu.Unlock()
	cb2.mu.Lock()
	assert.Equal(t, []uint8{2}, cb2.available)
	cb2.mu.Unlock()
}

func TestHandleBufferEmptyNotifiesOnlyMatchingChannel(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	cbOnChannel, cbOffChannel := &availabilityCallback{}, &availabilityCallback{}
	e.clientsMu.Lock()
	e.clients[1] = cbOnChannel
	e.channels[1] = 5
	e.clients[2] = cbOffChannel
	e.channels[2] = 6
	e.clientsMu.Unlock()

	e.HandleBufferEmpty(context.Background(), 5)

	cbOnChannel.mu.Lock()
	assert.Equal(t, []uint8{1}, cbOnChannel.available)
	cbOnChannel.mu.Unlock()
	cbOffChannel.mu.Lock()
	assert.Empty(t, cbOffChannel.available)
	cbOffChannel.mu.Unlock()
}

func TestOnQueueDrainedNotifiesOnlyThatPort(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	cb := &availabilityCallback{}
	e.clientsMu.Lock()
	e.clients[9] = cb
	e.clientsMu.Unlock()

	e.OnQueueDrained(context.Background(), 9)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	assert.Equal(t, []uint8{9}, cb.available)
}

func TestSendToLinkLayerRejectsWholeMessageWhenFragmentsWouldNotFit(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	// Exhaust port 1's queue capacity so a 3-fragment message can't fit.
	e.tx.SetPortQueueMaxBytes(1, 2)

	code := e.SendToLinkLayer(1, 1, make([]byte, 25), 0) // chunk size 10 -> 3 fragments
	assert.Equal(t, QueueFull, code)
	assert.Equal(t, 0, e.tx.QueueDepth(1), "no fragment of the rejected message should have been enqueued")
}

func TestOnApplicationDisconnectedDefersCleanup(t *testing.T) {
	e := New(testConfig(), &fakeLink{}, nil)
	cb := &recordingCallback{}
	e.clientsMu.Lock()
	e.clients[3] = cb
	e.clientsMu.Unlock()

	e.OnApplicationDisconnected(context.Background(), 3)

	e.clientsMu.Lock()
	_, stillPresent := e.clients[3]
	deferredCount := len(e.disconnected)
	e.clientsMu.Unlock()

	assert.False(t, stillPresent)
	assert.Equal(t, 1, deferredCount)
}
