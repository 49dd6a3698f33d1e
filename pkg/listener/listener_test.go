package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kalifun/groundlink/pkg/bus/memory"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/router"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	source string
	raw    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (f *fakePublisher) Publish(ctx context.Context, sourceName string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, published{source: sourceName, raw: raw})
	return nil
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]published(nil), f.got...)
}

type countingRecorder struct {
	core.MetricsRecorder
	mu           sync.Mutex
	dropped      map[string]int
	discovered   []string
	socketErrors int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{MetricsRecorder: core.NoopRecorder(), dropped: map[string]int{}}
}

func (c *countingRecorder) DatagramDropped(listener, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped[reason]++
}

func (c *countingRecorder) SourceDiscovered(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovered = append(c.discovered, name)
}

func (c *countingRecorder) SocketError(listener string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.socketErrors++
}

type readResult struct {
	payload []byte
	addr    net.Addr
	err     error
}

// scriptedConn returns its reads in order, then net.ErrClosed.
type scriptedConn struct {
	net.PacketConn
	reads []readResult
}

func (c *scriptedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if len(c.reads) == 0 {
		return 0, nil, net.ErrClosed
	}
	r := c.reads[0]
	c.reads = c.reads[1:]
	if r.err != nil {
		return 0, nil, r.err
	}
	return copy(p, r.payload), r.addr, nil
}

func packet(id uint16, size int) []byte {
	raw := make([]byte, size)
	raw[0] = byte(id >> 8)
	raw[1] = byte(id)
	return raw
}

func TestHandleDatagram_Discovery(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	rec := newCountingRecorder()
	registry := core.NewDiscoveryRegistry()
	l := New(Config{Name: "test"}, registry, pub, WithMetrics(rec))

	addresses := []string{"10.0.0.1", "10.0.0.2", "10.0.0.1", "10.0.0.3", "10.0.0.2"}
	for _, addr := range addresses {
		require.NoError(t, l.HandleDatagram(ctx, types.Datagram{Source: addr, Payload: packet(0x886, 16)}))
	}

	assert.Equal(t, []string{"Spacecraft1", "Spacecraft2", "Spacecraft3"}, rec.discovered)
	assert.Equal(t, 3, registry.Len())

	got := pub.snapshot()
	require.Len(t, got, 5)
	names := make([]string, 0, len(got))
	for _, p := range got {
		names = append(names, p.source)
	}
	assert.Equal(t, []string{"Spacecraft1", "Spacecraft2", "Spacecraft1", "Spacecraft3", "Spacecraft2"}, names)
}

func TestHandleDatagram_ShortDropped(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	rec := newCountingRecorder()
	registry := core.NewDiscoveryRegistry()
	l := New(Config{}, registry, pub, WithMetrics(rec))

	for size := 0; size < MinDatagramLength; size++ {
		assert.NoError(t, l.HandleDatagram(ctx, types.Datagram{Source: "10.0.0.9", Payload: make([]byte, size)}))
	}

	assert.Empty(t, pub.snapshot())
	assert.Equal(t, MinDatagramLength, rec.dropped[DropReasonShort])
	assert.Zero(t, registry.Len(), "short datagrams never register a source")
}

func TestHandleDatagram_PublishFailure(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("boom")}
	rec := newCountingRecorder()
	l := New(Config{}, core.NewDiscoveryRegistry(), pub, WithMetrics(rec))

	err := l.HandleDatagram(context.Background(), types.Datagram{Source: "10.0.0.1", Payload: packet(0x801, 8)})
	assert.Error(t, err)
	assert.Equal(t, 1, rec.dropped[DropReasonPublish])
}

func startListener(t *testing.T, pub core.Publisher, registry *core.DiscoveryRegistry) *Listener {
	t.Helper()
	l := New(Config{Name: "loopback", Address: "127.0.0.1:0"}, registry, pub)
	require.NoError(t, l.Start(context.Background()))
	return l
}

func send(t *testing.T, to net.Addr, payload []byte) {
	t.Helper()
	conn, err := net.Dial("udp", to.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func TestListener_ReceivesFromSocket(t *testing.T) {
	pub := &fakePublisher{}
	registry := core.NewDiscoveryRegistry()
	l := startListener(t, pub, registry)
	defer func() { _ = l.Stop(context.Background()) }()

	send(t, l.LocalAddr(), []byte{0x01})
	send(t, l.LocalAddr(), packet(0x886, 32))

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := pub.snapshot()[0]
	assert.Equal(t, "Spacecraft1", got.source)
	assert.Len(t, got.raw, 32)

	id, ok := registry.Lookup("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "Spacecraft1", id.Name)
}

func TestListener_Lifecycle(t *testing.T) {
	ctx := context.Background()
	l := New(Config{Address: "127.0.0.1:0"}, core.NewDiscoveryRegistry(), &fakePublisher{})

	assert.Nil(t, l.LocalAddr())
	assert.ErrorIs(t, l.Stop(ctx), core.ErrNotRunning)

	require.NoError(t, l.Start(ctx))
	assert.ErrorIs(t, l.Start(ctx), core.ErrAlreadyRunning)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, l.Stop(stopCtx), "closing the socket ends the receive loop")
	assert.ErrorIs(t, l.Stop(ctx), core.ErrNotRunning)
}

func TestListener_BindFailure(t *testing.T) {
	l := New(Config{Address: "256.0.0.1:99999"}, core.NewDiscoveryRegistry(), &fakePublisher{})
	assert.Error(t, l.Start(context.Background()))
}

func receiveOne(sub core.EventSubscription) (*types.Message, bool) {
	select {
	case msg := <-sub.C():
		return msg, true
	case <-time.After(500 * time.Millisecond):
		return nil, false
	}
}

func TestEndToEnd_DatagramToSubscribers(t *testing.T) {
	ctx := context.Background()
	bus := memory.New()
	require.NoError(t, bus.Start(ctx))
	defer func() { _ = bus.Stop(ctx) }()

	registry := core.NewDiscoveryRegistry()
	l := startListener(t, router.New(bus), registry)
	defer func() { _ = l.Stop(ctx) }()

	prefixes := []string{
		"GroundSystem",
		"GroundSystem.Spacecraft1",
		"GroundSystem.Spacecraft1.TelemetryPackets.0x886",
		"GroundSystem.Spacecraft1.TelemetryPackets.0x887",
	}
	subs := make([]core.EventSubscription, len(prefixes))
	for i, p := range prefixes {
		sub, err := bus.Subscribe(ctx, p)
		require.NoError(t, err)
		subs[i] = sub
	}

	raw := packet(0x0886, 234)
	send(t, l.LocalAddr(), raw)

	for _, sub := range subs[:3] {
		msg, ok := receiveOne(sub)
		require.True(t, ok, fmt.Sprintf("prefix %s", sub.Prefix()))
		assert.Equal(t, "GroundSystem.Spacecraft1.TelemetryPackets.0x886", msg.Topic)
		assert.Equal(t, raw, msg.Payload)
	}
	_, ok := receiveOne(subs[3])
	assert.False(t, ok, "unrelated packet id must not be delivered")
}

func TestReceiveLoop_RetriesAfterSocketError(t *testing.T) {
	pub := &fakePublisher{}
	rec := newCountingRecorder()
	l := New(Config{Name: "primary", RetryDelay: time.Millisecond}, core.NewDiscoveryRegistry(), pub, WithMetrics(rec))

	conn := &scriptedConn{reads: []readResult{
		{err: errors.New("connection refused")},
		{payload: packet(0x0886, 8), addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 40000}},
	}}

	done := make(chan struct{})
	l.wg.Add(1)
	go func() {
		l.receiveLoop(context.Background(), conn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not exit on a closed socket")
	}

	got := pub.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "Spacecraft1", got[0].source)
	assert.Equal(t, packet(0x0886, 8), got[0].raw)
	assert.Equal(t, 1, rec.socketErrors)
}
