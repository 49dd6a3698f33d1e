package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/kalifun/groundlink/pkg/bus/memory"
	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hkResolver(packetID string) (codec.TelemetryDecoder, string, error) {
	table := types.FieldTable{
		Key:    "hk.csv",
		Fields: []types.FieldDefinition{{Label: "Count", Start: 6, Size: 1, Format: "B", Display: types.DisplayDecimal}},
		Slots:  1,
	}
	return codec.NewTableDecoder(table, types.LittleEndian, packetID), table.Key, nil
}

type harness struct {
	bus      *memory.MemoryEventBus
	registry *core.DiscoveryRegistry
	sessions *core.InMemorySessionStore
	server   *Server
	conn     *gws.Conn
}

func newHarness(t *testing.T, opts ...ServerOption) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		bus:      memory.New(),
		registry: core.NewDiscoveryRegistry(),
		sessions: core.NewInMemorySessionStore(),
	}
	require.NoError(t, h.bus.Start(ctx))
	h.server = NewServer(Config{Address: "127.0.0.1:0"}, h.bus, h.registry, h.sessions, hkResolver, opts...)
	require.NoError(t, h.server.Start(ctx))

	conn, _, err := gws.DefaultDialer.Dial("ws://"+h.server.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	h.conn = conn

	t.Cleanup(func() {
		_ = conn.Close()
		_ = h.server.Stop(ctx)
		_ = h.bus.Stop(ctx)
	})
	return h
}

func (h *harness) read(t *testing.T, wantType string) json.RawMessage {
	t.Helper()
	require.NoError(t, h.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg WSMessage
		require.NoError(t, h.conn.ReadJSON(&msg))
		if msg.Type == wantType {
			return msg.Payload
		}
	}
}

func (h *harness) send(t *testing.T, msgType string, payload any) {
	t.Helper()
	msg, err := encode(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, h.conn.WriteJSON(msg))
}

func TestServer_SourcesOnConnect(t *testing.T) {
	h := newHarness(t)

	var sources []SourcePayload
	require.NoError(t, json.Unmarshal(h.read(t, TypeSources), &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, core.AllSourcesName, sources[0].Name)

	h.registry.Resolve("10.0.0.7")
	var discovered SourcePayload
	require.NoError(t, json.Unmarshal(h.read(t, TypeSource), &discovered))
	assert.Equal(t, "Spacecraft1", discovered.Name)
	assert.Equal(t, "10.0.0.7", discovered.Address)
}

func TestServer_SubscribeStreamsFrames(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.read(t, TypeSources)

	h.send(t, TypeSubscribe, SubscribeRequest{Source: "Spacecraft1", PacketID: "0x886"})
	var sub SubscribedPayload
	require.NoError(t, json.Unmarshal(h.read(t, TypeSubscribed), &sub))
	assert.Equal(t, "GroundSystem.Spacecraft1.TelemetryPackets.0x886", sub.Prefix)
	assert.Equal(t, "hk.csv", sub.Page)

	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, h.bus.Publish(ctx, &types.Message{
		Topic:   "GroundSystem.Spacecraft1.TelemetryPackets.0x886",
		Payload: []byte{0x08, 0x86, 0, 0, 0, 1, 42},
	}))

	var frame FramePayload
	require.NoError(t, json.Unmarshal(h.read(t, TypeFrame), &frame))
	assert.Equal(t, "Spacecraft1", frame.Source)
	assert.Equal(t, uint64(1), frame.Sequence)
	require.Len(t, frame.Fields, 1)
	assert.Equal(t, FieldPayload{Label: "Count", Value: "42"}, frame.Fields[0])

	resp, err := http.Get("http://" + h.server.Addr().String() + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sessions []sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Subscriptions, 1)
	assert.Equal(t, sub.Prefix, sessions[0].Subscriptions[0].Prefix)

	h.send(t, TypeUnsubscribe, UnsubscribeRequest{Prefix: sub.Prefix})
	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_SubscribeUnderRoot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithRoot("Lab"))
	h.read(t, TypeSources)

	h.send(t, TypeSubscribe, SubscribeRequest{Source: "Spacecraft1", PacketID: "0x886"})
	var sub SubscribedPayload
	require.NoError(t, json.Unmarshal(h.read(t, TypeSubscribed), &sub))
	assert.Equal(t, "Lab.Spacecraft1.TelemetryPackets.0x886", sub.Prefix)

	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, h.bus.Publish(ctx, &types.Message{
		Topic:   "Lab.Spacecraft1.TelemetryPackets.0x886",
		Payload: []byte{0x08, 0x86, 0, 0, 0, 1, 7},
	}))

	var frame FramePayload
	require.NoError(t, json.Unmarshal(h.read(t, TypeFrame), &frame))
	assert.Equal(t, "Spacecraft1", frame.Source)
	require.Len(t, frame.Fields, 1)
	assert.Equal(t, "7", frame.Fields[0].Value)
}

func TestServer_Errors(t *testing.T) {
	h := newHarness(t)
	h.read(t, TypeSources)

	h.send(t, "reboot", nil)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(h.read(t, TypeError), &e))
	assert.Contains(t, e.Message, "unknown command")

	h.send(t, TypeUnsubscribe, UnsubscribeRequest{Prefix: "GroundSystem"})
	require.NoError(t, json.Unmarshal(h.read(t, TypeError), &e))
	assert.Contains(t, e.Message, "not subscribed")

	resp, err := http.Post("http://"+h.server.Addr().String()+"/api/sources", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_SessionRemovedOnDisconnect(t *testing.T) {
	h := newHarness(t)
	h.read(t, TypeSources)

	sessions, err := h.sessions.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.NoError(t, h.conn.Close())
	require.Eventually(t, func() bool {
		sessions, _ := h.sessions.ListSessions(context.Background())
		return len(sessions) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
