package websocket

import (
	"encoding/json"
	"time"

	"github.com/kalifun/groundlink/pkg/consumer"
)

// Message types exchanged with display clients.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeGetSources  = "get_sources"
	TypeSources     = "sources"
	TypeSource      = "source"
	TypeSubscribed  = "subscribed"
	TypeFrame       = "frame"
	TypeError       = "error"
)

// WSMessage is the envelope for all WebSocket communication.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeRequest asks for decoded frames from one source, or "All", and
// optionally a single packet id.
type SubscribeRequest struct {
	Source   string `json:"source"`
	PacketID string `json:"packetId,omitempty"`
}

type UnsubscribeRequest struct {
	Prefix string `json:"prefix"`
}

type SubscribedPayload struct {
	Prefix string `json:"prefix"`
	Page   string `json:"page,omitempty"`
}

type SourcePayload struct {
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Ordinal   int       `json:"ordinal"`
	FirstSeen time.Time `json:"firstSeen,omitempty"`
}

type FieldPayload struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Error string `json:"error,omitempty"`
}

type FramePayload struct {
	Prefix   string         `json:"prefix"`
	Topic    string         `json:"topic"`
	Source   string         `json:"source"`
	PacketID string         `json:"packetId"`
	Sequence uint64         `json:"sequence"`
	Received time.Time      `json:"received"`
	Fields   []FieldPayload `json:"fields"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func newFramePayload(prefix string, f consumer.Frame) FramePayload {
	fields := make([]FieldPayload, 0, len(f.Values))
	for _, v := range f.Values {
		fp := FieldPayload{Label: v.Label, Value: v.Text}
		if v.Err != nil {
			fp.Error = v.Err.Error()
		}
		fields = append(fields, fp)
	}
	return FramePayload{
		Prefix:   prefix,
		Topic:    f.Topic,
		Source:   f.Source,
		PacketID: f.PacketID,
		Sequence: f.Sequence,
		Received: f.Received,
		Fields:   fields,
	}
}

func encode(msgType string, payload any) (WSMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Type: msgType, Payload: raw}, nil
}
