package core

import (
	"context"
	"time"

	"github.com/kalifun/groundlink/pkg/types"
)

// Transport defines the interface for an inter-process message transport.
type Transport interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
}

// PublishOptions for publishing messages
type PublishOptions struct {
	QoS     byte
	Retain  bool
	TimeOut time.Duration
}

type MessageHandler = func(ctx context.Context, msg *types.Message) error

// Subscription represents a transport subscription
type Subscription interface {
	Unsubscribe(ctx context.Context) error
	Topic() string
}

// EventBus is the in-process broadcast channel. Subscribers match by topic prefix.
// Publish never blocks on a slow subscriber.
type EventBus interface {
	LifecycleComponent
	Publish(ctx context.Context, msg *types.Message) error
	Subscribe(ctx context.Context, prefix string) (EventSubscription, error)
}

// EventSubscription represents an event bus subscription
type EventSubscription interface {
	C() <-chan *types.Message
	Prefix() string
	Unsubscribe(ctx context.Context) error
}

// Publisher turns a raw packet from a named source into a bus message.
type Publisher interface {
	Publish(ctx context.Context, sourceName string, raw []byte) error
}

// CommandRequest is everything a command transport needs to build and send one packet.
type CommandRequest struct {
	Host     string
	Port     int
	StreamID uint16
	Endian   types.Endianness
	Code     int
	Args     []types.CommandArgument
}

// CommandTransport sends command packets to a target. It is fire-and-forget:
// a nil error means the packet left the host, not that the target accepted it.
type CommandTransport interface {
	SendCommand(ctx context.Context, req CommandRequest) error
}

type SessionStore interface {
	SaveSession(ctx context.Context, id string, meta SessionMeta) error
	GetSession(ctx context.Context, id string) (SessionMeta, error)
	Touch(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]SessionMeta, error)
	AddSubscription(ctx context.Context, sessionID string, sub SubscriptionMeta) error
	RemoveSubscription(ctx context.Context, sessionID, prefix string) error
	ListSubscriptions(ctx context.Context, sessionID string) ([]SubscriptionMeta, error)
}
