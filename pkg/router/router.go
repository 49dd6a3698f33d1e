package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrShortPacket is returned for packets too short to carry a packet identifier.
var ErrShortPacket = errors.New("packet too short for identifier")

// Router names each packet by source and packet identifier and republishes it on the event bus.
type Router struct {
	id       string
	root     string
	eventBus core.EventBus
	metrics  core.MetricsRecorder
	logger   *logrus.Entry
	now      func() time.Time
}

type Option func(*Router)

// WithRoot replaces the first topic segment, GroundSystem by default.
func WithRoot(root string) Option {
	return func(r *Router) {
		if root != "" {
			r.root = root
		}
	}
}

func WithMetrics(m core.MetricsRecorder) Option {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// New creates a new Router.
func New(eventBus core.EventBus, opts ...Option) *Router {
	id := fmt.Sprintf("router-%s", uuid.New().String())
	r := &Router{
		id:       id,
		root:     types.TopicRoot,
		eventBus: eventBus,
		metrics:  core.NoopRecorder(),
		logger:   logrus.WithField("component", id),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the unique identifier of the router.
func (r *Router) ID() string {
	return r.id
}

// Envelope names raw by its source and packet identifier.
func (r *Router) Envelope(sourceName string, raw []byte) (types.PacketEnvelope, error) {
	if len(raw) < 2 {
		return types.PacketEnvelope{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(raw))
	}
	return types.PacketEnvelope{SourceName: sourceName, PacketID: codec.PacketIdentifier(raw), Payload: raw}, nil
}

// Topic returns the topic raw would be published under.
func (r *Router) Topic(sourceName string, raw []byte) (string, error) {
	env, err := r.Envelope(sourceName, raw)
	if err != nil {
		return "", err
	}
	return types.BuildTopic(r.root, env.SourceName, env.PacketID), nil
}

// Publish implements core.Publisher. The payload is published as is; the
// router does not check it against the packet's length field.
func (r *Router) Publish(ctx context.Context, sourceName string, raw []byte) error {
	env, err := r.Envelope(sourceName, raw)
	if err != nil {
		return err
	}
	topic := types.BuildTopic(r.root, env.SourceName, env.PacketID)

	msg := &types.Message{Topic: topic, Payload: env.Payload, Time: r.now()}
	if err := r.eventBus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("router failed to publish %s: %w", topic, err)
	}

	r.metrics.MessagePublished(env.SourceName, env.PacketID)
	if r.logger.Logger.IsLevelEnabled(logrus.TraceLevel) {
		r.trace(topic, codec.Packet(env.Payload))
	}
	return nil
}

func (r *Router) trace(topic string, pkt codec.Packet) {
	entry := r.logger.WithField("topic", topic)
	if pkt.Valid() {
		entry = entry.WithFields(logrus.Fields{
			"apid":      pkt.APID(),
			"command":   pkt.IsCommand(),
			"secondary": pkt.HasSecondaryHeader(),
			"sequence":  pkt.SequenceCount(),
			"length":    pkt.DataLength(),
		})
	}
	entry.Tracef("Published %d bytes\n%s", len(pkt), codec.HexDump(pkt))
}
