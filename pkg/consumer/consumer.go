package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

const DefaultFrameBuffer = 64

// Frame is one decoded packet handed to the display side.
type Frame struct {
	Topic    string        `json:"topic"`
	Source   string        `json:"source"`
	PacketID string        `json:"packetId"`
	Sequence uint64        `json:"sequence"`
	Received time.Time     `json:"received"`
	Values   []codec.Value `json:"values"`
}

// Config selects what a consumer listens to.
type Config struct {
	// Source is a discovered source name; empty or "All" means every source
	Source string `yaml:"source" json:"source"`
	// PacketID restricts decoding to one packet type, e.g. 0x886
	PacketID string `yaml:"packetId" json:"packetId"`
	// Root is the first topic segment; GroundSystem when empty
	Root        string `yaml:"root" json:"root"`
	FrameBuffer int    `yaml:"frameBuffer" json:"frameBuffer"`
}

// SubscriptionPrefix returns the bus prefix under root covering source and packetID.
func SubscriptionPrefix(root, source, packetID string) string {
	if root == "" {
		root = types.TopicRoot
	}
	if source == "" || source == core.AllSourcesName {
		return root
	}
	if packetID == "" {
		return root + types.TopicSeparator + source
	}
	return types.BuildTopic(root, source, packetID)
}

// Consumer subscribes to the bus, decodes matching packets and emits frames.
// Frames are delivered on a single channel; when the reader falls behind new
// frames are dropped.
type Consumer struct {
	id      string
	cfg     Config
	prefix  string
	bus     core.EventBus
	decoder codec.TelemetryDecoder
	frames  chan Frame
	logger  *logrus.Entry

	mu       sync.Mutex
	sub      core.EventSubscription
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopped  bool
	sequence uint64
	dropped  uint64
}

func New(bus core.EventBus, decoder codec.TelemetryDecoder, cfg Config) *Consumer {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultFrameBuffer
	}
	if cfg.PacketID == "" {
		cfg.PacketID = decoder.PacketID()
	}
	if id, err := codec.ParsePacketID(cfg.PacketID); err == nil {
		cfg.PacketID = codec.FormatPacketID(id)
	}
	id := fmt.Sprintf("consumer-%s", uuid.New().String())
	if cfg.Root == "" {
		cfg.Root = types.TopicRoot
	}
	prefix := SubscriptionPrefix(cfg.Root, cfg.Source, cfg.PacketID)
	return &Consumer{
		id:      id,
		cfg:     cfg,
		prefix:  prefix,
		bus:     bus,
		decoder: decoder,
		frames:  make(chan Frame, cfg.FrameBuffer),
		logger:  logrus.WithFields(logrus.Fields{"component": id, "prefix": prefix}),
	}
}

func (c *Consumer) ID() string {
	return c.id
}

// Prefix returns the bus prefix this consumer subscribes to.
func (c *Consumer) Prefix() string {
	return c.prefix
}

// Frames delivers decoded packets. It is closed by Stop.
func (c *Consumer) Frames() <-chan Frame {
	return c.frames
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return fmt.Errorf("consumer %s: %w", c.id, core.ErrAlreadyRunning)
	}
	if c.stopped {
		return fmt.Errorf("consumer %s cannot be restarted", c.id)
	}

	sub, err := c.bus.Subscribe(ctx, c.prefix)
	if err != nil {
		return fmt.Errorf("consumer failed to subscribe to %s: %w", c.prefix, err)
	}
	c.sub = sub

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx, sub)

	c.logger.Info("Consumer started")
	return nil
}

func (c *Consumer) run(ctx context.Context, sub core.EventSubscription) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				c.logger.Info("Subscription closed")
				return
			}
			frame, ok := c.Process(msg)
			if !ok {
				continue
			}
			select {
			case c.frames <- frame:
			default:
				c.mu.Lock()
				c.dropped++
				c.mu.Unlock()
				c.logger.WithField("topic", msg.Topic).Warn("Frame channel is full. Frame dropped.")
			}
		}
	}
}

// Process decodes msg when it matches the consumer's packet filter. The
// sequence counts accepted packets.
func (c *Consumer) Process(msg *types.Message) (Frame, bool) {
	parts, err := types.ParseTopic(msg.Topic)
	if err != nil {
		c.logger.WithError(err).Debug("Ignoring message with unexpected topic")
		return Frame{}, false
	}
	if c.cfg.PacketID != "" && parts.PacketID != c.cfg.PacketID {
		return Frame{}, false
	}

	values := c.decoder.Decode(msg.Payload)
	for _, v := range values {
		if v.Err != nil {
			c.logger.WithError(v.Err).WithField("topic", msg.Topic).Debug("Field could not be decoded")
		}
	}

	c.mu.Lock()
	c.sequence++
	seq := c.sequence
	c.mu.Unlock()

	return Frame{
		Topic:    msg.Topic,
		Source:   parts.SourceName,
		PacketID: parts.PacketID,
		Sequence: seq,
		Received: msg.Time,
		Values:   values,
	}, true
}

// Stats returns the accepted packet count and the number of frames dropped.
func (c *Consumer) Stats() (received, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sequence, c.dropped
}

// Stop unsubscribes and closes the frame channel.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	sub := c.sub
	cancel := c.cancel
	c.sub = nil
	if sub != nil {
		c.stopped = true
	}
	c.mu.Unlock()

	if sub == nil {
		return fmt.Errorf("consumer %s: %w", c.id, core.ErrNotRunning)
	}
	cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to unsubscribe")
	}
	c.wg.Wait()
	close(c.frames)

	c.logger.Info("Consumer stopped")
	return nil
}
