package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/kalifun/groundlink/pkg/consumer"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 512 // drops frames when full
)

// Client is one connected display. Each subscription runs its own consumer;
// every consumer's frames funnel into the client's single send channel.
type Client struct {
	sessionID string
	conn      *gws.Conn
	server    *Server
	sendCh    chan WSMessage
	done      chan struct{}
	logger    *logrus.Entry

	mu        sync.Mutex
	consumers map[string]*consumer.Consumer
	closed    bool
}

func newClient(sessionID string, conn *gws.Conn, server *Server) *Client {
	c := &Client{
		sessionID: sessionID,
		conn:      conn,
		server:    server,
		sendCh:    make(chan WSMessage, sendBuffer),
		done:      make(chan struct{}),
		consumers: make(map[string]*consumer.Consumer),
		logger:    server.logger.WithField("session", sessionID),
	}
	go c.writeLoop()
	return c
}

// Send queues msg without blocking. Frames are dropped when the buffer is
// full; control messages displace the oldest queued message instead.
func (c *Client) Send(msg WSMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.sendCh <- msg:
		return
	default:
	}
	if msg.Type == TypeFrame {
		return
	}
	select {
	case <-c.sendCh:
	default:
	}
	select {
	case c.sendCh <- msg:
	default:
	}
}

func (c *Client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case msg, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.WithError(err).Debug("Write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop dispatches client requests until the connection closes.
func (c *Client) readLoop(ctx context.Context) {
	defer c.close(ctx)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.server.touch(ctx, c.sessionID)
		c.handleCommand(ctx, msg)
	}
}

func (c *Client) handleCommand(ctx context.Context, msg WSMessage) {
	switch msg.Type {
	case TypeGetSources:
		c.sendJSON(TypeSources, c.server.sourceList())

	case TypeSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError("invalid subscribe payload")
			return
		}
		if err := c.subscribe(ctx, req); err != nil {
			c.sendError("subscribe failed: " + err.Error())
		}

	case TypeUnsubscribe:
		var req UnsubscribeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError("invalid unsubscribe payload")
			return
		}
		c.unsubscribe(ctx, req.Prefix)

	default:
		c.sendError("unknown command: " + msg.Type)
	}
}

func (c *Client) subscribe(ctx context.Context, req SubscribeRequest) error {
	decoder, page, err := c.server.resolve(req.PacketID)
	if err != nil {
		return err
	}
	cons := consumer.New(c.server.bus, decoder, consumer.Config{Root: c.server.root, Source: req.Source, PacketID: req.PacketID})
	prefix := cons.Prefix()

	c.mu.Lock()
	if _, exists := c.consumers[prefix]; exists {
		c.mu.Unlock()
		c.sendJSON(TypeSubscribed, SubscribedPayload{Prefix: prefix, Page: page})
		return nil
	}
	c.consumers[prefix] = cons
	c.mu.Unlock()

	if err := cons.Start(ctx); err != nil {
		c.mu.Lock()
		delete(c.consumers, prefix)
		c.mu.Unlock()
		return err
	}
	go c.pump(prefix, cons)

	if err := c.server.sessions.AddSubscription(ctx, c.sessionID, core.SubscriptionMeta{
		Prefix:     prefix,
		Page:       page,
		Subscribed: time.Now(),
	}); err != nil {
		c.logger.WithError(err).Warn("Failed to record subscription")
	}
	c.sendJSON(TypeSubscribed, SubscribedPayload{Prefix: prefix, Page: page})
	return nil
}

func (c *Client) pump(prefix string, cons *consumer.Consumer) {
	for frame := range cons.Frames() {
		c.sendJSON(TypeFrame, newFramePayload(prefix, frame))
	}
}

func (c *Client) unsubscribe(ctx context.Context, prefix string) {
	c.mu.Lock()
	cons, ok := c.consumers[prefix]
	delete(c.consumers, prefix)
	c.mu.Unlock()

	if !ok {
		c.sendError("not subscribed: " + prefix)
		return
	}
	if err := cons.Stop(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to stop consumer")
	}
	if err := c.server.sessions.RemoveSubscription(ctx, c.sessionID, prefix); err != nil {
		c.logger.WithError(err).Debug("Failed to remove subscription record")
	}
}

func (c *Client) close(ctx context.Context) {
	c.mu.Lock()
	consumers := c.consumers
	c.consumers = make(map[string]*consumer.Consumer)
	c.mu.Unlock()

	for _, cons := range consumers {
		_ = cons.Stop(ctx)
	}

	c.mu.Lock()
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.server.unregister(ctx, c)
}

func (c *Client) sendJSON(msgType string, payload any) {
	msg, err := encode(msgType, payload)
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode message")
		return
	}
	c.Send(msg)
}

func (c *Client) sendError(message string) {
	c.sendJSON(TypeError, ErrorPayload{Message: message})
}
