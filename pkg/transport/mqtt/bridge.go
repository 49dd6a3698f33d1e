package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// Bridge forwards every bus message under a prefix to a transport. Messages
// are published at QoS 0 and a failed publish is logged and skipped.
type Bridge struct {
	id        string
	bus       core.EventBus
	transport core.Transport
	prefix    string
	opts      core.PublishOptions
	logger    *logrus.Entry

	mu        sync.Mutex
	sub       core.EventSubscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	forwarded atomic.Uint64
	failed    atomic.Uint64
}

func NewBridge(bus core.EventBus, transport core.Transport, prefix string) *Bridge {
	if prefix == "" {
		prefix = types.TopicRoot
	}
	id := fmt.Sprintf("bridge-%s", uuid.New().String())
	return &Bridge{
		id:        id,
		bus:       bus,
		transport: transport,
		prefix:    prefix,
		logger:    logrus.WithFields(logrus.Fields{"component": id, "prefix": prefix}),
	}
}

func (b *Bridge) ID() string {
	return b.id
}

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		return fmt.Errorf("bridge %s: %w", b.id, core.ErrAlreadyRunning)
	}

	sub, err := b.bus.Subscribe(ctx, b.prefix)
	if err != nil {
		return fmt.Errorf("bridge failed to subscribe to %s: %w", b.prefix, err)
	}
	b.sub = sub

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.forward(ctx, sub)

	b.logger.WithField("transport", b.transport.ID()).Info("Bridge started")
	return nil
}

func (b *Bridge) forward(ctx context.Context, sub core.EventSubscription) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := b.transport.Publish(ctx, ToMQTTTopic(msg.Topic), msg.Payload, b.opts); err != nil {
				b.failed.Add(1)
				b.logger.WithError(err).WithField("topic", msg.Topic).Warn("Failed to forward message")
				continue
			}
			b.forwarded.Add(1)
		}
	}
}

// Stats returns how many messages were forwarded and how many failed.
func (b *Bridge) Stats() (forwarded, failed uint64) {
	return b.forwarded.Load(), b.failed.Load()
}

func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return fmt.Errorf("bridge %s: %w", b.id, core.ErrNotRunning)
	}
	b.cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		b.logger.WithError(err).Warn("Failed to unsubscribe")
	}
	b.wg.Wait()

	b.logger.Info("Bridge stopped")
	return nil
}

// RemoteFeed subscribes to a broker and republishes what it receives on a
// local bus, letting a separate process attach consumers to a remote ground system.
type RemoteFeed struct {
	id        string
	bus       core.EventBus
	transport core.Transport
	prefix    string
	logger    *logrus.Entry

	mu  sync.Mutex
	sub core.Subscription
}

func NewRemoteFeed(transport core.Transport, bus core.EventBus, prefix string) *RemoteFeed {
	id := fmt.Sprintf("feed-%s", uuid.New().String())
	return &RemoteFeed{
		id:        id,
		bus:       bus,
		transport: transport,
		prefix:    prefix,
		logger:    logrus.WithFields(logrus.Fields{"component": id, "prefix": prefix}),
	}
}

func (f *RemoteFeed) ID() string {
	return f.id
}

func (f *RemoteFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sub != nil {
		return fmt.Errorf("feed %s: %w", f.id, core.ErrAlreadyRunning)
	}

	sub, err := f.transport.Subscribe(ctx, PrefixFilter(f.prefix), f.handle)
	if err != nil {
		return fmt.Errorf("feed failed to subscribe to %s: %w", f.prefix, err)
	}
	f.sub = sub
	f.logger.Info("Remote feed started")
	return nil
}

func (f *RemoteFeed) handle(ctx context.Context, msg *types.Message) error {
	if !types.MatchPrefix(f.prefix, msg.Topic) {
		return nil
	}
	return f.bus.Publish(ctx, msg)
}

func (f *RemoteFeed) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sub == nil {
		return fmt.Errorf("feed %s: %w", f.id, core.ErrNotRunning)
	}
	err := f.sub.Unsubscribe(ctx)
	f.sub = nil
	if err != nil {
		return fmt.Errorf("feed failed to unsubscribe: %w", err)
	}
	f.logger.Info("Remote feed stopped")
	return nil
}
