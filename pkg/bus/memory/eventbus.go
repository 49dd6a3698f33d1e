package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

const DefaultBufferSize = 256

// MemoryEventBus is an in-memory implementation of the EventBus interface.
// Every subscription whose prefix matches a topic receives its own copy of the
// message pointer; nothing is consumed exclusively and nothing is retained.
type MemoryEventBus struct {
	id          string
	mu          sync.RWMutex
	running     bool
	subscribers []*Subscription
	bufferSize  int
	metrics     core.MetricsRecorder
	logger      *logrus.Entry
}

type Option func(*MemoryEventBus)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *MemoryEventBus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

func WithMetrics(m core.MetricsRecorder) Option {
	return func(b *MemoryEventBus) {
		if m != nil {
			b.metrics = m
		}
	}
}

func New(opts ...Option) *MemoryEventBus {
	id := fmt.Sprintf("bus-%s", uuid.New().String())
	b := &MemoryEventBus{
		id:         id,
		bufferSize: DefaultBufferSize,
		metrics:    core.NoopRecorder(),
		logger:     logrus.WithField("component", id),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryEventBus) ID() string {
	return b.id
}

func (b *MemoryEventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("event bus %s: %w", b.id, core.ErrAlreadyRunning)
	}

	b.running = true
	b.logger.Info("Event bus started")
	return nil
}

func (b *MemoryEventBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return fmt.Errorf("event bus %s: %w", b.id, core.ErrNotRunning)
	}
	b.running = false

	// Close all subscriber channels to signal completion
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
	b.logger.Info("Event bus stopped")
	return nil
}

// Publish fans msg out to every matching subscriber without blocking.
// A subscriber whose buffer is full misses the message.
func (b *MemoryEventBus) Publish(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.running {
		return core.ErrBusStopped
	}

	delivered := 0
	for _, sub := range b.subscribers {
		if !types.MatchPrefix(sub.prefix, msg.Topic) {
			continue
		}
		// Use a non-blocking send to prevent a slow subscriber from blocking the publisher.
		select {
		case sub.ch <- msg:
			delivered++
		default:
			b.metrics.MessageDropped(sub.prefix)
			b.logger.WithFields(logrus.Fields{
				"topic":  msg.Topic,
				"prefix": sub.prefix,
			}).Warn("Subscriber channel is full. Message dropped.")
		}
	}

	if delivered == 0 {
		b.logger.WithField("topic", msg.Topic).Debug("No subscribers for topic")
	}
	return nil
}

// Subscribe registers a new subscriber for every topic under prefix.
func (b *MemoryEventBus) Subscribe(ctx context.Context, prefix string) (core.EventSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil, core.ErrBusStopped
	}

	sub := &Subscription{
		prefix: prefix,
		ch:     make(chan *types.Message, b.bufferSize),
		bus:    b,
	}
	b.subscribers = append(b.subscribers, sub)
	b.logger.WithField("prefix", prefix).Debug("New subscription added")
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *MemoryEventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers)
}

func (b *MemoryEventBus) unsubscribe(sub *Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		// Stop already closed every channel
		return nil
	}

	for i, s := range b.subscribers {
		if s == sub {
			close(s.ch)
			// Remove from slice without preserving order for efficiency
			b.subscribers[i] = b.subscribers[len(b.subscribers)-1]
			b.subscribers = b.subscribers[:len(b.subscribers)-1]
			b.logger.WithField("prefix", sub.prefix).Debug("Subscription removed")
			return nil
		}
	}
	return fmt.Errorf("subscription not found for prefix: %s", sub.prefix)
}

// Subscription is a live attachment to the bus.
type Subscription struct {
	prefix string
	ch     chan *types.Message
	bus    *MemoryEventBus
	once   sync.Once
}

// C delivers matching messages until the subscription or the bus is closed.
func (s *Subscription) C() <-chan *types.Message {
	return s.ch
}

func (s *Subscription) Prefix() string {
	return s.prefix
}

func (s *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.bus.unsubscribe(s)
	})
	return err
}
