package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAddress    = ":1235"
	DefaultBufferSize = 65535
	DefaultRetryDelay = time.Second

	// MinDatagramLength is the shortest datagram treated as a packet.
	MinDatagramLength = codec.PrimaryHeaderLength

	DropReasonShort   = "short"
	DropReasonPublish = "publish"
)

// Config holds settings for one UDP source listener.
type Config struct {
	Name       string        `yaml:"name" json:"name"`
	Address    string        `yaml:"address" json:"address"`
	BufferSize int           `yaml:"bufferSize" json:"bufferSize"`
	RetryDelay time.Duration `yaml:"retryDelay" json:"retryDelay"`
}

func (c *Config) setDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Listener receives datagrams on one UDP socket, assigns each sender a source
// name on first contact and hands every packet to a publisher.
type Listener struct {
	id        string
	cfg       Config
	registry  *core.DiscoveryRegistry
	publisher core.Publisher
	metrics   core.MetricsRecorder
	logger    *logrus.Entry

	mu       sync.Mutex
	conn     net.PacketConn
	running  bool
	stopping bool
	wg       sync.WaitGroup
}

type Option func(*Listener)

func WithMetrics(m core.MetricsRecorder) Option {
	return func(l *Listener) {
		if m != nil {
			l.metrics = m
		}
	}
}

// New creates a listener. It does not open the socket until Start.
func New(cfg Config, registry *core.DiscoveryRegistry, publisher core.Publisher, opts ...Option) *Listener {
	cfg.setDefaults()
	id := fmt.Sprintf("listener-%s", uuid.New().String())
	if cfg.Name == "" {
		cfg.Name = id
	}
	l := &Listener{
		id:        id,
		cfg:       cfg,
		registry:  registry,
		publisher: publisher,
		metrics:   core.NoopRecorder(),
		logger:    logrus.WithFields(logrus.Fields{"component": id, "listener": cfg.Name}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) ID() string {
	return l.id
}

func (l *Listener) Name() string {
	return l.cfg.Name
}

// LocalAddr returns the bound socket address, or nil before Start.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start binds the socket and launches the receive loop.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("listener %s: %w", l.cfg.Name, core.ErrAlreadyRunning)
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listener %s failed to bind %s: %w", l.cfg.Name, l.cfg.Address, err)
	}
	l.conn = conn
	l.running = true
	l.stopping = false

	l.wg.Add(1)
	go l.receiveLoop(ctx, conn)

	l.logger.WithField("address", conn.LocalAddr().String()).Info("Listener started")
	return nil
}

// Stop closes the socket, which unblocks the pending receive, and waits for the loop to exit.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return fmt.Errorf("listener %s: %w", l.cfg.Name, core.ErrNotRunning)
	}
	l.stopping = true
	l.running = false
	err := l.conn.Close()
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("listener %s stop: %w", l.cfg.Name, ctx.Err())
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("listener %s failed to close socket: %w", l.cfg.Name, err)
	}
	l.logger.Info("Listener stopped")
	return nil
}

func (l *Listener) isStopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stopping
}

func (l *Listener) receiveLoop(ctx context.Context, conn net.PacketConn) {
	defer l.wg.Done()

	buf := make([]byte, l.cfg.BufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if l.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.metrics.SocketError(l.cfg.Name)
			l.logger.WithError(err).Warn("Receive failed, retrying")

			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.RetryDelay):
			}
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		_ = l.HandleDatagram(ctx, types.Datagram{Source: hostOf(addr), Payload: payload, Time: time.Now()})
	}
}

// HandleDatagram applies discovery to one datagram and forwards it. It is the
// receive loop's per-packet step and is exported for replaying captured traffic.
// Short datagrams are dropped and reported through metrics only.
func (l *Listener) HandleDatagram(ctx context.Context, d types.Datagram) error {
	l.metrics.DatagramReceived(l.cfg.Name, len(d.Payload))

	if !codec.Packet(d.Payload).Valid() {
		l.metrics.DatagramDropped(l.cfg.Name, DropReasonShort)
		return nil
	}

	source, isNew := l.registry.Resolve(d.Source)
	if isNew {
		l.metrics.SourceDiscovered(source.Name)
		l.logger.WithFields(logrus.Fields{
			"address": source.Address,
			"name":    source.Name,
		}).Info("Discovered new source")
	}

	if err := l.publisher.Publish(ctx, source.Name, d.Payload); err != nil {
		l.metrics.DatagramDropped(l.cfg.Name, DropReasonPublish)
		l.logger.WithError(err).WithField("source", source.Name).Warn("Failed to publish datagram")
		return err
	}
	return nil
}

// hostOf keys sources by IP so a sender is one source regardless of its port.
func hostOf(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
