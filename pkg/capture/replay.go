package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// DatagramHandler consumes datagrams as if they arrived on a socket.
// *listener.Listener implements it.
type DatagramHandler interface {
	HandleDatagram(ctx context.Context, d types.Datagram) error
}

// Stats summarises one replay.
type Stats struct {
	Packets   int
	Delivered int
	Skipped   int
	Failed    int
}

// Replayer feeds UDP payloads from a pcap capture to a handler.
type Replayer struct {
	handler DatagramHandler
	port    int
	speed   float64
	logger  *logrus.Entry
}

type Option func(*Replayer)

// WithPort keeps only datagrams sent to port.
func WithPort(port int) Option {
	return func(r *Replayer) {
		r.port = port
	}
}

// WithSpeed paces delivery by capture timestamps scaled by speed; 0 replays
// as fast as possible.
func WithSpeed(speed float64) Option {
	return func(r *Replayer) {
		if speed > 0 {
			r.speed = speed
		}
	}
}

func NewReplayer(handler DatagramHandler, opts ...Option) *Replayer {
	r := &Replayer{
		handler: handler,
		logger:  logrus.WithField("component", "replay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayFile replays the capture at path.
func (r *Replayer) ReplayFile(ctx context.Context, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open pcap file %q: %w", path, err)
	}
	defer f.Close()

	return r.Replay(ctx, f)
}

// Replay reads a pcap stream and hands every matching UDP payload to the
// handler. Handler errors are counted, not returned.
func (r *Replayer) Replay(ctx context.Context, rd io.Reader) (Stats, error) {
	var stats Stats

	reader, err := pcapgo.NewReader(rd)
	if err != nil {
		return stats, fmt.Errorf("read pcap header: %w", err)
	}
	linkType := reader.LinkType()

	var prev time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		d, ok := r.extract(data, linkType, ci)
		if !ok {
			stats.Skipped++
			continue
		}

		if r.speed > 0 && !prev.IsZero() {
			if gap := ci.Timestamp.Sub(prev); gap > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(time.Duration(float64(gap) / r.speed)):
				}
			}
		}
		prev = ci.Timestamp

		if err := r.handler.HandleDatagram(ctx, d); err != nil {
			stats.Failed++
			continue
		}
		stats.Delivered++
	}

	r.logger.WithFields(logrus.Fields{
		"packets":   stats.Packets,
		"delivered": stats.Delivered,
		"skipped":   stats.Skipped,
		"failed":    stats.Failed,
	}).Info("Replay finished")
	return stats, nil
}

func (r *Replayer) extract(data []byte, linkType layers.LinkType, ci gopacket.CaptureInfo) (types.Datagram, bool) {
	pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return types.Datagram{}, false
	}
	udp := udpLayer.(*layers.UDP)
	if r.port != 0 && int(udp.DstPort) != r.port {
		return types.Datagram{}, false
	}

	source := "unknown"
	if nl := pkt.NetworkLayer(); nl != nil {
		source = nl.NetworkFlow().Src().String()
	}

	payload := make([]byte, len(udp.Payload))
	copy(payload, udp.Payload)
	return types.Datagram{Source: source, Payload: payload, Time: ci.Timestamp}, true
}
