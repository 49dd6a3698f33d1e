package capture

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/sirupsen/logrus"
)

const snapLen = 65536

// failureLogEvery spaces out repeated capture failure logs.
const failureLogEvery = 1000

var (
	recorderMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	unknownIP   = net.IPv4(192, 0, 2, 1)
	groundIP    = net.IPv4(127, 0, 0, 1)
)

// Recorder writes every published packet to a pcap stream as an Ethernet/IPv4/UDP
// frame from its source's address, then passes it on unchanged. A failed
// capture write never stops the packet from reaching next.
type Recorder struct {
	next     core.Publisher
	registry *core.DiscoveryRegistry
	port     uint16
	logger   *logrus.Entry

	mu       sync.Mutex
	writer   *pcapgo.Writer
	now      func() time.Time
	failures uint64
}

// NewRecorder writes the pcap file header to w. port is the destination port
// written into each frame.
func NewRecorder(w io.Writer, registry *core.DiscoveryRegistry, next core.Publisher, port int) (*Recorder, error) {
	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Recorder{
		next:     next,
		registry: registry,
		port:     uint16(port),
		logger:   logrus.WithField("component", "recorder"),
		writer:   writer,
		now:      time.Now,
	}, nil
}

// Publish implements core.Publisher.
func (r *Recorder) Publish(ctx context.Context, sourceName string, raw []byte) error {
	src := unknownIP
	if id, err := r.registry.LookupName(sourceName); err == nil {
		if ip := net.ParseIP(id.Address); ip != nil && ip.To4() != nil {
			src = ip
		}
	}

	if err := r.write(src, raw); err != nil {
		r.captureFailed(err)
	}
	if r.next == nil {
		return nil
	}
	return r.next.Publish(ctx, sourceName, raw)
}

// Failures returns how many packets could not be written to the capture.
func (r *Recorder) Failures() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

func (r *Recorder) captureFailed(err error) {
	r.mu.Lock()
	r.failures++
	n := r.failures
	r.mu.Unlock()

	if n == 1 || n%failureLogEvery == 0 {
		r.logger.WithError(err).WithField("failures", n).Error("Failed to write packet to capture")
	}
}

func (r *Recorder) write(src net.IP, payload []byte) error {
	frame, err := EncodeUDPFrame(src, groundIP, r.port, payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ci := gopacket.CaptureInfo{Timestamp: r.now(), CaptureLength: len(frame), Length: len(frame)}
	if err := r.writer.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("write pcap packet: %w", err)
	}
	return nil
}

// EncodeUDPFrame serialises payload as an Ethernet frame carrying one IPv4 UDP datagram.
func EncodeUDPFrame(src, dst net.IP, dstPort uint16, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       recorderMAC,
		DstMAC:       recorderMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.To4(),
		DstIP:    dst.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(dstPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialise frame: %w", err)
	}
	return buf.Bytes(), nil
}
