package udp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/sirupsen/logrus"
)

const DefaultWriteTimeout = 2 * time.Second

// CommandTransport builds command packets and writes each one as a single
// UDP datagram. It never waits for a reply.
type CommandTransport struct {
	id           string
	dialer       net.Dialer
	writeTimeout time.Duration
	logger       *logrus.Entry
}

func NewCommandTransport(writeTimeout time.Duration) *CommandTransport {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	id := fmt.Sprintf("udp-%s", uuid.New().String())
	return &CommandTransport{
		id:           id,
		writeTimeout: writeTimeout,
		logger:       logrus.WithField("component", id),
	}
}

func (t *CommandTransport) ID() string {
	return t.id
}

// SendCommand implements core.CommandTransport.
func (t *CommandTransport) SendCommand(ctx context.Context, req core.CommandRequest) error {
	pkt, err := codec.BuildCommandPacket(req.StreamID, req.Endian, req.Code, req.Args)
	if err != nil {
		return err
	}
	t.logger.WithFields(logrus.Fields{
		"stream":    codec.PacketIdentifier(pkt),
		"code":      req.Code,
		"argsBytes": len(codec.CommandPayload(pkt)),
	}).Debug("Command packet built")
	return t.SendPacket(ctx, net.JoinHostPort(req.Host, strconv.Itoa(req.Port)), pkt)
}

// SendPacket writes pkt to address.
func (t *CommandTransport) SendPacket(ctx context.Context, address string, pkt []byte) error {
	conn, err := t.dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", address, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := conn.Write(pkt); err != nil {
		return fmt.Errorf("failed to send to %s: %w", address, err)
	}

	if t.logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		t.logger.WithField("address", address).Debugf("Sent %d bytes\n%s", len(pkt), codec.HexDump(pkt))
	}
	return nil
}
