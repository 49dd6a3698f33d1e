package codec

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	// PrimaryHeaderLength is the minimum viable packet: stream id, sequence and length words.
	PrimaryHeaderLength = 6
	// CommandHeaderLength adds the command code and checksum word.
	CommandHeaderLength = 8

	// StreamIDMask keeps the packet type, secondary header flag and application id bits.
	StreamIDMask uint16 = 0x1FFF
	APIDMask     uint16 = 0x07FF

	commandTypeBit   uint16 = 0x1000
	secondaryHdrBit  uint16 = 0x0800
	sequenceCountMax uint16 = 0x3FFF
)

// Packet is a raw CCSDS space packet.
type Packet []byte

// Valid reports whether p holds at least a primary header.
func (p Packet) Valid() bool {
	return len(p) >= PrimaryHeaderLength
}

// StreamID returns the first big-endian header word.
func (p Packet) StreamID() uint16 {
	return binary.BigEndian.Uint16(p[0:2])
}

// MessageID returns the stream id with the version bits cleared.
func (p Packet) MessageID() uint16 {
	return p.StreamID() & StreamIDMask
}

// APID returns the 11-bit application id.
func (p Packet) APID() uint16 {
	return p.StreamID() & APIDMask
}

func (p Packet) IsCommand() bool {
	return p.StreamID()&commandTypeBit != 0
}

func (p Packet) HasSecondaryHeader() bool {
	return p.StreamID()&secondaryHdrBit != 0
}

// SequenceCount returns the 14-bit source sequence counter.
func (p Packet) SequenceCount() uint16 {
	return binary.BigEndian.Uint16(p[2:4]) & sequenceCountMax
}

// DataLength returns the header length field: packet length minus seven.
func (p Packet) DataLength() uint16 {
	return binary.BigEndian.Uint16(p[4:6])
}

// PacketIdentifier extracts the routing identifier from the start of raw as
// lowercase "0x"-prefixed hex. raw must hold at least two bytes.
func PacketIdentifier(raw []byte) string {
	return FormatPacketID(binary.BigEndian.Uint16(raw[0:2]) & StreamIDMask)
}

// FormatPacketID renders id the way topics carry it, e.g. 0x886.
func FormatPacketID(id uint16) string {
	return "0x" + strconv.FormatUint(uint64(id), 16)
}

// ParsePacketID accepts "0x886", "886" or "0X0886".
func ParsePacketID(s string) (uint16, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid packet id %q: %w", s, err)
	}
	return uint16(v), nil
}

// HexDump formats data as offset, hex bytes and printable ASCII, 16 bytes per line.
func HexDump(data []byte) string {
	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		sb.WriteString(fmt.Sprintf("%04x  ", offset))

		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		for i := offset; i < offset+16; i++ {
			if i < end {
				sb.WriteString(fmt.Sprintf("%02x ", data[i]))
			} else {
				sb.WriteString("   ")
			}
			if i == offset+7 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(" |")

		for i := offset; i < end; i++ {
			b := data[i]
			if b >= 0x20 && b <= 0x7e {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
