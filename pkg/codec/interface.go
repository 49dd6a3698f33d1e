package codec

import (
	"github.com/kalifun/groundlink/pkg/types"
)

// TelemetryDecoder turns raw telemetry packets into display values.
type TelemetryDecoder interface {
	// Decode renders every display slot for raw
	Decode(raw []byte) []Value

	// PacketID returns the identifier of the packets this decoder understands,
	// or "" if it accepts any packet
	PacketID() string
}

// TableDecoder decodes packets against one field table.
type TableDecoder struct {
	table    types.FieldTable
	endian   types.Endianness
	packetID string
}

// NewTableDecoder binds table to a byte order. packetID may be empty.
func NewTableDecoder(table types.FieldTable, endian types.Endianness, packetID string) *TableDecoder {
	return &TableDecoder{table: table, endian: endian, packetID: packetID}
}

func (d *TableDecoder) Decode(raw []byte) []Value {
	return DecodeTable(raw, d.table, d.endian)
}

func (d *TableDecoder) PacketID() string {
	return d.packetID
}
