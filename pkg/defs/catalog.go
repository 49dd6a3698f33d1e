package defs

import (
	"strings"

	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/types"
)

// TelemetryCatalog maps packet ids to the field tables named by the
// telemetry page catalog.
type TelemetryCatalog struct {
	pages  []TelemetryPage
	store  *FieldTableStore
	endian types.Endianness
}

func NewTelemetryCatalog(pages []TelemetryPage, store *FieldTableStore, endian types.Endianness) *TelemetryCatalog {
	return &TelemetryCatalog{pages: pages, store: store, endian: endian}
}

// Page returns the page for packetID. The comparison ignores case and
// leading zeros, so "0x0886" finds the page for 0x886.
func (c *TelemetryCatalog) Page(packetID string) (TelemetryPage, bool) {
	id, err := codec.ParsePacketID(strings.TrimSpace(packetID))
	if err != nil {
		return TelemetryPage{}, false
	}
	for _, p := range c.pages {
		if p.AppID == id {
			return p, true
		}
	}
	return TelemetryPage{}, false
}

func (c *TelemetryCatalog) Pages() []TelemetryPage {
	out := make([]TelemetryPage, len(c.pages))
	copy(out, c.pages)
	return out
}

// Decoder returns a decoder for packetID and the description of its page.
// Packets without a page decode to an empty table.
func (c *TelemetryCatalog) Decoder(packetID string) (codec.TelemetryDecoder, string, error) {
	page, ok := c.Page(packetID)
	if !ok {
		return codec.NewTableDecoder(types.FieldTable{}, c.endian, packetID), "", nil
	}
	table, err := c.store.Load(page.DefFile)
	if err != nil {
		return nil, "", err
	}
	return codec.NewTableDecoder(table, c.endian, page.PacketID()), page.Description, nil
}
