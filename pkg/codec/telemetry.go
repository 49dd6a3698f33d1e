package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kalifun/groundlink/pkg/types"
)

var (
	ErrFieldOutOfRange   = errors.New("field extends past end of packet")
	ErrEnumOutOfRange    = errors.New("enum value has no label")
	ErrUnsupportedFormat = errors.New("unsupported format code")
)

const (
	// UnusedText is rendered for display slots past the loaded field count.
	UnusedText = "(unused)"
	// UnavailableText is rendered when a field could not be extracted.
	UnavailableText = "(n/a)"
)

// Value is one decoded telemetry field. Err is set when Text is a placeholder
// rather than the field's value; decoding of later fields is unaffected.
type Value struct {
	Label string `json:"label"`
	Text  string `json:"text"`
	Raw   any    `json:"raw,omitempty"`
	Err   error  `json:"-"`
}

// Unused reports whether v is an empty display slot.
func (v Value) Unused() bool {
	return v.Label == UnusedText
}

// Decode renders every field of fields from raw, in order. Decode holds no
// state; identical inputs always produce identical output.
func Decode(raw []byte, fields []types.FieldDefinition, endian types.Endianness) []Value {
	values := make([]Value, 0, len(fields))
	for _, f := range fields {
		values = append(values, DecodeField(raw, f, endian))
	}
	return values
}

// DecodeTable decodes table.Fields and pads the result with unused slots up to table.Slots.
func DecodeTable(raw []byte, table types.FieldTable, endian types.Endianness) []Value {
	values := Decode(raw, table.Fields, endian)
	for len(values) < table.Slots {
		values = append(values, Value{Label: UnusedText})
	}
	return values
}

// DecodeField extracts and renders a single field.
func DecodeField(raw []byte, f types.FieldDefinition, endian types.Endianness) Value {
	v := Value{Label: f.Label, Text: UnavailableText}

	if f.Start < 0 || f.Size < 0 || f.Start+f.Size > len(raw) {
		v.Err = fmt.Errorf("%s: bytes [%d:%d] of %d: %w", f.Label, f.Start, f.Start+f.Size, len(raw), ErrFieldOutOfRange)
		return v
	}

	val, err := unpack(raw[f.Start:f.Start+f.Size], f.Format, endian.ByteOrder())
	if err != nil {
		v.Err = fmt.Errorf("%s: %w", f.Label, err)
		return v
	}
	v.Raw = val

	text, err := render(val, f)
	if err != nil {
		v.Err = fmt.Errorf("%s: %w", f.Label, err)
	}
	v.Text = text
	return v
}

// format is a parsed struct-style format code such as "<H" or "16s".
type format struct {
	order binary.ByteOrder
	count int
	code  byte
}

func parseFormat(s string, def binary.ByteOrder) (format, error) {
	fm := format{order: def, count: 1}
	s = strings.TrimSpace(s)
	if s == "" {
		return fm, fmt.Errorf("%w: empty", ErrUnsupportedFormat)
	}

	switch s[0] {
	case '<':
		fm.order = binary.LittleEndian
		s = s[1:]
	case '>', '!':
		fm.order = binary.BigEndian
		s = s[1:]
	case '=', '@':
		s = s[1:]
	}

	digits := 0
	for digits < len(s) && s[digits] >= '0' && s[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		n, err := strconv.Atoi(s[:digits])
		if err != nil {
			return fm, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
		}
		fm.count = n
	}
	if len(s) != digits+1 {
		return fm, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
	fm.code = s[digits]
	return fm, nil
}

func codeWidth(code byte) int {
	switch code {
	case 'b', 'B', '?', 'c', 's', 'x':
		return 1
	case 'h', 'H':
		return 2
	case 'i', 'I', 'l', 'L', 'f':
		return 4
	case 'q', 'Q', 'd':
		return 8
	default:
		return 0
	}
}

// unpack interprets b according to the format code. For repeated numeric
// codes only the first element is returned.
func unpack(b []byte, spec string, def binary.ByteOrder) (any, error) {
	fm, err := parseFormat(spec, def)
	if err != nil {
		return nil, err
	}
	width := codeWidth(fm.code)
	if width == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, spec)
	}
	if need := width * fm.count; need != len(b) {
		return nil, fmt.Errorf("%w: %q needs %d bytes, field has %d", ErrUnsupportedFormat, spec, need, len(b))
	}

	o := fm.order
	switch fm.code {
	case 's':
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return string(b), nil
	case 'c':
		return string(b[:1]), nil
	case '?':
		return b[0] != 0, nil
	case 'b':
		return int64(int8(b[0])), nil
	case 'B':
		return uint64(b[0]), nil
	case 'h':
		return int64(int16(o.Uint16(b))), nil
	case 'H':
		return uint64(o.Uint16(b)), nil
	case 'i', 'l':
		return int64(int32(o.Uint32(b))), nil
	case 'I', 'L':
		return uint64(o.Uint32(b)), nil
	case 'q':
		return int64(o.Uint64(b)), nil
	case 'Q':
		return o.Uint64(b), nil
	case 'f':
		return float64(math.Float32frombits(o.Uint32(b))), nil
	case 'd':
		return math.Float64frombits(o.Uint64(b)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, spec)
	}
}

func render(val any, f types.FieldDefinition) (string, error) {
	switch f.Display {
	case types.DisplayDecimal, types.DisplayString:
		return renderDecimal(val), nil
	case types.DisplayHex:
		return renderHex(val)
	case types.DisplayEnum:
		return renderEnum(val, f.EnumLabels)
	default:
		return UnavailableText, fmt.Errorf("%w: display kind %s", ErrUnsupportedFormat, f.Display)
	}
}

func renderDecimal(val any) string {
	switch v := val.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func renderHex(val any) (string, error) {
	switch v := val.(type) {
	case int64:
		if v < 0 {
			return "-0x" + strconv.FormatUint(uint64(-v), 16), nil
		}
		return "0x" + strconv.FormatInt(v, 16), nil
	case uint64:
		return "0x" + strconv.FormatUint(v, 16), nil
	case bool:
		if v {
			return "0x1", nil
		}
		return "0x0", nil
	default:
		return UnavailableText, fmt.Errorf("%w: hex display of %T", ErrUnsupportedFormat, val)
	}
}

func enumIndex(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case uint64:
		if v > math.MaxInt64 {
			return -1, true
		}
		return int64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// renderEnum maps a zero-based index onto labels. An index without a label
// renders as "(invalid enum N)" and returns ErrEnumOutOfRange.
func renderEnum(val any, labels []string) (string, error) {
	idx, ok := enumIndex(val)
	if !ok {
		return UnavailableText, fmt.Errorf("%w: enum display of %T", ErrUnsupportedFormat, val)
	}
	if idx < 0 || idx >= int64(len(labels)) {
		return fmt.Sprintf("(invalid enum %s)", renderDecimal(val)), fmt.Errorf("%w: index %s of %d", ErrEnumOutOfRange, renderDecimal(val), len(labels))
	}
	return labels[idx], nil
}
