package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kalifun/groundlink/pkg/types"
)

var ErrInvalidArgument = errors.New("invalid command argument")

const (
	// MaxCommandCode is the largest function code the header byte can carry.
	MaxCommandCode = 0x7F
	// MaxStringLength bounds the declared width of a string argument.
	MaxStringLength = 128

	commandSequenceWord uint16 = 0xC000
	maxLengthDigits            = 3
)

// EncodeArguments pairs user values with parameter definitions in order and
// stops at the first empty value. Values are not validated here; that happens
// when the packet is built.
func EncodeArguments(params []types.ParameterDefinition, values []string) []types.CommandArgument {
	args := make([]types.CommandArgument, 0, len(params))
	for i, p := range params {
		if i >= len(values) || values[i] == "" {
			break
		}
		value := values[i]
		if p.Type == types.TypeString {
			value = strconv.Itoa(p.StringLength) + ":" + value
		}
		args = append(args, types.CommandArgument{Type: p.Type, Value: value})
	}
	return args
}

// ArgumentValue is a parsed argument ready to be written to a packet.
type ArgumentValue struct {
	Type    types.TypeCode
	Integer uint64
	Text    []byte
}

// ParseArgument validates arg and converts it to its wire value.
// Strings are padded or truncated to their declared width.
func ParseArgument(arg types.CommandArgument) (ArgumentValue, error) {
	v := ArgumentValue{Type: arg.Type}
	switch arg.Type {
	case types.TypeByte, types.TypeHalf, types.TypeWord:
		bits := arg.Type.Size() * 8
		n, err := parseInteger(arg.Value, bits)
		if err != nil {
			return v, fmt.Errorf("%w: %s %q: %v", ErrInvalidArgument, arg.Type, arg.Value, err)
		}
		v.Integer = n
	case types.TypeDouble:
		n, err := parseInteger(arg.Value, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(arg.Value), 64)
			if ferr != nil {
				return v, fmt.Errorf("%w: double %q: %v", ErrInvalidArgument, arg.Value, err)
			}
			n = math.Float64bits(f)
		}
		v.Integer = n
	case types.TypeString:
		lenText, text, ok := strings.Cut(arg.Value, ":")
		if !ok || lenText == "" || len(lenText) > maxLengthDigits {
			return v, fmt.Errorf("%w: string %q is not length:text", ErrInvalidArgument, arg.Value)
		}
		size, err := strconv.Atoi(lenText)
		if err != nil || size < 1 || size > MaxStringLength {
			return v, fmt.Errorf("%w: string length %q", ErrInvalidArgument, lenText)
		}
		buf := make([]byte, size)
		copy(buf, text)
		v.Text = buf
	default:
		return v, fmt.Errorf("%w: unknown type %q", ErrInvalidArgument, arg.Type)
	}
	return v, nil
}

// parseInteger accepts decimal, 0x hex and 0 octal text. Negative values are
// stored as two's complement of the given width.
func parseInteger(s string, bits int) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		n, err := strconv.ParseInt(s, 0, bits)
		if err != nil {
			return 0, err
		}
		if bits == 64 {
			return uint64(n), nil
		}
		return uint64(n) & (1<<bits - 1), nil
	}
	return strconv.ParseUint(s, 0, bits)
}

// BuildCommandPacket lays out a command packet: stream id, sequence flags and
// length in network order, then the function code word and arguments in the
// target's byte order.
func BuildCommandPacket(streamID uint16, endian types.Endianness, code int, args []types.CommandArgument) ([]byte, error) {
	if code < 0 || code > MaxCommandCode {
		return nil, fmt.Errorf("%w: command code %d exceeds %#x", ErrInvalidArgument, code, MaxCommandCode)
	}

	order := endian.ByteOrder()
	data := make([]byte, 0, 64)
	for _, arg := range args {
		v, err := ParseArgument(arg)
		if err != nil {
			return nil, err
		}
		data = appendArgument(data, v, order)
	}

	pkt := make([]byte, CommandHeaderLength, CommandHeaderLength+len(data))
	binary.BigEndian.PutUint16(pkt[0:2], streamID)
	binary.BigEndian.PutUint16(pkt[2:4], commandSequenceWord)
	binary.BigEndian.PutUint16(pkt[4:6], uint16(len(data)+1))
	order.PutUint16(pkt[6:8], uint16(code)<<8)
	return append(pkt, data...), nil
}

func appendArgument(buf []byte, v ArgumentValue, order binary.ByteOrder) []byte {
	var tmp [8]byte
	switch v.Type {
	case types.TypeByte:
		return append(buf, byte(v.Integer))
	case types.TypeHalf:
		order.PutUint16(tmp[:2], uint16(v.Integer))
		return append(buf, tmp[:2]...)
	case types.TypeWord:
		order.PutUint32(tmp[:4], uint32(v.Integer))
		return append(buf, tmp[:4]...)
	case types.TypeDouble:
		order.PutUint64(tmp[:], v.Integer)
		return append(buf, tmp[:]...)
	default:
		return append(buf, v.Text...)
	}
}

// CommandPayload returns the argument bytes of a packet built by BuildCommandPacket.
func CommandPayload(pkt []byte) []byte {
	if len(pkt) <= CommandHeaderLength {
		return nil
	}
	return pkt[CommandHeaderLength:]
}
