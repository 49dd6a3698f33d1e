package codec

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/kalifun/groundlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketIdentifier(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"telemetry stream", []byte{0x08, 0x86}, "0x886"},
		{"version bits cleared", []byte{0xE8, 0x86}, "0x886"},
		{"command stream", []byte{0x18, 0x80, 0xC0, 0x00}, "0x1880"},
		{"zero", []byte{0x00, 0x00}, "0x0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PacketIdentifier(tt.raw))
		})
	}
}

func TestParsePacketID(t *testing.T) {
	for _, in := range []string{"0x886", "0X0886", "886", " 0x886 "} {
		id, err := ParsePacketID(in)
		require.NoError(t, err, in)
		assert.Equal(t, uint16(0x886), id)
	}
	_, err := ParsePacketID("0xzz")
	assert.Error(t, err)
}

func TestPacketHeader(t *testing.T) {
	p := Packet{0x18, 0x86, 0xC0, 0x2A, 0x00, 0x09}
	require.True(t, p.Valid())
	assert.Equal(t, uint16(0x1886), p.StreamID())
	assert.Equal(t, uint16(0x086), p.APID())
	assert.True(t, p.IsCommand())
	assert.True(t, p.HasSecondaryHeader())
	assert.Equal(t, uint16(42), p.SequenceCount())
	assert.Equal(t, uint16(9), p.DataLength())
	assert.False(t, Packet{0x08}.Valid())
}

func TestHexDump(t *testing.T) {
	dump := HexDump([]byte("ABC\x00"))
	assert.True(t, strings.HasPrefix(dump, "0000  41 42 43 00 "))
	assert.True(t, strings.HasSuffix(dump, "|ABC.|\n"))
	assert.Equal(t, 2, strings.Count(HexDump(make([]byte, 17)), "\n"))
	assert.Empty(t, HexDump(nil))
}

func housekeeping() []types.FieldDefinition {
	return []types.FieldDefinition{
		{Label: "Command Count", Start: 12, Size: 1, Format: "B", Display: types.DisplayDecimal},
		{Label: "Error Count", Start: 13, Size: 1, Format: "B", Display: types.DisplayDecimal},
		{Label: "Mode", Start: 14, Size: 2, Format: "H", Display: types.DisplayEnum, EnumLabels: []string{"SAFE", "IDLE", "SCIENCE", "DOWNLINK"}},
		{Label: "Memory Address", Start: 16, Size: 4, Format: "I", Display: types.DisplayHex},
		{Label: "Temperature", Start: 20, Size: 2, Format: "h", Display: types.DisplayDecimal},
		{Label: "App Name", Start: 22, Size: 8, Format: "8s", Display: types.DisplayString},
	}
}

func housekeepingPacket() []byte {
	raw := make([]byte, 30)
	binary.BigEndian.PutUint16(raw[0:2], 0x0886)
	raw[12] = 7
	raw[13] = 2
	binary.LittleEndian.PutUint16(raw[14:16], 2)
	binary.LittleEndian.PutUint32(raw[16:20], 0xDEADBEEF)
	binary.LittleEndian.PutUint16(raw[20:22], uint16(0xFFF6))
	copy(raw[22:30], "SAMPLE\x00\x7f")
	return raw
}

func TestDecode(t *testing.T) {
	values := Decode(housekeepingPacket(), housekeeping(), types.LittleEndian)
	require.Len(t, values, 6)

	want := []struct{ label, text string }{
		{"Command Count", "7"},
		{"Error Count", "2"},
		{"Mode", "SCIENCE"},
		{"Memory Address", "0xdeadbeef"},
		{"Temperature", "-10"},
		{"App Name", "SAMPLE"},
	}
	for i, w := range want {
		assert.Equal(t, w.label, values[i].Label)
		assert.Equal(t, w.text, values[i].Text, w.label)
		assert.NoError(t, values[i].Err, w.label)
	}
}

func TestDecode_Endianness(t *testing.T) {
	raw := []byte{0x01, 0x02}
	field := types.FieldDefinition{Label: "v", Start: 0, Size: 2, Format: "H", Display: types.DisplayHex}

	assert.Equal(t, "0x201", DecodeField(raw, field, types.LittleEndian).Text)
	assert.Equal(t, "0x102", DecodeField(raw, field, types.BigEndian).Text)

	field.Format = ">H"
	assert.Equal(t, "0x102", DecodeField(raw, field, types.LittleEndian).Text)
}

func TestDecode_Deterministic(t *testing.T) {
	raw := housekeepingPacket()
	first := Decode(raw, housekeeping(), types.LittleEndian)
	second := Decode(raw, housekeeping(), types.LittleEndian)
	assert.Equal(t, first, second)
}

func TestDecode_EnumOutOfRange(t *testing.T) {
	raw := []byte{5}
	field := types.FieldDefinition{Label: "State", Start: 0, Size: 1, Format: "B", Display: types.DisplayEnum, EnumLabels: []string{"A", "B", "C", "D"}}

	v := DecodeField(raw, field, types.LittleEndian)
	assert.Equal(t, "(invalid enum 5)", v.Text)
	assert.ErrorIs(t, v.Err, ErrEnumOutOfRange)
	assert.Equal(t, uint64(5), v.Raw)
}

func TestDecode_FieldErrorsAreIsolated(t *testing.T) {
	fields := []types.FieldDefinition{
		{Label: "past end", Start: 10, Size: 4, Format: "I", Display: types.DisplayDecimal},
		{Label: "bad code", Start: 0, Size: 1, Format: "z", Display: types.DisplayDecimal},
		{Label: "size mismatch", Start: 0, Size: 2, Format: "B", Display: types.DisplayDecimal},
		{Label: "float as hex", Start: 0, Size: 4, Format: "f", Display: types.DisplayHex},
		{Label: "ok", Start: 0, Size: 1, Format: "B", Display: types.DisplayDecimal},
	}
	values := Decode([]byte{1, 0, 0, 0}, fields, types.LittleEndian)
	require.Len(t, values, 5)

	assert.ErrorIs(t, values[0].Err, ErrFieldOutOfRange)
	assert.Equal(t, UnavailableText, values[0].Text)
	assert.ErrorIs(t, values[1].Err, ErrUnsupportedFormat)
	assert.ErrorIs(t, values[2].Err, ErrUnsupportedFormat)
	assert.ErrorIs(t, values[3].Err, ErrUnsupportedFormat)
	assert.NoError(t, values[4].Err)
	assert.Equal(t, "1", values[4].Text)
}

func TestDecode_Floats(t *testing.T) {
	raw := make([]byte, 12)
	binary.LittleEndian.PutUint32(raw[0:4], math.Float32bits(1.5))
	binary.LittleEndian.PutUint64(raw[4:12], math.Float64bits(-0.25))
	values := Decode(raw, []types.FieldDefinition{
		{Label: "f", Start: 0, Size: 4, Format: "f", Display: types.DisplayDecimal},
		{Label: "d", Start: 4, Size: 8, Format: "d", Display: types.DisplayDecimal},
	}, types.LittleEndian)
	assert.Equal(t, "1.5", values[0].Text)
	assert.Equal(t, "-0.25", values[1].Text)
}

func TestDecodeTable_UnusedSlots(t *testing.T) {
	table := types.FieldTable{Key: "hk", Fields: housekeeping()[:2], Slots: 5}
	values := NewTableDecoder(table, types.LittleEndian, "0x886").Decode(housekeepingPacket())
	require.Len(t, values, 5)
	assert.False(t, values[1].Unused())
	for _, v := range values[2:] {
		assert.True(t, v.Unused())
		assert.Empty(t, v.Text)
	}
}

func TestEncodeArguments(t *testing.T) {
	params := []types.ParameterDefinition{
		{Name: "Name", Type: types.TypeString, StringLength: 10},
		{Name: "Count", Type: types.TypeHalf},
		{Name: "Mode", Type: types.TypeByte},
	}

	args := EncodeArguments(params, []string{"abc", "42", "1"})
	require.Len(t, args, 3)
	assert.Equal(t, types.CommandArgument{Type: types.TypeString, Value: "10:abc"}, args[0])
	assert.Equal(t, types.CommandArgument{Type: types.TypeHalf, Value: "42"}, args[1])
	assert.Equal(t, "--byte=1", args[2].Flag())

	args = EncodeArguments(params, []string{"abc", "", "1"})
	assert.Len(t, args, 1, "empty value ends the argument list")

	assert.Empty(t, EncodeArguments(nil, []string{"x"}))
	assert.Len(t, EncodeArguments(params, []string{"abc"}), 1)
}

func TestBuildCommandPacket_HalfRoundTrip(t *testing.T) {
	for _, endian := range []types.Endianness{types.LittleEndian, types.BigEndian} {
		params := []types.ParameterDefinition{{Name: "Count", Type: types.TypeHalf}}
		pkt, err := BuildCommandPacket(0x1886, endian, 3, EncodeArguments(params, []string{"42"}))
		require.NoError(t, err)
		require.Len(t, pkt, CommandHeaderLength+2)

		assert.Equal(t, uint16(0x1886), binary.BigEndian.Uint16(pkt[0:2]))
		assert.Equal(t, uint16(0xC000), binary.BigEndian.Uint16(pkt[2:4]))
		assert.Equal(t, uint16(3), binary.BigEndian.Uint16(pkt[4:6]))
		assert.Equal(t, uint16(3<<8), endian.ByteOrder().Uint16(pkt[6:8]))
		assert.Equal(t, uint16(42), endian.ByteOrder().Uint16(CommandPayload(pkt)))
	}
}

func TestBuildCommandPacket_Arguments(t *testing.T) {
	args := []types.CommandArgument{
		{Type: types.TypeByte, Value: "0xFF"},
		{Type: types.TypeWord, Value: "-1"},
		{Type: types.TypeDouble, Value: "16"},
		{Type: types.TypeDouble, Value: "2.5"},
		{Type: types.TypeString, Value: "4:abcdef"},
		{Type: types.TypeString, Value: "3:a"},
	}
	pkt, err := BuildCommandPacket(0x1880, types.BigEndian, 0, args)
	require.NoError(t, err)

	data := CommandPayload(pkt)
	require.Len(t, data, 1+4+8+8+4+3)
	assert.Equal(t, byte(0xFF), data[0])
	assert.Equal(t, uint32(0xFFFFFFFF), binary.BigEndian.Uint32(data[1:5]))
	assert.Equal(t, uint64(16), binary.BigEndian.Uint64(data[5:13]))
	assert.Equal(t, 2.5, math.Float64frombits(binary.BigEndian.Uint64(data[13:21])))
	assert.Equal(t, []byte("abcd"), data[21:25])
	assert.Equal(t, []byte{'a', 0, 0}, data[25:28])
}

func TestBuildCommandPacket_Parameterless(t *testing.T) {
	pkt, err := BuildCommandPacket(0x1880, types.LittleEndian, 0x7F, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x18, 0x80, 0xC0, 0x00, 0x00, 0x01, 0x00, 0x7F}, pkt)
}

func TestBuildCommandPacket_Invalid(t *testing.T) {
	tests := []struct {
		name string
		code int
		args []types.CommandArgument
	}{
		{"code too large", 0x80, nil},
		{"byte overflow", 1, []types.CommandArgument{{Type: types.TypeByte, Value: "256"}}},
		{"half overflow", 1, []types.CommandArgument{{Type: types.TypeHalf, Value: "70000"}}},
		{"not a number", 1, []types.CommandArgument{{Type: types.TypeWord, Value: "ten"}}},
		{"double garbage", 1, []types.CommandArgument{{Type: types.TypeDouble, Value: "1.2.3"}}},
		{"string without length", 1, []types.CommandArgument{{Type: types.TypeString, Value: "abc"}}},
		{"string zero length", 1, []types.CommandArgument{{Type: types.TypeString, Value: "0:abc"}}},
		{"string too long", 1, []types.CommandArgument{{Type: types.TypeString, Value: "129:abc"}}},
		{"string length digits", 1, []types.CommandArgument{{Type: types.TypeString, Value: "0010:abc"}}},
		{"unknown type", 1, []types.CommandArgument{{Type: "quad", Value: "1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildCommandPacket(0x1880, types.LittleEndian, tt.code, tt.args)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}
