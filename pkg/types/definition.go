package types

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DisplayKind selects how a decoded telemetry value is rendered.
type DisplayKind int

const (
	DisplayDecimal DisplayKind = iota + 1
	DisplayHex
	DisplayEnum
	DisplayString
)

// ParseDisplayKind accepts the definition file tokens Dec, Hex, Enm and Str.
func ParseDisplayKind(s string) (DisplayKind, error) {
	switch strings.TrimSpace(s) {
	case "Dec":
		return DisplayDecimal, nil
	case "Hex":
		return DisplayHex, nil
	case "Enm":
		return DisplayEnum, nil
	case "Str":
		return DisplayString, nil
	default:
		return 0, fmt.Errorf("unknown display kind %q", s)
	}
}

func (k DisplayKind) String() string {
	switch k {
	case DisplayDecimal:
		return "Dec"
	case DisplayHex:
		return "Hex"
	case DisplayEnum:
		return "Enm"
	case DisplayString:
		return "Str"
	default:
		return fmt.Sprintf("DisplayKind(%d)", int(k))
	}
}

// EnumLabelCount is the number of labels an Enm field carries.
const EnumLabelCount = 4

// FieldDefinition describes where one telemetry value lives in a packet and how to show it.
type FieldDefinition struct {
	Label      string
	Start      int
	Size       int
	Format     string
	Display    DisplayKind
	EnumLabels []string
}

// FieldTable is the ordered field list of one telemetry page.
// Slots is the number of display rows; rows past len(Fields) are unused.
type FieldTable struct {
	Key    string
	Fields []FieldDefinition
	Slots  int
}

// TypeCode is the wire type of a command parameter.
type TypeCode string

const (
	TypeByte   TypeCode = "byte"
	TypeHalf   TypeCode = "half"
	TypeWord   TypeCode = "word"
	TypeDouble TypeCode = "double"
	TypeString TypeCode = "string"
)

// ParseTypeCode accepts both bare names and the "--name" flag form.
// "long" is accepted as an alias of word.
func ParseTypeCode(s string) (TypeCode, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "--")
	switch TypeCode(s) {
	case TypeByte, TypeHalf, TypeWord, TypeDouble, TypeString:
		return TypeCode(s), nil
	case "long":
		return TypeWord, nil
	default:
		return "", fmt.Errorf("unknown parameter type %q", s)
	}
}

// Size returns the encoded width in bytes, or 0 for strings.
func (t TypeCode) Size() int {
	switch t {
	case TypeByte:
		return 1
	case TypeHalf:
		return 2
	case TypeWord:
		return 4
	case TypeDouble:
		return 8
	default:
		return 0
	}
}

// ParameterDefinition describes one command argument.
// StringLength is only meaningful for TypeString.
type ParameterDefinition struct {
	OriginalType string   `yaml:"originalType" json:"originalType"`
	Name         string   `yaml:"name" json:"name"`
	Length       int      `yaml:"length" json:"length"`
	Description  string   `yaml:"description" json:"description"`
	Type         TypeCode `yaml:"type" json:"type"`
	StringLength int      `yaml:"stringLength,omitempty" json:"stringLength,omitempty"`
}

// CommandDescriptor is one sendable command on a command page.
type CommandDescriptor struct {
	Description   string `yaml:"description" json:"description"`
	Code          int    `yaml:"code" json:"code"`
	ParameterFile string `yaml:"parameterFile" json:"parameterFile"`
}

// Endianness is the byte order of a target, applied to a whole packet.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// ParseEndianness accepts L, LE, little, B, BE and big in any case.
func ParseEndianness(s string) (Endianness, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L", "LE", "LITTLE":
		return LittleEndian, nil
	case "B", "BE", "BIG":
		return BigEndian, nil
	default:
		return 0, fmt.Errorf("unknown endianness %q", s)
	}
}

func (e Endianness) String() string {
	if e == BigEndian {
		return "BE"
	}
	return "LE"
}

// ByteOrder returns the encoding/binary order for e.
func (e Endianness) ByteOrder() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// CommandArgument is one encoded parameter: its wire type and the text to parse.
// For strings Value has the form "length:text".
type CommandArgument struct {
	Type  TypeCode `yaml:"type" json:"type"`
	Value string   `yaml:"value" json:"value"`
}

// Flag renders the argument in command-line form, e.g. --half=42.
func (a CommandArgument) Flag() string {
	return "--" + string(a.Type) + "=" + a.Value
}

// ParseCommandArgument is the inverse of Flag. The leading dashes are optional.
func ParseCommandArgument(s string) (CommandArgument, error) {
	typ, value, ok := strings.Cut(strings.TrimPrefix(strings.TrimSpace(s), "--"), "=")
	if !ok {
		return CommandArgument{}, fmt.Errorf("argument %q is not type=value", s)
	}
	code, err := ParseTypeCode(typ)
	if err != nil {
		return CommandArgument{}, err
	}
	return CommandArgument{Type: code, Value: value}, nil
}
