package defs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/types"
	"gopkg.in/yaml.v3"
)

// ParamStore loads command parameter lists from YAML files in a directory.
type ParamStore struct {
	dir string
}

func NewParamStore(dir string) *ParamStore {
	return &ParamStore{dir: dir}
}

// Load returns the parameters stored under key. A missing file means the
// command takes no parameters and is not an error.
func (s *ParamStore) Load(key string) ([]types.ParameterDefinition, error) {
	if key == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read parameter file %s: %w", key, err)
	}
	params, err := ParseParameters(data)
	if err != nil {
		return nil, fmt.Errorf("parameter file %s: %w", key, err)
	}
	return params, nil
}

// ParseParameters decodes a YAML parameter list. A missing type is derived
// from the C type and name.
func ParseParameters(data []byte) ([]types.ParameterDefinition, error) {
	var params []types.ParameterDefinition
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("invalid parameter yaml: %w", err)
	}

	for i := range params {
		p := &params[i]
		if p.Type == "" {
			code, err := TypeCodeFor(p.OriginalType, p.Name)
			if err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i, err)
			}
			p.Type = code
		} else {
			code, err := types.ParseTypeCode(string(p.Type))
			if err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i, err)
			}
			p.Type = code
		}

		if p.Type == types.TypeString {
			if p.StringLength == 0 {
				p.Name, p.StringLength = splitArrayName(p.Name)
			}
			if p.StringLength <= 0 || p.StringLength > codec.MaxStringLength {
				return nil, fmt.Errorf("parameter %q: string length %d outside 1..%d", p.Name, p.StringLength, codec.MaxStringLength)
			}
		}
	}
	return params, nil
}

var arrayName = regexp.MustCompile(`^([^\[]+)\[(\d+)\]$`)

func splitArrayName(name string) (string, int) {
	m := arrayName.FindStringSubmatch(name)
	if m == nil {
		return name, 0
	}
	n, _ := strconv.Atoi(m[2])
	return m[1], n
}

// TypeCodeFor derives the wire type of a command structure member. Array
// members are strings; scalars map by width.
func TypeCodeFor(originalType, name string) (types.TypeCode, error) {
	if strings.Contains(name, "[") {
		return types.TypeString, nil
	}
	switch originalType {
	case "uint8", "int8", "boolean", "char":
		return types.TypeByte, nil
	case "uint16", "int16":
		return types.TypeHalf, nil
	case "uint32", "int32":
		return types.TypeWord, nil
	case "uint64", "int64":
		return types.TypeDouble, nil
	default:
		return "", fmt.Errorf("no wire type for %s %s", originalType, name)
	}
}

// ParseStructMember turns a C structure member line such as "uint16 Count;"
// or "char Name[16];" into a parameter definition.
func ParseStructMember(line string) (types.ParameterDefinition, error) {
	var p types.ParameterDefinition
	if i := strings.Index(line, "/*"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	parts := strings.Fields(strings.ReplaceAll(line, ";", " "))
	if len(parts) < 2 {
		return p, fmt.Errorf("not a structure member: %q", line)
	}

	p.OriginalType = parts[0]
	p.Name = parts[1]
	code, err := TypeCodeFor(p.OriginalType, p.Name)
	if err != nil {
		return p, err
	}
	p.Type = code
	if code == types.TypeString {
		p.Name, p.StringLength = splitArrayName(p.Name)
		if p.StringLength <= 0 || p.StringLength > codec.MaxStringLength {
			return p, fmt.Errorf("member %q: array size outside 1..%d", parts[1], codec.MaxStringLength)
		}
		p.Length = p.StringLength
	} else {
		p.Length = code.Size()
	}
	return p, nil
}

// SaveParameters writes params as YAML to path.
func SaveParameters(path string, params []types.ParameterDefinition) error {
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
