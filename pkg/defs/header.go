package defs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalifun/groundlink/pkg/types"
)

// HeaderStruct is one brace-delimited structure found in a C header.
type HeaderStruct struct {
	Name    string
	Members []string
}

// ParseHeaderStructs collects the structures in a C header. A structure is
// named by its typedef name, or by its tag when it has none. Nested braces are
// not supported.
func ParseHeaderStructs(r io.Reader) ([]HeaderStruct, error) {
	var (
		structs []HeaderStruct
		current *HeaderStruct
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := stripComment(scanner.Text())
		if current == nil {
			open := strings.Index(line, "{")
			if open < 0 {
				continue
			}
			current = &HeaderStruct{Name: structTag(line[:open])}
			line = line[open+1:]
		}

		body, rest, closed := strings.Cut(line, "}")
		for _, member := range strings.Split(body, ";") {
			if member = strings.TrimSpace(member); member != "" {
				current.Members = append(current.Members, member+";")
			}
		}
		if closed {
			if name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), ";")); name != "" {
				current.Name = name
			}
			structs = append(structs, *current)
			current = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return structs, nil
}

// LoadHeaderStructs reads the structures of the header at path.
func LoadHeaderStructs(path string) ([]HeaderStruct, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open header %s: %w", path, err)
	}
	defer f.Close()

	return ParseHeaderStructs(f)
}

// FindHeaderStruct returns the structure called name.
func FindHeaderStruct(structs []HeaderStruct, name string) (HeaderStruct, bool) {
	for _, s := range structs {
		if s.Name == name {
			return s, true
		}
	}
	return HeaderStruct{}, false
}

// Parameters converts the structure members to command parameters. Members
// with no wire type, such as the command header, are returned as skipped.
func (s HeaderStruct) Parameters() ([]types.ParameterDefinition, []string) {
	var (
		params  []types.ParameterDefinition
		skipped []string
	)
	for _, member := range s.Members {
		p, err := ParseStructMember(member)
		if err != nil {
			skipped = append(skipped, member)
			continue
		}
		params = append(params, p)
	}
	return params, skipped
}

func stripComment(line string) string {
	if i := strings.Index(line, "/*"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	return line
}

// structTag extracts "Name" from "typedef struct Name".
func structTag(decl string) string {
	fields := strings.Fields(decl)
	if len(fields) == 0 {
		return ""
	}
	if last := fields[len(fields)-1]; last != "struct" && last != "typedef" {
		return last
	}
	return ""
}
