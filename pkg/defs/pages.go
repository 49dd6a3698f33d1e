package defs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// TelemetryPage is one row of the telemetry page catalog.
type TelemetryPage struct {
	Description string
	Class       string
	AppID       uint16
	DefFile     string
}

// PacketID returns the topic suffix for packets of this page.
func (p TelemetryPage) PacketID() string {
	return codec.FormatPacketID(p.AppID)
}

// CommandPage is one row of the command page catalog: a target application and where to reach it.
type CommandPage struct {
	Description string
	DefFile     string
	StreamID    uint16
	Endian      types.Endianness
	Class       string
	Address     string
	Port        int
}

// LoadTelemetryPages reads "description, class, appId(hex), defFile" rows.
func LoadTelemetryPages(path string) ([]TelemetryPage, error) {
	rows, err := readCatalog(path)
	if err != nil {
		return nil, err
	}

	pages := make([]TelemetryPage, 0, len(rows))
	for _, row := range rows {
		if len(row.fields) < 4 {
			return nil, fmt.Errorf("%s line %d: expected 4 columns, got %d", path, row.line, len(row.fields))
		}
		id, err := codec.ParsePacketID(row.fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, row.line, err)
		}
		pages = append(pages, TelemetryPage{
			Description: row.fields[0],
			Class:       row.fields[1],
			AppID:       id,
			DefFile:     row.fields[3],
		})
	}
	return pages, nil
}

// LoadCommandPages reads "description, defFile, appId(hex), endian, class, address, port"
// rows. Malformed rows are skipped with a warning.
func LoadCommandPages(path string) ([]CommandPage, error) {
	rows, err := readCatalog(path)
	if err != nil {
		return nil, err
	}

	logger := logrus.WithFields(logrus.Fields{"component": "defs", "file": path})
	pages := make([]CommandPage, 0, len(rows))
	for _, row := range rows {
		page, err := parseCommandPage(row.fields)
		if err != nil {
			logger.WithError(err).Warnf("Skipping command page on line %d", row.line)
			continue
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func parseCommandPage(cols []string) (CommandPage, error) {
	var p CommandPage
	if len(cols) < 7 {
		return p, fmt.Errorf("expected 7 columns, got %d", len(cols))
	}
	id, err := codec.ParsePacketID(cols[2])
	if err != nil {
		return p, err
	}
	endian, err := types.ParseEndianness(cols[3])
	if err != nil {
		return p, err
	}
	port, err := strconv.Atoi(cols[6])
	if err != nil || port <= 0 || port > 65535 {
		return p, fmt.Errorf("invalid port %q", cols[6])
	}
	return CommandPage{
		Description: cols[0],
		DefFile:     cols[1],
		StreamID:    id,
		Endian:      endian,
		Class:       cols[4],
		Address:     cols[5],
		Port:        port,
	}, nil
}

func readCatalog(path string) ([]csvRow, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("catalog %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	defer f.Close()

	rows, err := readRows(f)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return rows, nil
}

// LoadCommandDefinitions reads the YAML command list of one command page.
func LoadCommandDefinitions(path string) ([]types.CommandDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("command definitions %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read command definitions %s: %w", path, err)
	}

	var cmds []types.CommandDescriptor
	if err := yaml.Unmarshal(data, &cmds); err != nil {
		return nil, fmt.Errorf("invalid command definitions %s: %w", path, err)
	}
	for _, c := range cmds {
		if c.Code < 0 || c.Code > codec.MaxCommandCode {
			return nil, fmt.Errorf("command %q: code %d outside 0..%#x", c.Description, c.Code, codec.MaxCommandCode)
		}
	}
	return cmds, nil
}

// FindCommand looks a command up by description, case-insensitively.
func FindCommand(cmds []types.CommandDescriptor, description string) (types.CommandDescriptor, bool) {
	for _, c := range cmds {
		if strings.EqualFold(c.Description, description) {
			return c, true
		}
	}
	return types.CommandDescriptor{}, false
}
