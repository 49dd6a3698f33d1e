package defs

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("definition not found")

// DefaultSlots is the number of display rows on a telemetry page.
const DefaultSlots = 40

// FieldTableStore loads telemetry field tables from CSV files in a directory
// and caches them by key.
type FieldTableStore struct {
	dir    string
	slots  int
	mu     sync.RWMutex
	cache  map[string]types.FieldTable
	logger *logrus.Entry
}

func NewFieldTableStore(dir string, slots int) *FieldTableStore {
	if slots <= 0 {
		slots = DefaultSlots
	}
	return &FieldTableStore{
		dir:    dir,
		slots:  slots,
		cache:  make(map[string]types.FieldTable),
		logger: logrus.WithField("component", "field-store"),
	}
}

// Load returns the table stored under key, a file name relative to the store directory.
func (s *FieldTableStore) Load(key string) (types.FieldTable, error) {
	s.mu.RLock()
	table, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return table, nil
	}

	f, err := os.Open(filepath.Join(s.dir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.FieldTable{}, fmt.Errorf("field table %s: %w", key, ErrNotFound)
		}
		return types.FieldTable{}, fmt.Errorf("failed to open field table %s: %w", key, err)
	}
	defer f.Close()

	table, err = ParseFieldTable(f, key, s.slots)
	if err != nil {
		return types.FieldTable{}, err
	}
	if len(table.Fields) == s.slots {
		s.logger.WithField("table", key).Debugf("Table fills all %d slots", s.slots)
	}

	s.mu.Lock()
	s.cache[key] = table
	s.mu.Unlock()
	return table, nil
}

// ParseFieldTable reads rows of
//
//	label, start, size, format, Dec|Hex|Enm|Str[, enum0, enum1, enum2, enum3]
//
// Lines starting with '#' are comments. Rows past slots are ignored.
func ParseFieldTable(r io.Reader, key string, slots int) (types.FieldTable, error) {
	table := types.FieldTable{Key: key, Slots: slots}

	rows, err := readRows(r)
	if err != nil {
		return table, fmt.Errorf("field table %s: %w", key, err)
	}

	for _, row := range rows {
		if len(table.Fields) == slots {
			logrus.WithField("table", key).Warnf("More than %d fields, extra rows ignored", slots)
			break
		}
		field, err := parseFieldRow(row.fields)
		if err != nil {
			return table, fmt.Errorf("field table %s line %d: %w", key, row.line, err)
		}
		table.Fields = append(table.Fields, field)
	}
	return table, nil
}

func parseFieldRow(cols []string) (types.FieldDefinition, error) {
	var f types.FieldDefinition
	if len(cols) < 5 {
		return f, fmt.Errorf("expected at least 5 columns, got %d", len(cols))
	}

	start, err := strconv.Atoi(cols[1])
	if err != nil {
		return f, fmt.Errorf("invalid start %q: %w", cols[1], err)
	}
	size, err := strconv.Atoi(cols[2])
	if err != nil {
		return f, fmt.Errorf("invalid size %q: %w", cols[2], err)
	}
	display, err := types.ParseDisplayKind(cols[4])
	if err != nil {
		return f, err
	}

	f = types.FieldDefinition{
		Label:   cols[0],
		Start:   start,
		Size:    size,
		Format:  cols[3],
		Display: display,
	}
	// a bare string code takes its length from the size column
	if f.Format == "s" {
		f.Format = cols[2] + "s"
	}

	if display == types.DisplayEnum {
		if len(cols) < 5+types.EnumLabelCount {
			return f, fmt.Errorf("enum field %q needs %d labels", f.Label, types.EnumLabelCount)
		}
		f.EnumLabels = append([]string(nil), cols[5:5+types.EnumLabelCount]...)
	}
	return f, nil
}

type csvRow struct {
	line   int
	fields []string
}

// readRows returns the non-comment rows of a definition CSV with every cell trimmed.
func readRows(r io.Reader) ([]csvRow, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows []csvRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		line, _ := reader.FieldPos(0)
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		rows = append(rows, csvRow{line: line, fields: record})
	}
}
