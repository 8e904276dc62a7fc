package quarantine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mattjoyce/quarry/internal/protocol"
)

// ColumnSpec is a column header without its values.
type ColumnSpec struct {
	Name     string              `json:"name"`
	Type     protocol.ColumnType `json:"type"`
	Nullable bool                `json:"nullable,omitempty"`
}

// Batch holds the rows of one DataBatch that passed screening, row-major.
type Batch struct {
	Seq       int64
	Source    string
	RowOffset *int64
	Columns   []ColumnSpec
	Rows      [][]json.RawMessage
}

// Screened is the result of checking a session's batches on the host side.
type Screened struct {
	Batches    []Batch
	Quarantine []Record
	RowsOK     int64
	// PluginReported counts the quarantine entries the plugin sent itself.
	PluginReported int64
}

// RowsQuarantined counts every quarantined row, plugin-reported or not.
func (s *Screened) RowsQuarantined() int64 {
	return int64(len(s.Quarantine))
}

// Total is every row the session accounted for.
func (s *Screened) Total() int64 {
	return s.RowsOK + s.RowsQuarantined()
}

// Screen checks each row's cells against their declared column types and,
// when schema is non-nil, the row object against the plugin's output
// schema. Failing rows move to quarantine; plugin-reported entries are
// carried over unchanged.
func Screen(batches []*protocol.DataBatch, schema *jsonschema.Schema) *Screened {
	out := &Screened{}
	for _, b := range batches {
		sb := Batch{Seq: b.Seq, Source: b.Source, RowOffset: b.RowOffset}
		for _, c := range b.Columns {
			sb.Columns = append(sb.Columns, ColumnSpec{Name: c.Name, Type: c.Type, Nullable: c.Nullable})
		}

		for i := 0; i < b.RowCount(); i++ {
			row := make([]json.RawMessage, len(b.Columns))
			for j, c := range b.Columns {
				row[j] = c.Values[i]
			}
			cat, msg := checkRow(b.Columns, row, schema)
			if cat == "" {
				sb.Rows = append(sb.Rows, row)
				out.RowsOK++
				continue
			}
			out.Quarantine = append(out.Quarantine, Record{
				Source:    b.Source,
				RowOffset: offsetOf(b.RowOffset, i),
				Category:  cat,
				Message:   msg,
				Fragment:  rowFragment(b.Columns, row),
			})
		}

		for _, q := range b.Quarantine {
			source := q.Source
			if source == "" {
				source = b.Source
			}
			out.Quarantine = append(out.Quarantine, Record{
				Source:    source,
				RowOffset: q.RowOffset,
				Category:  CategoryPluginReported,
				Message:   q.Message,
				Fragment:  q.Fragment,
			})
			out.PluginReported++
		}

		if len(sb.Rows) > 0 {
			out.Batches = append(out.Batches, sb)
		}
	}
	return out
}

func checkRow(cols []protocol.Column, row []json.RawMessage, schema *jsonschema.Schema) (Category, string) {
	obj := make(map[string]any, len(cols))
	for j, c := range cols {
		v, err := checkCell(c, row[j])
		if err != nil {
			return CategoryTypeMismatch, fmt.Sprintf("column %q: %v", c.Name, err)
		}
		obj[c.Name] = v
	}
	if schema == nil {
		return "", ""
	}
	if err := schema.Validate(obj); err != nil {
		return CategorySchemaViolation, firstLine(err.Error())
	}
	return "", ""
}

// checkCell decodes a raw cell and verifies it matches the column type.
func checkCell(c protocol.Column, raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if c.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("null in non-nullable %s column", c.Type)
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}
	switch c.Type {
	case protocol.TypeString:
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("expected string, got %s", trimmed)
		}
	case protocol.TypeInt:
		if _, ok := v.(float64); !ok {
			return nil, fmt.Errorf("expected int, got %s", trimmed)
		}
		if _, err := strconv.ParseInt(string(trimmed), 10, 64); err != nil {
			return nil, fmt.Errorf("expected int, got %s", trimmed)
		}
	case protocol.TypeFloat:
		if _, ok := v.(float64); !ok {
			return nil, fmt.Errorf("expected float, got %s", trimmed)
		}
	case protocol.TypeBool:
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("expected bool, got %s", trimmed)
		}
	case protocol.TypeJSON:
	}
	return v, nil
}

func offsetOf(base *int64, i int) *int64 {
	if base == nil {
		return nil
	}
	v := *base + int64(i)
	return &v
}

func rowFragment(cols []protocol.Column, row []json.RawMessage) string {
	var b strings.Builder
	b.WriteByte('{')
	for j, c := range cols {
		if j > 0 {
			b.WriteByte(',')
		}
		name, _ := json.Marshal(c.Name)
		b.Write(name)
		b.WriteByte(':')
		if len(row[j]) == 0 {
			b.WriteString("null")
		} else {
			b.Write(row[j])
		}
	}
	b.WriteByte('}')
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
