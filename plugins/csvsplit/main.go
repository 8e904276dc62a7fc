// Command csvsplit is the reference parser plugin. It reads a CSV payload
// with a header row and streams it back as typed column batches over the
// data channel. Rows that do not fit the declared column types are handed
// back as quarantine entries instead of failing the job.
//
// Build it next to its manifest:
//
//	go build -o plugins/csvsplit/csvsplit ./plugins/csvsplit
package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mattjoyce/quarry/internal/protocol"
)

const defaultBatchSize = 500

type pluginConfig struct {
	BatchSize int
	Delimiter rune
	// Types maps header names to column types; unlisted columns are strings.
	Types map[string]protocol.ColumnType
}

func main() {
	em, err := protocol.OpenPluginChannels()
	if err != nil {
		fmt.Fprintf(os.Stderr, "csvsplit: %v\n", err)
		os.Exit(2)
	}
	defer em.Close()

	req, err := protocol.DecodeRequest(os.Stdin)
	if err != nil {
		_ = em.Complete(protocol.CompletionFailed, err.Error())
		return
	}
	status, msg := run(req, em)
	if err := em.Complete(status, msg); err != nil {
		fmt.Fprintf(os.Stderr, "csvsplit: %v\n", err)
		os.Exit(2)
	}
}

// run parses the payload and emits batches. It returns the completion to
// report; emit errors mean the host went away and are reported as failed.
func run(req *protocol.Request, em *protocol.Emitter) (protocol.CompletionStatus, string) {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return protocol.CompletionFailed, err.Error()
	}

	f, err := os.Open(req.PayloadRef)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return protocol.CompletionRejected, fmt.Sprintf("payload %s vanished", req.PayloadRef)
		}
		return protocol.CompletionRejected, err.Error()
	}
	defer f.Close()

	p := &parser{cfg: cfg, source: req.PayloadRef, em: em}
	if err := p.parse(f); err != nil {
		var rej rejectError
		if errors.As(err, &rej) {
			return protocol.CompletionRejected, rej.Error()
		}
		return protocol.CompletionFailed, err.Error()
	}
	if p.rows == 0 && p.quarantined == 0 {
		_ = em.Log("info", "payload has no data rows", map[string]any{"payload": req.PayloadRef})
		return protocol.CompletionSkipped, ""
	}
	_ = em.Log("info", "payload parsed", map[string]any{
		"payload":     req.PayloadRef,
		"rows":        p.rows,
		"quarantined": p.quarantined,
	})
	return protocol.CompletionOK, ""
}

// rejectError marks input that can never parse, such as a non-UTF-8 file.
type rejectError struct{ msg string }

func (e rejectError) Error() string { return e.msg }

// parser batches records. Row offsets are 1-based record numbers after the
// header, so a batch's rows are contiguous from its RowOffset and every
// quarantine entry carries its own offset.
type parser struct {
	cfg    pluginConfig
	source string
	em     *protocol.Emitter

	header []string
	cols   []protocol.Column
	quar   []protocol.QuarantineEntry
	first  int64 // offset of the first pending row, 0 when none
	next   int64 // offset the next contiguous row must have

	rows        int64
	quarantined int64
}

func (p *parser) parse(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.Comma = p.cfg.Delimiter
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return rejectError{msg: fmt.Sprintf("read header: %v", err)}
	}
	for i, h := range header {
		if !utf8.ValidString(h) {
			return rejectError{msg: "header is not valid UTF-8"}
		}
		header[i] = strings.TrimSpace(h)
	}
	p.header = header
	p.reset()

	var offset int64
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		offset++
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return err
			}
			p.quarantine(offset, fmt.Sprintf("malformed CSV at line %d: %v", perr.StartLine, perr.Err), "")
		} else if err := p.add(offset, record); err != nil {
			return err
		}
		if p.pending() >= p.cfg.BatchSize {
			if err := p.flush(); err != nil {
				return err
			}
		}
	}
	return p.flush()
}

func (p *parser) add(offset int64, record []string) error {
	fragment := strings.Join(record, string(p.cfg.Delimiter))
	if len(record) != len(p.header) {
		p.quarantine(offset, fmt.Sprintf("expected %d fields, got %d", len(p.header), len(record)), fragment)
		return nil
	}
	values := make([]json.RawMessage, len(record))
	for i, field := range record {
		v, err := encodeField(p.cols[i].Type, field)
		if err != nil {
			p.quarantine(offset, fmt.Sprintf("column %q: %v", p.header[i], err), fragment)
			return nil
		}
		values[i] = v
	}

	// A gap left by quarantined records starts a new batch.
	if p.first != 0 && offset != p.next {
		if err := p.flush(); err != nil {
			return err
		}
	}
	if p.first == 0 {
		p.first = offset
	}
	for i := range p.cols {
		p.cols[i].Values = append(p.cols[i].Values, values[i])
	}
	p.next = offset + 1
	return nil
}

func (p *parser) quarantine(offset int64, msg, fragment string) {
	off := offset
	p.quar = append(p.quar, protocol.QuarantineEntry{
		RowOffset: &off,
		Source:    p.source,
		Message:   msg,
		Fragment:  fragment,
	})
}

func (p *parser) pending() int {
	n := len(p.quar)
	if len(p.cols) > 0 {
		n += len(p.cols[0].Values)
	}
	return n
}

func (p *parser) flush() error {
	if p.pending() == 0 {
		return nil
	}
	b := protocol.DataBatch{
		Source:     p.source,
		Columns:    p.cols,
		Quarantine: p.quar,
	}
	if p.first != 0 {
		off := p.first
		b.RowOffset = &off
	}
	if err := p.em.Batch(b); err != nil {
		return fmt.Errorf("emit batch: %w", err)
	}
	p.rows += int64(b.RowCount())
	p.quarantined += int64(len(b.Quarantine))
	p.reset()
	return nil
}

func (p *parser) reset() {
	p.first, p.next = 0, 0
	p.quar = nil
	p.cols = make([]protocol.Column, len(p.header))
	for i, h := range p.header {
		typ, ok := p.cfg.Types[h]
		if !ok {
			typ = protocol.TypeString
		}
		p.cols[i] = protocol.Column{Name: h, Type: typ, Nullable: true, Values: []json.RawMessage{}}
	}
}

// encodeField converts one CSV field to the JSON value of its column type.
// Empty fields become null.
func encodeField(typ protocol.ColumnType, field string) (json.RawMessage, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return json.RawMessage("null"), nil
	}
	switch typ {
	case protocol.TypeInt:
		n, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", field)
		}
		return json.RawMessage(strconv.FormatInt(n, 10)), nil
	case protocol.TypeFloat:
		f, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", field)
		}
		return json.Marshal(f)
	case protocol.TypeBool:
		b, err := strconv.ParseBool(field)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", field)
		}
		return json.Marshal(b)
	case protocol.TypeJSON:
		if !json.Valid([]byte(field)) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return json.RawMessage(field), nil
	default:
		if !utf8.ValidString(field) {
			return nil, fmt.Errorf("not valid UTF-8")
		}
		return json.Marshal(field)
	}
}

func parseConfig(cfg map[string]any) (pluginConfig, error) {
	out := pluginConfig{
		BatchSize: defaultBatchSize,
		Delimiter: ',',
		Types:     map[string]protocol.ColumnType{},
	}
	if cfg == nil {
		return out, nil
	}

	if v := asInt(cfg["batch_size"], 0); v > 0 {
		out.BatchSize = v
	}
	if v := asString(cfg["delimiter"]); v != "" {
		if v == `\t` {
			v = "\t"
		}
		r, size := utf8.DecodeRuneInString(v)
		if size != len(v) || r == '"' || r == '\n' || r == '\r' {
			return out, fmt.Errorf("invalid delimiter %q", v)
		}
		out.Delimiter = r
	}
	if types, ok := cfg["types"].(map[string]any); ok {
		for name, raw := range types {
			typ := protocol.ColumnType(asString(raw))
			if !typ.Valid() {
				return out, fmt.Errorf("column %q: unknown type %q", name, raw)
			}
			out.Types[name] = typ
		}
	}
	return out, nil
}

func asInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		if t > 0 {
			return t
		}
	case int64:
		if t > 0 {
			return int(t)
		}
	case float64:
		if int(t) > 0 {
			return int(t)
		}
	case string:
		if n, err := strconv.Atoi(t); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
