package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/quarry/internal/protocol"
)

type session struct {
	batches    []*protocol.DataBatch
	completion *protocol.Completion
	logs       []*protocol.LogLine
}

// runFile runs the plugin against content and decodes both channels.
func runFile(t *testing.T, content string, cfg map[string]any) session {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return runPath(t, path, cfg)
}

func runPath(t *testing.T, path string, cfg map[string]any) session {
	t.Helper()
	var data, logs bytes.Buffer
	em := protocol.NewEmitter(&data, &logs)
	status, msg := run(&protocol.Request{Protocol: protocol.Version, JobID: "j1", PayloadRef: path, Config: cfg}, em)
	require.NoError(t, em.Complete(status, msg))

	var s session
	r := protocol.NewReader(&data, "data", 0)
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		switch f.Kind {
		case protocol.KindDataBatch:
			b, err := protocol.DecodeBatch("data", f.Payload)
			require.NoError(t, err)
			s.batches = append(s.batches, b)
		case protocol.KindCompletion:
			c, err := protocol.DecodeCompletion("data", f.Payload)
			require.NoError(t, err)
			s.completion = c
		default:
			t.Fatalf("unexpected %s frame on data channel", f.Kind)
		}
	}
	lr := protocol.NewReader(&logs, "log", 0)
	for {
		f, err := lr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		l, err := protocol.DecodeLogLine("log", f.Payload)
		require.NoError(t, err)
		s.logs = append(s.logs, l)
	}
	require.NotNil(t, s.completion)
	return s
}

func TestSplitsTypedColumns(t *testing.T) {
	s := runFile(t, "id,amount,paid\nA1,10,true\nA2,,false\n", map[string]any{
		"types": map[string]any{"amount": "int", "paid": "bool"},
	})

	assert.Equal(t, protocol.CompletionOK, s.completion.Status)
	assert.Equal(t, int64(2), s.completion.RowsEmitted)
	require.Len(t, s.batches, 1)
	b := s.batches[0]
	require.NotNil(t, b.RowOffset)
	assert.Equal(t, int64(1), *b.RowOffset)
	require.Len(t, b.Columns, 3)
	assert.Equal(t, protocol.TypeInt, b.Columns[1].Type)
	assert.JSONEq(t, `10`, string(b.Columns[1].Values[0]))
	assert.Equal(t, "null", string(b.Columns[1].Values[1]))
	assert.JSONEq(t, `"A2"`, string(b.Columns[0].Values[1]))
	require.NotEmpty(t, s.logs)
	assert.Equal(t, "payload parsed", s.logs[len(s.logs)-1].Message)
}

func TestBadRowsAreQuarantinedWithOffsets(t *testing.T) {
	s := runFile(t, "id,amount\nA1,1\nA2,two\nA3,3\nA4\nA5,5\n", map[string]any{
		"types": map[string]any{"amount": "int"},
	})

	assert.Equal(t, protocol.CompletionOK, s.completion.Status)
	assert.Equal(t, int64(3), s.completion.RowsEmitted)
	assert.Equal(t, int64(2), s.completion.RowsQuarantined)

	var quarantined []protocol.QuarantineEntry
	for _, b := range s.batches {
		quarantined = append(quarantined, b.Quarantine...)
		// Rows in a batch are contiguous from its offset.
		if b.RowCount() > 0 {
			require.NotNil(t, b.RowOffset)
			assert.Equal(t, 1, b.RowCount(), "gaps split batches")
		}
	}
	require.Len(t, quarantined, 2)
	assert.Equal(t, int64(2), *quarantined[0].RowOffset)
	assert.Contains(t, quarantined[0].Message, `"two" is not an integer`)
	assert.Equal(t, "A2,two", quarantined[0].Fragment)
	assert.Equal(t, int64(4), *quarantined[1].RowOffset)
	assert.Contains(t, quarantined[1].Message, "expected 2 fields, got 1")
}

func TestBatchSizeBoundsBatches(t *testing.T) {
	s := runFile(t, "n\n1\n2\n3\n4\n5\n", map[string]any{"batch_size": 2, "types": map[string]any{"n": "int"}})

	require.Len(t, s.batches, 3)
	assert.Equal(t, int64(1), *s.batches[0].RowOffset)
	assert.Equal(t, int64(3), *s.batches[1].RowOffset)
	assert.Equal(t, int64(5), *s.batches[2].RowOffset)
	for i, b := range s.batches {
		assert.Equal(t, int64(i), b.Seq)
	}
}

func TestEmptyPayloadIsSkipped(t *testing.T) {
	s := runFile(t, "id,amount\n", nil)
	assert.Equal(t, protocol.CompletionSkipped, s.completion.Status)
	assert.Empty(t, s.batches)
}

func TestMissingPayloadIsRejected(t *testing.T) {
	s := runPath(t, filepath.Join(t.TempDir(), "gone.csv"), nil)
	assert.Equal(t, protocol.CompletionRejected, s.completion.Status)
	assert.Contains(t, s.completion.Error, "vanished")
}

func TestTabDelimiter(t *testing.T) {
	s := runFile(t, "a\tb\nx\ty\n", map[string]any{"delimiter": `\t`})
	require.Len(t, s.batches, 1)
	assert.Equal(t, "b", s.batches[0].Columns[1].Name)
}

func TestParseConfigRejectsUnknownType(t *testing.T) {
	_, err := parseConfig(map[string]any{"types": map[string]any{"x": "decimal"}})
	require.Error(t, err)

	s := runFile(t, "x\n1\n", map[string]any{"types": map[string]any{"x": "decimal"}})
	assert.Equal(t, protocol.CompletionFailed, s.completion.Status)
}
