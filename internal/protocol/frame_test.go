package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFrame(kind byte, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	buf[4] = kind
	copy(buf[HeaderSize:], payload)
	return buf
}

func TestReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame(KindDataBatch, &DataBatch{
		Columns: []Column{{Name: "id", Type: TypeInt, Values: []json.RawMessage{json.RawMessage("1")}}},
	}))
	require.NoError(t, w.WriteFrame(KindCompletion, &Completion{Status: CompletionOK, RowsEmitted: 1}))

	r := NewReader(&buf, "data", 0)
	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindDataBatch, f.Kind)
	b, err := DecodeBatch("data", f.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, b.RowCount())

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindCompletion, f.Kind)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderViolations(t *testing.T) {
	tests := []struct {
		name   string
		input  []byte
		max    int
		reason string
	}{
		{"truncated header", []byte{0, 0, 1}, 0, "truncated frame header"},
		{"truncated payload", rawFrame(1, []byte(`{"seq":0}`))[:8], 0, "truncated frame payload"},
		{"unknown kind", rawFrame(9, []byte(`{}`)), 0, "unknown frame kind 9"},
		{"empty payload", rawFrame(2, nil), 0, "empty frame payload"},
		{"oversized", rawFrame(1, bytes.Repeat([]byte("x"), 64)), 32, "exceeds ceiling"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.input), "data", tt.max).Next()
			var v *ViolationError
			require.ErrorAs(t, err, &v)
			assert.Contains(t, v.Reason, tt.reason)
			assert.Equal(t, "data", v.Channel)
			assert.True(t, IsViolation(err))
		})
	}
}

func TestOversizedFrameNotBuffered(t *testing.T) {
	// Only the header is present; a reader that tried to allocate and read
	// the declared payload would block or report truncation instead.
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, 1<<31)
	header[4] = byte(KindDataBatch)

	_, err := NewReader(bytes.NewReader(header), "data", 1024).Next()
	var v *ViolationError
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Reason, "exceeds ceiling")
}

func TestDecodeBatchStrict(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"unknown field", `{"seq":0,"columns":[],"extra":1}`, "unknown field"},
		{"ragged columns", `{"seq":0,"columns":[{"name":"a","type":"int","values":[1,2]},{"name":"b","type":"int","values":[1]}]}`, "expected 2"},
		{"duplicate column", `{"seq":0,"columns":[{"name":"a","type":"int","values":[]},{"name":"a","type":"int","values":[]}]}`, "duplicate column"},
		{"bad type", `{"seq":0,"columns":[{"name":"a","type":"decimal","values":[]}]}`, "invalid type"},
		{"unnamed column", `{"seq":0,"columns":[{"name":"","type":"int","values":[]}]}`, "no name"},
		{"quarantine without message", `{"seq":0,"columns":[],"quarantine":[{"fragment":"x"}]}`, "no message"},
		{"not json", `hello`, "decode payload"},
		{"trailing data", `{"seq":0,"columns":[]} {}`, "trailing data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBatch("data", []byte(tt.payload))
			require.Error(t, err)
			assert.True(t, IsViolation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecodeCompletionAndLogLine(t *testing.T) {
	c, err := DecodeCompletion("data", []byte(`{"status":"rejected","error":"gone","rows_emitted":0,"rows_quarantined":0}`))
	require.NoError(t, err)
	assert.Equal(t, CompletionRejected, c.Status)

	_, err = DecodeCompletion("data", []byte(`{"status":"done","rows_emitted":0,"rows_quarantined":0}`))
	assert.True(t, IsViolation(err))

	l, err := DecodeLogLine("log", []byte(`{"message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "info", l.Level)

	_, err = DecodeLogLine("log", []byte(`{"level":"loud","message":"hi"}`))
	assert.True(t, IsViolation(err))
}

func TestTracker(t *testing.T) {
	var tr Tracker
	batch := func(seq int64, rows, quarantined int) *DataBatch {
		b := &DataBatch{Seq: seq, Columns: []Column{{Name: "a", Type: TypeInt}}}
		for range rows {
			b.Columns[0].Values = append(b.Columns[0].Values, json.RawMessage("1"))
		}
		for range quarantined {
			b.Quarantine = append(b.Quarantine, QuarantineEntry{Message: "bad"})
		}
		return b
	}

	require.NoError(t, tr.Batch(batch(0, 3, 1)))
	require.NoError(t, tr.Batch(batch(1, 2, 0)))

	err := tr.Batch(batch(3, 1, 0))
	require.True(t, IsViolation(err), "gap in seq")

	err = tr.Complete(&Completion{Status: CompletionOK, RowsEmitted: 4, RowsQuarantined: 1})
	require.True(t, IsViolation(err), "counter mismatch")

	require.NoError(t, tr.Complete(&Completion{Status: CompletionOK, RowsEmitted: 5, RowsQuarantined: 1}))
	assert.Equal(t, int64(2), tr.Batches())
	require.NotNil(t, tr.Completion())

	assert.True(t, IsViolation(tr.Batch(batch(2, 1, 0))), "batch after completion")
	assert.True(t, IsViolation(tr.Complete(&Completion{Status: CompletionOK, RowsEmitted: 5, RowsQuarantined: 1})))
}

func TestEmitterKeepsCounters(t *testing.T) {
	var data, logs bytes.Buffer
	e := NewEmitter(&data, &logs)

	require.NoError(t, e.Batch(DataBatch{
		Columns:    []Column{{Name: "a", Type: TypeString, Values: []json.RawMessage{json.RawMessage(`"x"`), json.RawMessage(`"y"`)}}},
		Quarantine: []QuarantineEntry{{Message: "short row", Fragment: "z"}},
	}))
	require.NoError(t, e.Log("info", "halfway", nil))
	require.NoError(t, e.Complete(CompletionOK, ""))
	assert.Error(t, e.Batch(DataBatch{}), "writes after completion are refused")

	var tr Tracker
	r := NewReader(&data, "data", 0)
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		switch f.Kind {
		case KindDataBatch:
			b, err := DecodeBatch("data", f.Payload)
			require.NoError(t, err)
			require.NoError(t, tr.Batch(b))
		case KindCompletion:
			c, err := DecodeCompletion("data", f.Payload)
			require.NoError(t, err)
			require.NoError(t, tr.Complete(c))
		default:
			t.Fatalf("unexpected %s on data channel", f.Kind)
		}
	}
	require.NotNil(t, tr.Completion())

	f, err := NewReader(&logs, "log", 0).Next()
	require.NoError(t, err)
	assert.Equal(t, KindLogLine, f.Kind)
}

func TestEncodeDecodeRequest(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{
		Protocol:   Version,
		JobID:      "job-1",
		Plugin:     "csv",
		Version:    "1.0.0",
		Attempt:    1,
		PayloadRef: "/data/a.csv",
		Config:     map[string]any{"delimiter": ","},
		DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, EncodeRequest(&buf, req))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))

	got, err := DecodeRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req.PayloadRef, got.PayloadRef)
	assert.True(t, req.DeadlineAt.Equal(got.DeadlineAt))

	assert.Error(t, EncodeRequest(&buf, &Request{Protocol: 2}))
}
