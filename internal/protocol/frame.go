package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// HeaderSize is the 4-byte big-endian payload length plus the kind byte.
	HeaderSize = 5
	// DefaultMaxFrameBytes bounds a single frame payload.
	DefaultMaxFrameBytes = 8 << 20
)

// ViolationError reports a plugin breaking the frame protocol. It is fatal
// to the session that produced it and to nothing else.
type ViolationError struct {
	Channel string
	Kind    Kind
	Reason  string
}

func (e *ViolationError) Error() string {
	if e.Kind != 0 {
		return fmt.Sprintf("protocol violation on %s channel (%s frame): %s", e.Channel, e.Kind, e.Reason)
	}
	return fmt.Sprintf("protocol violation on %s channel: %s", e.Channel, e.Reason)
}

// IsViolation reports whether err is or wraps a *ViolationError.
func IsViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v)
}

// Frame is one raw frame read off a channel.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Reader reads length-prefixed frames from one channel.
type Reader struct {
	r       *bufio.Reader
	channel string
	max     int
	header  [HeaderSize]byte
}

func NewReader(r io.Reader, channel string, maxFrameBytes int) *Reader {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Reader{r: bufio.NewReader(r), channel: channel, max: maxFrameBytes}
}

// Next returns the next frame. A clean close between frames yields io.EOF.
// Truncated frames, oversized lengths and unknown kinds are violations.
func (r *Reader) Next() (Frame, error) {
	n, err := io.ReadFull(r.r, r.header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, r.violation(0, "truncated frame header")
		}
		return Frame{}, err
	}

	size := binary.BigEndian.Uint32(r.header[:4])
	kind := Kind(r.header[4])
	if !kind.valid() {
		return Frame{}, r.violation(0, fmt.Sprintf("unknown frame kind %d", r.header[4]))
	}
	if size == 0 {
		return Frame{}, r.violation(kind, "empty frame payload")
	}
	if int64(size) > int64(r.max) {
		return Frame{}, r.violation(kind, fmt.Sprintf("frame of %d bytes exceeds ceiling of %d", size, r.max))
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, r.violation(kind, "truncated frame payload")
		}
		return Frame{}, err
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

func (r *Reader) violation(kind Kind, reason string) error {
	return &ViolationError{Channel: r.channel, Kind: kind, Reason: reason}
}

// DecodeBatch strictly decodes and validates a DataBatch payload.
func DecodeBatch(channel string, payload []byte) (*DataBatch, error) {
	var b DataBatch
	if err := decodeStrict(payload, &b); err != nil {
		return nil, &ViolationError{Channel: channel, Kind: KindDataBatch, Reason: err.Error()}
	}
	if err := b.Validate(); err != nil {
		return nil, &ViolationError{Channel: channel, Kind: KindDataBatch, Reason: err.Error()}
	}
	return &b, nil
}

// DecodeLogLine strictly decodes a LogLine payload.
func DecodeLogLine(channel string, payload []byte) (*LogLine, error) {
	var l LogLine
	if err := decodeStrict(payload, &l); err != nil {
		return nil, &ViolationError{Channel: channel, Kind: KindLogLine, Reason: err.Error()}
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
	case "":
		l.Level = "info"
	default:
		return nil, &ViolationError{Channel: channel, Kind: KindLogLine, Reason: fmt.Sprintf("invalid log level %q", l.Level)}
	}
	return &l, nil
}

// DecodeCompletion strictly decodes a Completion payload.
func DecodeCompletion(channel string, payload []byte) (*Completion, error) {
	var c Completion
	if err := decodeStrict(payload, &c); err != nil {
		return nil, &ViolationError{Channel: channel, Kind: KindCompletion, Reason: err.Error()}
	}
	switch c.Status {
	case CompletionOK, CompletionFailed, CompletionRejected, CompletionSkipped:
	default:
		return nil, &ViolationError{Channel: channel, Kind: KindCompletion, Reason: fmt.Sprintf("invalid completion status %q", c.Status)}
	}
	if c.RowsEmitted < 0 || c.RowsQuarantined < 0 {
		return nil, &ViolationError{Channel: channel, Kind: KindCompletion, Reason: "negative row counters"}
	}
	return &c, nil
}

func decodeStrict(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("trailing data after payload")
	}
	return nil
}

// Validate checks the batch is self-consistent: named, typed columns of
// equal length.
func (b *DataBatch) Validate() error {
	if b.Seq < 0 {
		return fmt.Errorf("negative batch seq %d", b.Seq)
	}
	seen := make(map[string]struct{}, len(b.Columns))
	rows := -1
	for i, c := range b.Columns {
		if c.Name == "" {
			return fmt.Errorf("column %d has no name", i)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if !c.Type.Valid() {
			return fmt.Errorf("column %q has invalid type %q", c.Name, c.Type)
		}
		if rows >= 0 && len(c.Values) != rows {
			return fmt.Errorf("column %q has %d values, expected %d", c.Name, len(c.Values), rows)
		}
		rows = len(c.Values)
	}
	for i, q := range b.Quarantine {
		if q.Message == "" {
			return fmt.Errorf("quarantine entry %d has no message", i)
		}
	}
	return nil
}

// Writer encodes frames onto one channel. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame marshals v and writes it as one frame of kind.
func (w *Writer) WriteFrame(kind Kind, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", kind, err)
	}
	return w.WriteRaw(kind, payload)
}

// WriteRaw writes payload as-is under a frame header.
func (w *Writer) WriteRaw(kind Kind, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	buf[4] = byte(kind)
	copy(buf[HeaderSize:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	return nil
}
