package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Environment handed to every plugin process.
const (
	EnvDataFD  = "QUARRY_DATA_FD"
	EnvLogFD   = "QUARRY_LOG_FD"
	EnvPayload = "QUARRY_PAYLOAD"
	EnvJobID   = "QUARRY_JOB_ID"

	// DataFD and LogFD are the descriptor numbers the host assigns through
	// exec.Cmd.ExtraFiles.
	DataFD = 3
	LogFD  = 4
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest is the plugin-side counterpart of EncodeRequest.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	return &req, nil
}

// Emitter is the plugin-side handle on both channels. It numbers batches,
// keeps the counters a Completion must report, and refuses to write after
// Complete.
type Emitter struct {
	data *Writer
	log  *Writer

	closers []io.Closer

	seq             int64
	rowsEmitted     int64
	rowsQuarantined int64
	done            bool
}

// NewEmitter wraps already-open channel writers.
func NewEmitter(data, log io.Writer) *Emitter {
	return &Emitter{data: NewWriter(data), log: NewWriter(log)}
}

// OpenPluginChannels opens the channels the host passed to this process.
func OpenPluginChannels() (*Emitter, error) {
	data, err := openFD(EnvDataFD, DataFD, "quarry-data")
	if err != nil {
		return nil, err
	}
	log, err := openFD(EnvLogFD, LogFD, "quarry-log")
	if err != nil {
		_ = data.Close()
		return nil, err
	}
	e := NewEmitter(data, log)
	e.closers = []io.Closer{data, log}
	return e, nil
}

func openFD(env string, fallback int, name string) (*os.File, error) {
	fd := fallback
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s=%q is not a descriptor: %w", env, v, err)
		}
		fd = n
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, fmt.Errorf("descriptor %d (%s) is not open", fd, env)
	}
	return f, nil
}

// Batch sends one DataBatch. Seq is assigned here.
func (e *Emitter) Batch(b DataBatch) error {
	if e.done {
		return fmt.Errorf("batch after completion")
	}
	b.Seq = e.seq
	if err := b.Validate(); err != nil {
		return err
	}
	if err := e.data.WriteFrame(KindDataBatch, &b); err != nil {
		return err
	}
	e.seq++
	e.rowsEmitted += int64(b.RowCount())
	e.rowsQuarantined += int64(len(b.Quarantine))
	return nil
}

// Log sends a LogLine on the log channel.
func (e *Emitter) Log(level, msg string, fields map[string]any) error {
	return e.log.WriteFrame(KindLogLine, &LogLine{Level: level, Message: msg, Fields: fields})
}

// Complete sends the terminal frame with the counters accumulated so far.
func (e *Emitter) Complete(status CompletionStatus, errMsg string) error {
	if e.done {
		return fmt.Errorf("already completed")
	}
	e.done = true
	return e.data.WriteFrame(KindCompletion, &Completion{
		Status:          status,
		Error:           errMsg,
		RowsEmitted:     e.rowsEmitted,
		RowsQuarantined: e.rowsQuarantined,
	})
}

// Close closes channels opened by OpenPluginChannels.
func (e *Emitter) Close() error {
	var first error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
