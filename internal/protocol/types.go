package protocol

import (
	"encoding/json"
	"time"
)

// Version is the frame protocol version plugins declare in manifest.yaml.
const Version = 1

// Kind tags every frame. Unknown kinds are a protocol violation.
type Kind byte

const (
	KindDataBatch  Kind = 1
	KindLogLine    Kind = 2
	KindCompletion Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindDataBatch:
		return "data_batch"
	case KindLogLine:
		return "log_line"
	case KindCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

func (k Kind) valid() bool {
	return k == KindDataBatch || k == KindLogLine || k == KindCompletion
}

// ColumnType is the declared type of every value in a column.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeInt    ColumnType = "int"
	TypeFloat  ColumnType = "float"
	TypeBool   ColumnType = "bool"
	TypeJSON   ColumnType = "json"
)

func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeJSON:
		return true
	}
	return false
}

// Column is one named, typed column of a DataBatch. Values are kept raw so
// the host can type-check them instead of trusting the plugin.
type Column struct {
	Name     string            `json:"name"`
	Type     ColumnType        `json:"type"`
	Nullable bool              `json:"nullable,omitempty"`
	Values   []json.RawMessage `json:"values"`
}

// QuarantineEntry is an input record the plugin could not turn into a row.
type QuarantineEntry struct {
	RowOffset *int64 `json:"row_offset,omitempty"`
	Source    string `json:"source,omitempty"`
	Message   string `json:"message"`
	Fragment  string `json:"fragment,omitempty"`
}

// DataBatch is a self-describing columnar chunk of output rows.
type DataBatch struct {
	Seq        int64             `json:"seq"`
	Source     string            `json:"source,omitempty"`
	RowOffset  *int64            `json:"row_offset,omitempty"`
	Columns    []Column          `json:"columns"`
	Quarantine []QuarantineEntry `json:"quarantine,omitempty"`
}

// RowCount is the number of rows carried by the columns.
func (b *DataBatch) RowCount() int {
	if len(b.Columns) == 0 {
		return 0
	}
	return len(b.Columns[0].Values)
}

// LogLine is sideband diagnostic text. It only travels on the log channel.
type LogLine struct {
	Level   string         `json:"level"` // debug | info | warn | error
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type CompletionStatus string

const (
	CompletionOK CompletionStatus = "ok"
	// CompletionFailed is the plugin saying it could not do the work.
	CompletionFailed CompletionStatus = "failed"
	// CompletionRejected means the input itself is unusable (vanished file,
	// unreadable encoding) and the job should be redone, not retried as-is.
	CompletionRejected CompletionStatus = "rejected"
	// CompletionSkipped means there was nothing to do for this payload.
	CompletionSkipped CompletionStatus = "skipped"
)

// Completion is the single terminal frame of a session.
type Completion struct {
	Status          CompletionStatus `json:"status"`
	Error           string           `json:"error,omitempty"`
	RowsEmitted     int64            `json:"rows_emitted"`
	RowsQuarantined int64            `json:"rows_quarantined"`
}

// Request is the job envelope written to the plugin's stdin.
type Request struct {
	Protocol   int            `json:"protocol"`
	JobID      string         `json:"job_id"`
	Plugin     string         `json:"plugin"`
	Version    string         `json:"version"`
	Attempt    int            `json:"attempt"`
	PayloadRef string         `json:"payload_ref"`
	Config     map[string]any `json:"config,omitempty"`
	DeadlineAt time.Time      `json:"deadline_at"`
}
