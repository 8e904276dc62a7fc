package protocol

import "fmt"

// Tracker enforces the ordering rules of one session: batches arrive with
// seq 0,1,2,..., exactly one Completion ends the data channel, nothing
// follows it, and the Completion counters agree with what was streamed.
type Tracker struct {
	nextSeq         int64
	rowsEmitted     int64
	rowsQuarantined int64
	completion      *Completion
}

// Batch records a decoded DataBatch.
func (t *Tracker) Batch(b *DataBatch) error {
	if t.completion != nil {
		return &ViolationError{Channel: "data", Kind: KindDataBatch, Reason: "frame after completion"}
	}
	if b.Seq != t.nextSeq {
		return &ViolationError{Channel: "data", Kind: KindDataBatch,
			Reason: fmt.Sprintf("batch seq %d out of order, expected %d", b.Seq, t.nextSeq)}
	}
	t.nextSeq++
	t.rowsEmitted += int64(b.RowCount())
	t.rowsQuarantined += int64(len(b.Quarantine))
	return nil
}

// Complete records the terminal frame.
func (t *Tracker) Complete(c *Completion) error {
	if t.completion != nil {
		return &ViolationError{Channel: "data", Kind: KindCompletion, Reason: "second completion"}
	}
	if c.RowsEmitted != t.rowsEmitted || c.RowsQuarantined != t.rowsQuarantined {
		return &ViolationError{Channel: "data", Kind: KindCompletion, Reason: fmt.Sprintf(
			"completion reports %d rows / %d quarantined, stream carried %d / %d",
			c.RowsEmitted, c.RowsQuarantined, t.rowsEmitted, t.rowsQuarantined)}
	}
	t.completion = c
	return nil
}

// Completion returns the terminal frame, or nil if none arrived.
func (t *Tracker) Completion() *Completion { return t.completion }

// Batches is the number of batches accepted so far.
func (t *Tracker) Batches() int64 { return t.nextSeq }
