package dispatch

import (
	"errors"
	"fmt"
)

// ErrForcedShutdown means sub-batches ignored cancellation for longer than
// the pool drain timeout.
var ErrForcedShutdown = errors.New("dispatch: forced shutdown")

// ItemError is the final failure of one item. It is logged and counted,
// never returned.
type ItemError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item key=%s failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// SubBatchError aborts a chunk. Index is the failed sub-batch's position
// within the chunk.
type SubBatchError struct {
	Chunk   int64
	Index   int
	Size    int
	Timeout bool
	Err     error
}

func (e *SubBatchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("dispatch: chunk %d sub-batch %d (%d items) timed out: %v", e.Chunk, e.Index, e.Size, e.Err)
	}
	return fmt.Sprintf("dispatch: chunk %d sub-batch %d (%d items): %v", e.Chunk, e.Index, e.Size, e.Err)
}

func (e *SubBatchError) Unwrap() error { return e.Err }

// SinkError is a failed bulk insert; the chunk's results are lost.
type SinkError struct {
	Chunk int64
	Rows  int
	Err   error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("dispatch: chunk %d flush of %d rows: %v", e.Chunk, e.Rows, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
