package transfer

import (
	"io"

	"github.com/dustin/go-humanize"

	"batchfetch/internal/models"
)

// Sink is a destination stream that can report its free space.
type Sink interface {
	io.Writer

	// Available returns the number of bytes that can still be written.
	Available() (int64, error)
}

// Writer commits bytes to a Sink after verifying storage space. A failed
// write is retried once after re-checking space; a second failure stops the
// transfer with FILE_ERROR.
type Writer struct {
	sink     Sink
	checked  bool
	onRetry  func()
	progress func(*State)
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithRetryHook is called each time a failed write is retried.
func WithRetryHook(fn func()) WriterOption {
	return func(w *Writer) { w.onRetry = fn }
}

// WithProgress is called after every successful write.
func WithProgress(fn func(*State)) WriterOption {
	return func(w *Writer) { w.progress = fn }
}

// NewWriter creates a writer for one transfer session.
func NewWriter(sink Sink, opts ...WriterOption) *Writer {
	w := &Writer{sink: sink}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write commits p and advances st. The returned error is always a *StopError.
func (w *Writer) Write(st *State, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	if !w.checked {
		if err := w.verifySpace(int64(len(p))); err != nil {
			return err
		}
		w.checked = true
	}

	n, err := w.sink.Write(p)
	st.Add(n)
	if err == nil && n == len(p) {
		w.report(st)
		return nil
	}

	if w.onRetry != nil {
		w.onRetry()
	}

	rest := p[n:]
	if err := w.verifySpace(int64(len(rest))); err != nil {
		return err
	}

	n, err = w.sink.Write(rest)
	st.Add(n)
	if err != nil || n != len(rest) {
		if err == nil {
			err = io.ErrShortWrite
		}
		return Stop(models.StatusFileError, "failed to write to destination", err)
	}

	w.report(st)
	return nil
}

func (w *Writer) verifySpace(need int64) error {
	avail, err := w.sink.Available()
	if err != nil {
		return Stop(models.StatusFileError, "unable to determine free space on destination", err)
	}
	if avail < need {
		return Stop(models.StatusFileError, "insufficient space on destination: need "+
			humanize.IBytes(uint64(need))+", have "+humanize.IBytes(uint64(max(avail, 0))), nil)
	}
	return nil
}

func (w *Writer) report(st *State) {
	if w.progress != nil {
		w.progress(st)
	}
}
