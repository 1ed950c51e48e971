package transfer

import (
	"bufio"
	"errors"
	"io"

	"batchfetch/internal/models"
)

const (
	// ChunkSize is the read buffer of the plain strategy.
	ChunkSize = 8192

	// BlockSize is the archive record size.
	BlockSize = 512
)

// Strategy pulls bytes from a response body into a Writer. A nil return
// means the stream ended; a *StopError means the transfer was stopped.
type Strategy interface {
	Name() string
	Transfer(st *State, body io.Reader, w *Writer, tok Token) error
}

// ForName returns the strategy stored on a record. Unknown names use Plain.
func ForName(name string) Strategy {
	if name == models.StrategyArchive {
		return BoundedArchive{}
	}
	return Plain{}
}

// Plain copies the body in fixed chunks until end of stream. Read errors end
// the transfer quietly and are left in st.ReadErr.
type Plain struct{}

func (Plain) Name() string { return models.StrategyPlain }

func (Plain) Transfer(st *State, body io.Reader, w *Writer, tok Token) error {
	buf := make([]byte, ChunkSize)
	for {
		if err := tok.Check(); err != nil {
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if err := tok.Check(); err != nil {
				return err
			}
			if err := w.Write(st, buf[:n]); err != nil {
				return err
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				st.ReadErr = readErr
			}
			return nil
		}
	}
}

// BoundedArchive copies a tar-like stream block by block and stops at the
// first all-zero block, which is not written. On stop the total is clamped
// to what was received and ShouldPause is set.
type BoundedArchive struct{}

func (BoundedArchive) Name() string { return models.StrategyArchive }

func (BoundedArchive) Transfer(st *State, body io.Reader, w *Writer, tok Token) error {
	raw := &bodyReader{r: body}
	r := bufio.NewReaderSize(raw, ChunkSize)
	block := make([]byte, BlockSize)
	for {
		if err := tok.Check(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(r, block)
		switch {
		case n == BlockSize && isZero(block):
			clamp(st)
			return nil
		case n > 0:
			if err := tok.Check(); err != nil {
				return err
			}
			if err := w.Write(st, block[:n]); err != nil {
				return err
			}
		}

		switch {
		case readErr == nil:
		case (errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF)) && raw.cleanEOF():
			// io.ReadFull reports a short last block as ErrUnexpectedEOF;
			// only a clean end of the body itself ends the archive.
			clamp(st)
			return nil
		default:
			st.ReadErr = readErr
			if raw.err != nil {
				st.ReadErr = raw.err
			}
			return nil
		}
	}
}

// bodyReader remembers the last error returned by the underlying body.
type bodyReader struct {
	r   io.Reader
	err error
}

func (e *bodyReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

func (e *bodyReader) cleanEOF() bool {
	return e.err == io.EOF
}

func clamp(st *State) {
	st.ShouldPause = true
	st.TotalBytes = st.CurrentBytes
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
