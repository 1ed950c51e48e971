package transfer

import (
	"fmt"

	"batchfetch/internal/models"
)

// State is the byte accounting of one transfer attempt.
type State struct {
	CurrentBytes int64
	TotalBytes   int64 // models.UnknownSize until discovered

	// ShouldPause is set by strategies that stop before the advertised end.
	ShouldPause bool

	// ReadErr is the read error that ended the stream, if any. Strategies
	// swallow it and leave the caller to compare bytes against the total.
	ReadErr error
}

// NewState starts accounting from an offset.
func NewState(current, total int64) *State {
	return &State{CurrentBytes: current, TotalBytes: total}
}

// HasTotal reports whether the total size is known.
func (s *State) HasTotal() bool {
	return s.TotalBytes >= 0
}

// Add records n written bytes. A known total is raised when the server
// delivers more than it advertised so that current never exceeds total.
func (s *State) Add(n int) {
	s.CurrentBytes += int64(n)
	if s.HasTotal() && s.CurrentBytes > s.TotalBytes {
		s.TotalBytes = s.CurrentBytes
	}
}

// Truncated reports whether a known total was not reached.
func (s *State) Truncated() bool {
	return s.HasTotal() && s.CurrentBytes < s.TotalBytes
}

// StopError ends a transfer with a classified status. Message never carries
// the source URI, request headers or destination path.
type StopError struct {
	Status  models.Status
	Message string
	Err     error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

// Stop builds a StopError.
func Stop(status models.Status, msg string, err error) *StopError {
	return &StopError{Status: status, Message: msg, Err: err}
}

// Token is polled at suspension points. A non-nil error, normally a
// *StopError with CANCELED or PAUSED_BY_APP, ends the transfer.
type Token interface {
	Check() error
}

// TokenFunc adapts a function to Token.
type TokenFunc func() error

func (f TokenFunc) Check() error {
	return f()
}

// Never is a Token that never cancels.
var Never Token = TokenFunc(func() error { return nil })
