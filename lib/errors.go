package lib

import (
	"errors"
	"fmt"
)

// Error kinds. Fatal ones reach the caller wrapped in a *TransferError,
// per-segment ones are counted and dropped inside the session.
var (
	ErrIO                   = errors.New("i/o failure")
	ErrMalformed            = errors.New("malformed segment")
	ErrCorrupt              = errors.New("checksum mismatch")
	ErrPeerUnresponsive     = errors.New("peer unresponsive")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrReplayDetected       = errors.New("replay detected")
	ErrTimeout              = errors.New("no progress before timeout")
	ErrSessionClosed        = errors.New("session closed")
	ErrHandshakeIncomplete  = errors.New("handshake not established")
)

// TransferError reports why a session ended early together with how far the
// transfer got, so a partial report can still be produced.
type TransferError struct {
	Kind    error  // one of the Err* kinds above
	Op      string // operation in progress
	LastAck uint32 // last cumulative acknowledgment number seen or sent
	Bytes   int64  // payload bytes acknowledged or delivered
	Err     error  // underlying cause, may be nil
}

func newTransferError(kind error, op string, cause error) *TransferError {
	return &TransferError{Kind: kind, Op: op, Err: cause}
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("%s: %v (last ack %d, %d bytes)", e.Op, e.Kind, e.LastAck, e.Bytes)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is matches the error kind, so errors.Is(err, ErrTimeout) works without
// unwrapping the cause chain.
func (e *TransferError) Is(target error) bool {
	return target == e.Kind
}

// TimeoutError is returned by a transport read that hit its poll deadline.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return true
}

func isPollTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
