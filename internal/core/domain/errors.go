package domain

import (
	"errors"
	"fmt"
)

// Close and error codes carried on the wire.
const (
	CodeNormalClosure       = 1000
	CodeTryAgainLater       = 1013
	CodeMalformedMessage    = 4000
	CodeRoomNotFound        = 4001
	CodeUnauthorized        = 4002
	CodeParticipantNotFound = 4003
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMalformedMessage = errors.New("malformed message")

	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrGlare              = errors.New("unresolvable glare")
	ErrEngineRejected     = errors.New("engine rejected operation")
	ErrUnexpectedSignal   = errors.New("unexpected signal")

	ErrICEFailed          = errors.New("ice failed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	ErrTransferAborted = errors.New("transfer aborted")
	ErrSizeMismatch    = errors.New("size mismatch")
	ErrChannelClosed   = errors.New("channel closed")
)

// SignalingError is returned by the relay to the originating sender only.
type SignalingError struct {
	Op      string
	Err     error
	Details string
	// RoomMissing distinguishes a missing room from a missing participant
	// when Err is ErrNotFound.
	RoomMissing bool
}

func (e *SignalingError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error {
	return e.Err
}

// Code maps the error to its wire code.
func (e *SignalingError) Code() int {
	switch {
	case errors.Is(e.Err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(e.Err, ErrNotFound) && e.RoomMissing:
		return CodeRoomNotFound
	case errors.Is(e.Err, ErrNotFound):
		return CodeParticipantNotFound
	default:
		return CodeMalformedMessage
	}
}

// Kind is the short taxonomy name used in error payloads.
func (e *SignalingError) Kind() string {
	switch {
	case errors.Is(e.Err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(e.Err, ErrNotFound):
		return "not-found"
	default:
		return "malformed-message"
	}
}

func NewSignalingError(op string, err error, details string) *SignalingError {
	return &SignalingError{Op: op, Err: err, Details: details}
}

func RoomNotFound(op string, room RoomID) *SignalingError {
	return &SignalingError{Op: op, Err: ErrNotFound, Details: "room " + room.String(), RoomMissing: true}
}

type NegotiationError struct {
	Link  LinkKey
	State LinkState
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s in %s: %v", e.Link, e.State, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

type ConnectivityError struct {
	Link     LinkKey
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connectivity %s after %d attempts: %v", e.Link, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connectivity %s: %v", e.Link, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// TransferError aborts a single TransferSession. BytesTransferred is what
// had been sent or received when the session stopped.
type TransferError struct {
	File             FileID
	BytesTransferred int64
	Err              error
	Details          string
}

func (e *TransferError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("transfer %s at %d bytes: %v (%s)", e.File, e.BytesTransferred, e.Err, e.Details)
	}
	return fmt.Sprintf("transfer %s at %d bytes: %v", e.File, e.BytesTransferred, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
