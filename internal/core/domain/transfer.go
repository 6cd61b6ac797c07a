package domain

import "fmt"

type TransferStatus int

const (
	TransferActive TransferStatus = iota
	TransferComplete
	TransferAborted
)

func (s TransferStatus) String() string {
	switch s {
	case TransferActive:
		return "ACTIVE"
	case TransferComplete:
		return "COMPLETE"
	case TransferAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

type TransferDirection int

const (
	Outbound TransferDirection = iota
	Inbound
)

func (d TransferDirection) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// FileMetadata is the first frame of every transfer.
type FileMetadata struct {
	FileID FileID
	Name   string
	Size   int64
	MIME   string
}

func (m FileMetadata) Validate(maxSize int64) error {
	if m.Size < 0 {
		return fmt.Errorf("negative size %d", m.Size)
	}
	if maxSize > 0 && m.Size > maxSize {
		return fmt.Errorf("size %d exceeds limit %d", m.Size, maxSize)
	}
	if m.Name == "" {
		return fmt.Errorf("missing name")
	}
	return nil
}

type TransferSession struct {
	Meta             FileMetadata
	Direction        TransferDirection
	ChunkSize        int
	BytesTransferred int64
	Status           TransferStatus
}

// NewTransferSession starts a session. A zero-size transfer is complete
// as soon as it exists.
func NewTransferSession(meta FileMetadata, dir TransferDirection, chunkSize int) *TransferSession {
	s := &TransferSession{Meta: meta, Direction: dir, ChunkSize: chunkSize, Status: TransferActive}
	if meta.Size == 0 {
		s.Status = TransferComplete
	}
	return s
}

// Advance records n more bytes and completes the session once the
// declared size is reached.
func (s *TransferSession) Advance(n int) error {
	if s.Status != TransferActive {
		return fmt.Errorf("session %s is %s", s.Meta.FileID, s.Status)
	}
	if s.BytesTransferred+int64(n) > s.Meta.Size {
		return &TransferError{
			File:             s.Meta.FileID,
			BytesTransferred: s.BytesTransferred,
			Err:              ErrSizeMismatch,
			Details:          fmt.Sprintf("received %d bytes past declared size %d", s.BytesTransferred+int64(n)-s.Meta.Size, s.Meta.Size),
		}
	}
	s.BytesTransferred += int64(n)
	if s.BytesTransferred == s.Meta.Size {
		s.Status = TransferComplete
	}
	return nil
}

func (s *TransferSession) Done() bool {
	return s.Status == TransferComplete
}

// Abort marks the session aborted and returns the error to surface.
func (s *TransferSession) Abort(cause error) *TransferError {
	s.Status = TransferAborted
	return &TransferError{
		File:             s.Meta.FileID,
		BytesTransferred: s.BytesTransferred,
		Err:              ErrTransferAborted,
		Details:          causeDetails(cause),
	}
}

func (s *TransferSession) Progress() *TransferProgress {
	return &TransferProgress{
		Meta:      s.Meta,
		Direction: s.Direction,
		Bytes:     s.BytesTransferred,
		Status:    s.Status,
	}
}

// TransferProgress is a snapshot carried on transfer events.
type TransferProgress struct {
	Meta      FileMetadata
	Direction TransferDirection
	Bytes     int64
	Status    TransferStatus
}

func causeDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
