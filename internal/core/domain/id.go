package domain

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

type ParticipantID uuid.UUID

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New())
}

func ParseParticipantID(s string) (ParticipantID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ParticipantID{}, fmt.Errorf("parse participant id: %w", err)
	}
	return ParticipantID(id), nil
}

func (id ParticipantID) String() string {
	return uuid.UUID(id).String()
}

func (id ParticipantID) IsZero() bool {
	return id == ParticipantID{}
}

// Compare orders ids as unsigned 128-bit big-endian integers.
func (id ParticipantID) Compare(other ParticipantID) int {
	return bytes.Compare(id[:], other[:])
}

func (id ParticipantID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return []byte{}, nil
	}
	return uuid.UUID(id).MarshalText()
}

func (id *ParticipantID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ParticipantID{}
		return nil
	}
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return fmt.Errorf("parse participant id: %w", err)
	}
	*id = ParticipantID(parsed)
	return nil
}

type RoomID string

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

var ErrInvalidRoomID = errors.New("invalid room id")

func (id RoomID) Validate() error {
	if !roomIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, string(id))
	}
	return nil
}

func (id RoomID) String() string {
	return string(id)
}

type FileID uuid.UUID

func NewFileID() FileID {
	return FileID(uuid.New())
}

func ParseFileID(s string) (FileID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return FileID{}, fmt.Errorf("parse file id: %w", err)
	}
	return FileID(id), nil
}

func (id FileID) String() string {
	return uuid.UUID(id).String()
}

// LinkKey identifies one PeerLink: the local side's view of a remote
// participant inside a room.
type LinkKey struct {
	Room   RoomID
	Local  ParticipantID
	Remote ParticipantID
}

func (k LinkKey) String() string {
	return fmt.Sprintf("%s/%s->%s", k.Room, k.Local, k.Remote)
}

// LocalWinsGlare reports whether the local side keeps its offer when both
// sides offer at once.
func (k LinkKey) LocalWinsGlare() bool {
	return k.Local.Compare(k.Remote) > 0
}
