package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

const (
	TypeJoin         MessageType = "join"
	TypeLeave        MessageType = "leave"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypePeerJoined   MessageType = "peer-joined"
	TypePeerLeft     MessageType = "peer-left"
	TypeError        MessageType = "error"
)

// Envelope is the relay wire message. From is stamped by the relay; a zero
// To means room-wide.
type Envelope struct {
	Type    MessageType     `json:"type"`
	RoomID  RoomID          `json:"roomId"`
	From    ParticipantID   `json:"from,omitzero"`
	To      ParticipantID   `json:"to,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq"`
}

func NewEnvelope(room RoomID, from, to ParticipantID, sig Signal) (Envelope, error) {
	env := Envelope{
		Type:   sig.MessageType(),
		RoomID: room,
		From:   from,
		To:     to,
	}
	if _, empty := sig.(LeaveRequest); empty {
		return env, nil
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", env.Type, err)
	}
	env.Payload = payload
	return env, nil
}

// Broadcast reports whether the envelope is addressed to the whole room.
func (e Envelope) Broadcast() bool {
	return e.To.IsZero()
}

// Droppable reports whether a queued copy of this envelope may be
// superseded by a newer one with the same (from, type). ICE candidates
// never are.
func (e Envelope) Droppable() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypePeerJoined, TypePeerLeft:
		return true
	default:
		return false
	}
}

// ParseEnvelope decodes one wire frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, NewSignalingError("parse envelope", ErrMalformedMessage, err.Error())
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, NewSignalingError("parse envelope", ErrMalformedMessage, "unexpected trailing data")
	}
	return env, nil
}
