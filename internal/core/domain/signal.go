package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Signal is one variant of the envelope payload union.
type Signal interface {
	MessageType() MessageType
	validate() error
}

// Direction selects which variants an envelope type may decode to.
type Direction int

const (
	// ToRelay is client-originated traffic.
	ToRelay Direction = iota
	// FromRelay is what clients receive.
	FromRelay
)

type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// SessionDescription is the SDP-equivalent negotiated description.
type SessionDescription struct {
	Type DescriptionType `json:"type"`
	SDP  string          `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

const maxDisplayName = 64

type JoinRequest struct {
	DisplayName string `json:"displayName"`
	Token       string `json:"token,omitempty"`
}

func (JoinRequest) MessageType() MessageType { return TypeJoin }

func (j JoinRequest) validate() error {
	if !utf8.ValidString(j.DisplayName) || utf8.RuneCountInString(j.DisplayName) > maxDisplayName {
		return fmt.Errorf("displayName must be valid utf-8 of at most %d runes", maxDisplayName)
	}
	return nil
}

// JoinAck is the relay's reply to a join: the caller's identity and the
// members already present.
type JoinAck struct {
	Self         ParticipantInfo   `json:"self"`
	Participants []ParticipantInfo `json:"participants"`
}

func (JoinAck) MessageType() MessageType { return TypeJoin }

func (j JoinAck) validate() error {
	if j.Self.ID.IsZero() {
		return fmt.Errorf("join ack missing self id")
	}
	return nil
}

type LeaveRequest struct{}

func (LeaveRequest) MessageType() MessageType { return TypeLeave }
func (LeaveRequest) validate() error          { return nil }

type Offer struct {
	SessionDescription
}

func (Offer) MessageType() MessageType { return TypeOffer }

func (o Offer) validate() error {
	return o.SessionDescription.validate(DescriptionOffer)
}

type Answer struct {
	SessionDescription
}

func (Answer) MessageType() MessageType { return TypeAnswer }

func (a Answer) validate() error {
	return a.SessionDescription.validate(DescriptionAnswer)
}

func (d SessionDescription) validate(want DescriptionType) error {
	if d.Type != want {
		return fmt.Errorf("%s message has description type %q", want, d.Type)
	}
	if d.SDP == "" {
		return fmt.Errorf("%s message missing sdp", want)
	}
	return nil
}

type Candidate struct {
	ICECandidate
}

func (Candidate) MessageType() MessageType { return TypeICECandidate }

func (c Candidate) validate() error {
	if c.ICECandidate.Candidate == "" {
		return fmt.Errorf("ice-candidate message missing candidate")
	}
	return nil
}

type PeerJoined struct {
	Participant ParticipantInfo `json:"participant"`
}

func (PeerJoined) MessageType() MessageType { return TypePeerJoined }

func (p PeerJoined) validate() error {
	if p.Participant.ID.IsZero() {
		return fmt.Errorf("peer-joined missing participant id")
	}
	return nil
}

type PeerLeft struct {
	Participant ParticipantInfo `json:"participant"`
}

func (PeerLeft) MessageType() MessageType { return TypePeerLeft }

func (p PeerLeft) validate() error {
	if p.Participant.ID.IsZero() {
		return fmt.Errorf("peer-left missing participant id")
	}
	return nil
}

type ErrorNotice struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (ErrorNotice) MessageType() MessageType { return TypeError }

func (e ErrorNotice) validate() error {
	if e.Code == 0 || e.Kind == "" {
		return fmt.Errorf("error message missing code/kind")
	}
	return nil
}

func NoticeFor(err *SignalingError) ErrorNotice {
	return ErrorNotice{Code: err.Code(), Kind: err.Kind(), Message: err.Error()}
}

// Decode validates the envelope and returns its payload variant.
func (e Envelope) Decode(dir Direction) (Signal, error) {
	decode, err := e.decoder(dir)
	if err != nil {
		return nil, err
	}
	if e.Type != TypeLeave && len(e.Payload) == 0 {
		return nil, NewSignalingError("decode", ErrMalformedMessage, fmt.Sprintf("%s message missing payload", e.Type))
	}
	sig, err := decode(e.Payload)
	if err != nil {
		return nil, NewSignalingError("decode", ErrMalformedMessage, fmt.Sprintf("%s payload: %v", e.Type, err))
	}
	if err := sig.validate(); err != nil {
		return nil, NewSignalingError("decode", ErrMalformedMessage, err.Error())
	}
	if dir == ToRelay {
		if err := e.RoomID.Validate(); err != nil {
			return nil, NewSignalingError("decode", ErrMalformedMessage, err.Error())
		}
		if e.Seq == 0 {
			return nil, NewSignalingError("decode", ErrMalformedMessage, "seq must be positive")
		}
	}
	return sig, nil
}

type payloadDecoder func(json.RawMessage) (Signal, error)

func (e Envelope) decoder(dir Direction) (payloadDecoder, error) {
	switch {
	case e.Type == TypeJoin && dir == FromRelay:
		return decodeAs[JoinAck], nil
	case e.Type == TypeJoin:
		return decodeAs[JoinRequest], nil
	case e.Type == TypeLeave && dir == ToRelay:
		return func(json.RawMessage) (Signal, error) { return LeaveRequest{}, nil }, nil
	case e.Type == TypeOffer:
		return decodeAs[Offer], nil
	case e.Type == TypeAnswer:
		return decodeAs[Answer], nil
	case e.Type == TypeICECandidate:
		return decodeAs[Candidate], nil
	case e.Type == TypePeerJoined && dir == FromRelay:
		return decodeAs[PeerJoined], nil
	case e.Type == TypePeerLeft && dir == FromRelay:
		return decodeAs[PeerLeft], nil
	case e.Type == TypeError && dir == FromRelay:
		return decodeAs[ErrorNotice], nil
	}
	return nil, NewSignalingError("decode", ErrMalformedMessage, fmt.Sprintf("unsupported message type %q", e.Type))
}

func decodeAs[T Signal](payload json.RawMessage) (Signal, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
