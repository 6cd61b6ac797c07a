package domain

import "time"

type Participant struct {
	ID          ParticipantID
	DisplayName string
	JoinedAt    time.Time
}

func (p Participant) Info() ParticipantInfo {
	return ParticipantInfo{ID: p.ID, DisplayName: p.DisplayName, JoinedAt: p.JoinedAt}
}

// ParticipantInfo is the wire view of a roster entry.
type ParticipantInfo struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	JoinedAt    time.Time     `json:"joinedAt"`
}

type RoomSummary struct {
	ID        RoomID    `json:"id"`
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}
