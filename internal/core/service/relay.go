package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/Wyydra/yamesh/internal/clock"
	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay brokers envelopes between the members of a room. Every error is
// reported to the sender only.
type Relay struct {
	rooms *registry
	auth  port.RoomAuthorizer
	clock clock.Clock
}

func NewRelay(cfg config.ServerConfig, auth port.RoomAuthorizer, clk clock.Clock) *Relay {
	shards := cfg.Shards
	if shards <= 0 {
		shards = 1
	}
	return &Relay{
		rooms: newRegistry(shards),
		auth:  auth,
		clock: clk,
	}
}

// Session is one connected participant. Handle and Disconnect must be
// called from the connection's reader goroutine only.
type Session struct {
	relay       *Relay
	client      port.Client
	participant domain.Participant
	log         zerolog.Logger

	room    domain.RoomID
	lastSeq uint64
	outSeq  atomic.Uint64
}

func (r *Relay) Connect(c port.Client) *Session {
	return &Session{
		relay:       r,
		client:      c,
		participant: domain.Participant{ID: c.ID()},
		log:         log.With().Str("participant_id", c.ID().String()).Logger(),
	}
}

func (s *Session) ID() domain.ParticipantID { return s.participant.ID }

func (s *Session) Room() domain.RoomID { return s.room }

// HandleFrame parses and handles one inbound wire frame.
func (s *Session) HandleFrame(ctx context.Context, data []byte) {
	env, err := domain.ParseEnvelope(data)
	if err != nil {
		s.Fail("", err)
		return
	}
	s.Handle(ctx, env)
}

func (s *Session) Handle(ctx context.Context, env domain.Envelope) {
	if err := s.relay.dispatch(ctx, s, env); err != nil {
		s.Fail(env.RoomID, err)
	}
}

// Fail sends err to this session as an error envelope.
func (s *Session) Fail(room domain.RoomID, err error) {
	var serr *domain.SignalingError
	if !errors.As(err, &serr) {
		serr = domain.NewSignalingError("relay", domain.ErrMalformedMessage, err.Error())
	}
	s.log.Debug().Err(serr).Int("code", serr.Code()).Msg("Rejecting envelope")

	env, mErr := domain.NewEnvelope(room, domain.ParticipantID{}, s.ID(), domain.NoticeFor(serr))
	if mErr != nil {
		s.log.Error().Err(mErr).Msg("Failed to build error envelope")
		return
	}
	s.notify(env)
}

// notify delivers a relay-originated envelope, stamping the relay's own
// per-connection seq.
func (s *Session) notify(env domain.Envelope) {
	env.Seq = s.outSeq.Add(1)
	s.deliver(env)
}

func (s *Session) deliver(env domain.Envelope) {
	if err := s.client.Send(env); err != nil {
		s.log.Warn().Err(err).Str("type", string(env.Type)).Msg("Dropping envelope for stalled connection")
	}
}

func (r *Relay) dispatch(ctx context.Context, s *Session, env domain.Envelope) error {
	sig, err := env.Decode(domain.ToRelay)
	if err != nil {
		return err
	}
	if env.Seq <= s.lastSeq {
		return domain.NewSignalingError("relay", domain.ErrMalformedMessage, fmt.Sprintf("seq %d does not follow %d", env.Seq, s.lastSeq))
	}
	s.lastSeq = env.Seq

	switch sig := sig.(type) {
	case domain.JoinRequest:
		_, err := r.Join(ctx, s, env.RoomID, sig)
		return err
	case domain.LeaveRequest:
		if s.room != env.RoomID {
			return domain.NewSignalingError("leave", domain.ErrMalformedMessage, "not joined to room "+env.RoomID.String())
		}
		r.Leave(s)
		return nil
	default:
		return r.Relay(s, env)
	}
}

// Join adds s to room and returns the roster it joined. The ack and the
// peer-joined broadcast are queued under the room lock so every member
// sees presence in the same order.
func (r *Relay) Join(ctx context.Context, s *Session, id domain.RoomID, req domain.JoinRequest) (domain.JoinAck, error) {
	if s.room != "" {
		return domain.JoinAck{}, domain.NewSignalingError("join", domain.ErrMalformedMessage, "already joined to room "+s.room.String())
	}
	if err := id.Validate(); err != nil {
		return domain.JoinAck{}, domain.NewSignalingError("join", domain.ErrMalformedMessage, err.Error())
	}
	if r.auth != nil {
		if err := r.auth.Authorize(ctx, id, s.ID(), req); err != nil {
			return domain.JoinAck{}, domain.NewSignalingError("join", domain.ErrUnauthorized, err.Error())
		}
	}

	for {
		rm := r.rooms.getOrCreate(id, r.clock.Now())
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}

		s.participant.DisplayName = req.DisplayName
		s.participant.JoinedAt = r.clock.Now()
		existing := rm.roster(s.ID())
		rm.members[s.ID()] = s
		s.room = id

		ack := domain.JoinAck{Self: s.participant.Info(), Participants: existing}
		if env, err := domain.NewEnvelope(id, domain.ParticipantID{}, s.ID(), ack); err == nil {
			s.notify(env)
		}
		if env, err := domain.NewEnvelope(id, s.ID(), domain.ParticipantID{}, domain.PeerJoined{Participant: s.participant.Info()}); err == nil {
			for _, other := range rm.members {
				if other != s {
					other.notify(env)
				}
			}
		}
		rm.mu.Unlock()

		s.log.Info().Str("room_id", id.String()).Int("members", len(existing)+1).Msg("Participant joined room")
		return ack, nil
	}
}

// Relay forwards env from s to env.To, or to every other member when To
// is empty. From is overwritten with the sender's id.
func (r *Relay) Relay(s *Session, env domain.Envelope) error {
	rm := r.rooms.get(env.RoomID)
	if rm == nil {
		return domain.RoomNotFound("relay", env.RoomID)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed {
		return domain.RoomNotFound("relay", env.RoomID)
	}
	if rm.members[s.ID()] != s {
		return domain.NewSignalingError("relay", domain.ErrUnauthorized, "not a member of room "+env.RoomID.String())
	}

	env.From = s.ID()
	if env.Broadcast() {
		for _, other := range rm.members {
			if other != s {
				other.deliver(env)
			}
		}
		return nil
	}

	target, ok := rm.members[env.To]
	if !ok {
		return domain.NewSignalingError("relay", domain.ErrNotFound, "participant "+env.To.String())
	}
	target.deliver(env)
	return nil
}

// Leave removes s from its room, broadcasting peer-left, and destroys the
// room once empty. It is a no-op for a session that never joined.
func (r *Relay) Leave(s *Session) {
	if s.room == "" {
		return
	}
	id := s.room
	s.room = ""

	rm := r.rooms.get(id)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.members[s.ID()] != s {
		return
	}
	delete(rm.members, s.ID())

	if len(rm.members) == 0 {
		rm.closed = true
		r.rooms.remove(rm)
		s.log.Info().Str("room_id", id.String()).Msg("Room destroyed")
		return
	}

	if env, err := domain.NewEnvelope(id, s.ID(), domain.ParticipantID{}, domain.PeerLeft{Participant: s.participant.Info()}); err == nil {
		for _, other := range rm.members {
			other.notify(env)
		}
	}
	s.log.Info().Str("room_id", id.String()).Int("members", len(rm.members)).Msg("Participant left room")
}

// Disconnect is Leave for a dropped connection.
func (r *Relay) Disconnect(s *Session) {
	r.Leave(s)
}

func (r *Relay) Rooms() []domain.RoomSummary {
	rooms := r.rooms.all()
	out := make([]domain.RoomSummary, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.closed {
			out = append(out, domain.RoomSummary{ID: rm.id, Members: len(rm.members), CreatedAt: rm.createdAt})
		}
		rm.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b domain.RoomSummary) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Relay) Roster(id domain.RoomID) ([]domain.ParticipantInfo, error) {
	rm := r.rooms.get(id)
	if rm == nil {
		return nil, domain.RoomNotFound("roster", id)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, domain.RoomNotFound("roster", id)
	}
	return rm.roster(domain.ParticipantID{}), nil
}
