package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/Wyydra/yamesh/internal/clock"
	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotJoined     = errors.New("not joined to a room")
	ErrAlreadyJoined = errors.New("already joined to a room")
	ErrUnknownPeer   = errors.New("unknown peer")
)

// RelayError is an error notice the relay sent back for one of our
// envelopes.
type RelayError struct {
	Code    int
	Kind    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %d (%s): %s", e.Code, e.Kind, e.Message)
}

type joinResult struct {
	ack domain.JoinAck
	err error
}

// CallService is one participant's side of a room: it keeps a PeerLink per
// remote participant and routes relay traffic to them.
type CallService struct {
	cfg     config.PeerConfig
	gateway port.SignalGateway
	engines port.EngineFactory
	sink    port.EventSink
	clock   clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	room    domain.RoomID
	self    domain.ParticipantID
	joining chan joinResult
	links   map[domain.ParticipantID]*PeerLink
	lastSeq map[domain.ParticipantID]uint64
	tracks  []domain.Track
}

func NewCallService(cfg config.PeerConfig, gateway port.SignalGateway, engines port.EngineFactory, sink port.EventSink, clk clock.Clock) *CallService {
	ctx, cancel := context.WithCancel(context.Background())
	return &CallService{
		cfg:     cfg,
		gateway: gateway,
		engines: engines,
		sink:    sink,
		clock:   clk,
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[domain.ParticipantID]*PeerLink),
		lastSeq: make(map[domain.ParticipantID]uint64),
	}
}

// Join asks the relay to admit us to room and waits for the ack. Links to
// everyone already present are started from here; later arrivals call us.
func (s *CallService) Join(ctx context.Context, room domain.RoomID, req domain.JoinRequest) (domain.JoinAck, error) {
	s.mu.Lock()
	if s.room != "" || s.joining != nil {
		s.mu.Unlock()
		return domain.JoinAck{}, ErrAlreadyJoined
	}
	reply := make(chan joinResult, 1)
	s.joining = reply
	s.room = room
	s.mu.Unlock()

	env, err := domain.NewEnvelope(room, domain.ParticipantID{}, domain.ParticipantID{}, req)
	if err == nil {
		err = s.gateway.Send(ctx, env)
	}
	if err != nil {
		s.abandonJoin()
		return domain.JoinAck{}, fmt.Errorf("send join: %w", err)
	}

	select {
	case res := <-reply:
		if res.err != nil {
			s.abandonJoin()
			return domain.JoinAck{}, res.err
		}
		return res.ack, nil
	case <-ctx.Done():
		s.abandonJoin()
		return domain.JoinAck{}, ctx.Err()
	}
}

func (s *CallService) abandonJoin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joining = nil
	if s.self.IsZero() {
		s.room = ""
	}
}

// HandleSignal routes one envelope received from the relay.
func (s *CallService) HandleSignal(ctx context.Context, env domain.Envelope) error {
	sig, err := env.Decode(domain.FromRelay)
	if err != nil {
		log.Warn().Err(err).Str("type", string(env.Type)).Msg("Dropping malformed envelope from relay")
		return err
	}

	switch m := sig.(type) {
	case domain.JoinAck:
		return s.onJoined(ctx, m)
	case domain.PeerJoined:
		log.Info().Str("peer_id", m.Participant.ID.String()).Str("name", m.Participant.DisplayName).Msg("Peer joined")
		return nil
	case domain.PeerLeft:
		s.dropLink(m.Participant.ID)
		return nil
	case domain.ErrorNotice:
		return s.onRelayError(m)
	case domain.Offer, domain.Answer, domain.Candidate:
		return s.onPeerSignal(ctx, env, sig)
	default:
		return fmt.Errorf("%w: %s from relay", domain.ErrUnexpectedSignal, env.Type)
	}
}

func (s *CallService) onJoined(ctx context.Context, ack domain.JoinAck) error {
	s.mu.Lock()
	reply := s.joining
	if reply == nil || !s.self.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("%w: join ack without pending join", domain.ErrUnexpectedSignal)
	}
	s.joining = nil
	s.self = ack.Self.ID
	s.mu.Unlock()

	log.Info().Str("room_id", s.room.String()).Str("self_id", ack.Self.ID.String()).Int("participants", len(ack.Participants)).Msg("Joined room")

	var errs []error
	for _, p := range ack.Participants {
		l, _, err := s.link(ctx, p.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		l.Connect()
	}
	reply <- joinResult{ack: ack}
	return errors.Join(errs...)
}

func (s *CallService) onRelayError(n domain.ErrorNotice) error {
	err := &RelayError{Code: n.Code, Kind: n.Kind, Message: n.Message}
	log.Warn().Err(err).Msg("Relay rejected message")

	s.mu.Lock()
	reply := s.joining
	s.joining = nil
	s.mu.Unlock()
	if reply != nil {
		reply <- joinResult{err: err}
	}
	return err
}

func (s *CallService) onPeerSignal(ctx context.Context, env domain.Envelope, sig domain.Signal) error {
	s.mu.Lock()
	if env.Seq <= s.lastSeq[env.From] {
		s.mu.Unlock()
		log.Debug().Str("peer_id", env.From.String()).Uint64("seq", env.Seq).Msg("Dropping duplicate signal")
		return nil
	}
	s.lastSeq[env.From] = env.Seq
	existing := s.links[env.From]
	s.mu.Unlock()

	if existing == nil {
		if _, offer := sig.(domain.Offer); !offer {
			log.Debug().Str("peer_id", env.From.String()).Str("type", string(env.Type)).Msg("Signal for unknown link")
			return fmt.Errorf("%w: %s", ErrUnknownPeer, env.From)
		}
		l, _, err := s.link(ctx, env.From)
		if err != nil {
			return err
		}
		existing = l
	}
	existing.HandleSignal(sig)
	return nil
}

// link returns the link to remote, creating it if needed. New links get
// every local track before they are returned.
func (s *CallService) link(ctx context.Context, remote domain.ParticipantID) (*PeerLink, bool, error) {
	s.mu.Lock()
	if s.self.IsZero() {
		s.mu.Unlock()
		return nil, false, ErrNotJoined
	}
	if l := s.links[remote]; l != nil {
		s.mu.Unlock()
		return l, false, nil
	}
	key := domain.LinkKey{Room: s.room, Local: s.self, Remote: remote}
	l, err := NewPeerLink(s.ctx, key, s.cfg, s.engines, s.signalFunc(key), s.sink, s.clock)
	if err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	s.links[remote] = l
	tracks := slices.Clone(s.tracks)
	s.mu.Unlock()

	go s.reap(remote, l)
	for _, t := range tracks {
		if err := l.AddTrack(ctx, t); err != nil {
			log.Warn().Err(err).Str("track_id", t.ID).Str("peer_id", remote.String()).Msg("Failed to add track to new link")
		}
	}
	return l, true, nil
}

// reap forgets a link once it closes so a later offer from the same peer
// starts fresh.
func (s *CallService) reap(remote domain.ParticipantID, l *PeerLink) {
	<-l.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[remote] == l {
		delete(s.links, remote)
	}
}

func (s *CallService) dropLink(remote domain.ParticipantID) {
	s.mu.Lock()
	l := s.links[remote]
	delete(s.links, remote)
	delete(s.lastSeq, remote)
	s.mu.Unlock()
	if l != nil {
		log.Info().Str("peer_id", remote.String()).Msg("Peer left, closing link")
		l.Close()
	}
}

func (s *CallService) signalFunc(key domain.LinkKey) SignalFunc {
	return func(sig domain.Signal) error {
		env, err := domain.NewEnvelope(key.Room, key.Local, key.Remote, sig)
		if err != nil {
			return err
		}
		return s.gateway.Send(s.ctx, env)
	}
}

// AddTrack publishes track to every current and future link.
func (s *CallService) AddTrack(ctx context.Context, track domain.Track) error {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	links := slices.Collect(maps.Values(s.links))
	s.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.AddTrack(ctx, track); err != nil {
			errs = append(errs, fmt.Errorf("add track to %s: %w", l.Key().Remote, err))
		}
	}
	return errors.Join(errs...)
}

// SendFile streams r to one remote participant.
func (s *CallService) SendFile(ctx context.Context, to domain.ParticipantID, meta domain.FileMetadata, r io.Reader) error {
	s.mu.Lock()
	l := s.links[to]
	s.mu.Unlock()
	if l == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	return l.SendFile(ctx, meta, r)
}

// Self is our participant id, zero until joined.
func (s *CallService) Self() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Peers lists remote participants with an open link and their state.
func (s *CallService) Peers() map[domain.ParticipantID]domain.LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ParticipantID]domain.LinkState, len(s.links))
	for id, l := range s.links {
		out[id] = l.State()
	}
	return out
}

// LeaveCall tells the relay we are leaving and closes every link.
func (s *CallService) LeaveCall(ctx context.Context) error {
	s.mu.Lock()
	room := s.room
	joined := !s.self.IsZero()
	links := slices.Collect(maps.Values(s.links))
	s.links = make(map[domain.ParticipantID]*PeerLink)
	s.lastSeq = make(map[domain.ParticipantID]uint64)
	s.room, s.self = "", domain.ParticipantID{}
	s.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	if !joined {
		return ErrNotJoined
	}
	env, err := domain.NewEnvelope(room, domain.ParticipantID{}, domain.ParticipantID{}, domain.LeaveRequest{})
	if err != nil {
		return err
	}
	return s.gateway.Send(ctx, env)
}

// Close drops every link without telling the relay.
func (s *CallService) Close() {
	s.cancel()
	s.mu.Lock()
	links := slices.Collect(maps.Values(s.links))
	s.mu.Unlock()
	for _, l := range links {
		<-l.Done()
	}
}
