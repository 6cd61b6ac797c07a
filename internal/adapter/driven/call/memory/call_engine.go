// Package memory is an in-process media engine. Engines created by the
// same Network pair up by link key and "connect" once both sides hold a
// complete, matching offer/answer exchange.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
)

var (
	ErrClosed         = errors.New("engine closed")
	ErrSignalingState = errors.New("invalid signaling state")
	ErrNoRemote       = errors.New("remote description not set")
	ErrNotConnected   = errors.New("channel not connected")
)

type signalingState int

const (
	stable signalingState = iota
	haveLocalOffer
	haveRemoteOffer
)

type pairKey struct {
	room domain.RoomID
	a, b domain.ParticipantID
}

func pairOf(k domain.LinkKey) pairKey {
	if k.Local.Compare(k.Remote) < 0 {
		return pairKey{room: k.Room, a: k.Local, b: k.Remote}
	}
	return pairKey{room: k.Room, a: k.Remote, b: k.Local}
}

// Network holds every engine it created. All engine state is guarded by
// the network lock; callbacks are always invoked without it.
type Network struct {
	mu          sync.Mutex
	engines     map[domain.LinkKey]*Engine
	partitioned map[domain.ParticipantID]bool
	held        bool
	frameDelay  time.Duration
}

func NewNetwork() *Network {
	return &Network{
		engines:     make(map[domain.LinkKey]*Engine),
		partitioned: make(map[domain.ParticipantID]bool),
	}
}

var _ port.EngineFactory = (*Network)(nil)

func (n *Network) NewEngine(_ context.Context, key domain.LinkKey, events port.EngineEvents) (port.Engine, error) {
	e := &Engine{
		net:          n,
		key:          key,
		events:       events,
		remoteTracks: make(map[string]domain.Track),
	}
	e.channel = newChannel(e)

	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.engines[key]; ok && !old.closed {
		return nil, fmt.Errorf("engine for %s already exists", key)
	}
	n.engines[key] = e
	go e.channel.drain()
	return e, nil
}

// Engine returns the engine created for key, if any.
func (n *Network) Engine(key domain.LinkKey) *Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engines[key]
}

// SetFrameDelay slows channel delivery to one frame per d.
func (n *Network) SetFrameDelay(d time.Duration) {
	n.mu.Lock()
	n.frameDelay = d
	n.mu.Unlock()
}

// HoldChannels stops all channel delivery until released.
func (n *Network) HoldChannels(hold bool) {
	n.mu.Lock()
	n.held = hold
	engines := n.snapshot()
	n.mu.Unlock()
	for _, e := range engines {
		e.channel.kick()
	}
}

// Partition cuts every link of id. Connected engines on both sides report
// disconnected.
func (n *Network) Partition(id domain.ParticipantID) {
	n.mu.Lock()
	n.partitioned[id] = true
	var lost []*Engine
	for key, e := range n.engines {
		if (key.Local == id || key.Remote == id) && e.connected {
			e.connected = false
			lost = append(lost, e)
		}
	}
	n.mu.Unlock()

	for _, e := range lost {
		e.events.OnConnectionStateChange(domain.ConnectionDisconnected)
	}
}

// Heal undoes Partition and reconnects pairs whose descriptions match.
func (n *Network) Heal(id domain.ParticipantID) {
	n.mu.Lock()
	delete(n.partitioned, id)
	var up []*Engine
	for key, e := range n.engines {
		if key.Local == id || key.Remote == id {
			up = append(up, n.tryConnect(e)...)
		}
	}
	engines := n.snapshot()
	n.mu.Unlock()

	notifyConnected(up)
	for _, e := range engines {
		e.channel.kick()
	}
}

// Inject reports state on the engine for key as if the transport changed.
func (n *Network) Inject(key domain.LinkKey, state domain.ConnectionState) {
	n.mu.Lock()
	e := n.engines[key]
	if e != nil {
		e.connected = state == domain.ConnectionConnected
	}
	n.mu.Unlock()
	if e != nil {
		e.events.OnConnectionStateChange(state)
	}
}

func (n *Network) snapshot() []*Engine {
	out := make([]*Engine, 0, len(n.engines))
	for _, e := range n.engines {
		out = append(out, e)
	}
	return out
}

func (n *Network) peerOf(e *Engine) *Engine {
	p := n.engines[domain.LinkKey{Room: e.key.Room, Local: e.key.Remote, Remote: e.key.Local}]
	if p == nil || p.closed {
		return nil
	}
	return p
}

// tryConnect marks e and its peer connected if their exchange is
// complete. Called with n.mu held; returns the engines to notify.
func (n *Network) tryConnect(e *Engine) []*Engine {
	p := n.peerOf(e)
	if p == nil || e.closed || n.partitioned[e.key.Local] || n.partitioned[e.key.Remote] {
		return nil
	}
	if !e.complete() || !p.complete() {
		return nil
	}
	if e.local.Ufrag != p.remote.Ufrag || p.local.Ufrag != e.remote.Ufrag {
		return nil
	}
	var up []*Engine
	for _, x := range []*Engine{e, p} {
		if !x.connected {
			x.connected = true
			up = append(up, x)
		}
	}
	return up
}

func notifyConnected(engines []*Engine) {
	for _, e := range engines {
		e.events.OnConnectionStateChange(domain.ConnectionConnected)
	}
}

// description is what a fake SDP carries.
type description struct {
	Ufrag  string         `json:"ufrag"`
	Tracks []domain.Track `json:"tracks"`
}

func encode(t domain.DescriptionType, d description) domain.SessionDescription {
	sdp, _ := json.Marshal(d)
	return domain.SessionDescription{Type: t, SDP: string(sdp)}
}

func decode(desc domain.SessionDescription) (description, error) {
	var d description
	if err := json.Unmarshal([]byte(desc.SDP), &d); err != nil {
		return description{}, fmt.Errorf("parse description: %w", err)
	}
	return d, nil
}

// Engine implements port.Engine in memory.
type Engine struct {
	net     *Network
	key     domain.LinkKey
	events  port.EngineEvents
	channel *channel

	signaling signalingState
	ufrag     int
	hasLocal  bool
	hasRemote bool
	local     description
	remote    description
	connected bool
	closed    bool

	committed    []domain.Track
	pending      []domain.Track
	offered      []domain.Track
	remoteTracks map[string]domain.Track

	candidates   []domain.ICECandidate
	restarts     int
	rollbacks    int
	negotiations int
}

var _ port.Engine = (*Engine)(nil)

func (e *Engine) ufragString() string {
	return fmt.Sprintf("%s-%d", e.key.Local, e.ufrag)
}

func (e *Engine) complete() bool {
	return e.signaling == stable && e.hasLocal && e.hasRemote
}

func (e *Engine) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return domain.SessionDescription{}, ErrClosed
	}
	if e.signaling == haveRemoteOffer {
		return domain.SessionDescription{}, fmt.Errorf("%w: create offer with remote offer pending", ErrSignalingState)
	}
	if iceRestart {
		e.ufrag++
		e.restarts++
	}
	tracks := slices.Concat(e.committed, e.pending)
	return encode(domain.DescriptionOffer, description{Ufrag: e.ufragString(), Tracks: tracks}), nil
}

func (e *Engine) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return domain.SessionDescription{}, ErrClosed
	}
	if e.signaling != haveRemoteOffer {
		return domain.SessionDescription{}, fmt.Errorf("%w: create answer without remote offer", ErrSignalingState)
	}
	return encode(domain.DescriptionAnswer, description{Ufrag: e.ufragString(), Tracks: slices.Clone(e.committed)}), nil
}

func (e *Engine) SetLocalDescription(_ context.Context, desc domain.SessionDescription) error {
	d, err := decode(desc)
	if err != nil {
		return err
	}

	e.net.mu.Lock()
	if e.closed {
		e.net.mu.Unlock()
		return ErrClosed
	}
	switch desc.Type {
	case domain.DescriptionOffer:
		if e.signaling == haveRemoteOffer {
			e.net.mu.Unlock()
			return fmt.Errorf("%w: local offer with remote offer pending", ErrSignalingState)
		}
		e.signaling = haveLocalOffer
		e.offered = nil
		for _, t := range d.Tracks {
			if i := slices.Index(e.pending, t); i >= 0 {
				e.pending = slices.Delete(e.pending, i, i+1)
				e.committed = append(e.committed, t)
				e.offered = append(e.offered, t)
			}
		}
	case domain.DescriptionAnswer:
		if e.signaling != haveRemoteOffer {
			e.net.mu.Unlock()
			return fmt.Errorf("%w: local answer without remote offer", ErrSignalingState)
		}
		e.signaling = stable
		e.negotiations++
	}
	e.local = d
	e.hasLocal = true
	up := e.net.tryConnect(e)
	candidate := domain.ICECandidate{Candidate: fmt.Sprintf("candidate:%s 1 udp 2122260223 127.0.0.1 9 typ host", d.Ufrag)}
	e.net.mu.Unlock()

	e.events.OnICECandidate(candidate)
	notifyConnected(up)
	return nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	d, err := decode(desc)
	if err != nil {
		return err
	}

	e.net.mu.Lock()
	if e.closed {
		e.net.mu.Unlock()
		return ErrClosed
	}
	switch desc.Type {
	case domain.DescriptionOffer:
		if e.signaling == haveLocalOffer {
			e.net.mu.Unlock()
			return fmt.Errorf("%w: remote offer with local offer pending", ErrSignalingState)
		}
		e.signaling = haveRemoteOffer
	case domain.DescriptionAnswer:
		if e.signaling != haveLocalOffer {
			e.net.mu.Unlock()
			return fmt.Errorf("%w: remote answer without local offer", ErrSignalingState)
		}
		e.signaling = stable
		e.offered = nil
		e.negotiations++
	}
	e.remote = d
	e.hasRemote = true

	var added []domain.Track
	for _, t := range d.Tracks {
		if _, ok := e.remoteTracks[t.ID]; !ok {
			e.remoteTracks[t.ID] = t
			added = append(added, t)
		}
	}
	up := e.net.tryConnect(e)
	e.net.mu.Unlock()

	for _, t := range added {
		e.events.OnRemoteTrack(t)
	}
	notifyConnected(up)
	return nil
}

func (e *Engine) Rollback(_ context.Context) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.signaling != haveLocalOffer {
		return fmt.Errorf("%w: nothing to roll back", ErrSignalingState)
	}
	for _, t := range e.offered {
		if i := slices.Index(e.committed, t); i >= 0 {
			e.committed = slices.Delete(e.committed, i, i+1)
			e.pending = append(e.pending, t)
		}
	}
	e.offered = nil
	e.signaling = stable
	e.rollbacks++
	return nil
}

func (e *Engine) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !e.hasRemote {
		return ErrNoRemote
	}
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *Engine) AddTrack(_ context.Context, track domain.Track) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.pending = append(e.pending, track)
	return nil
}

func (e *Engine) Channel() port.DataChannel { return e.channel }

func (e *Engine) Close() error {
	e.net.mu.Lock()
	if e.closed {
		e.net.mu.Unlock()
		return nil
	}
	e.closed = true
	e.connected = false
	e.net.mu.Unlock()
	e.channel.close()
	return nil
}

// RemoteCandidates returns the remote candidates applied, in order.
func (e *Engine) RemoteCandidates() []domain.ICECandidate {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return slices.Clone(e.candidates)
}

// LocalTracks returns the tracks that made it into an applied offer or
// answer.
func (e *Engine) LocalTracks() []domain.Track {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return slices.Clone(e.committed)
}

func (e *Engine) RemoteTracks() []domain.Track {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	out := make([]domain.Track, 0, len(e.remoteTracks))
	for _, t := range e.remoteTracks {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.Track) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (e *Engine) Restarts() int {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.restarts
}

func (e *Engine) Rollbacks() int {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.rollbacks
}

// Negotiations counts offer/answer exchanges this engine completed.
func (e *Engine) Negotiations() int {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.negotiations
}

func (e *Engine) Connected() bool {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.connected
}

func (e *Engine) Closed() bool {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.closed
}

// MaxBuffered is the largest buffered amount the channel ever held.
func (e *Engine) MaxBuffered() uint64 {
	return e.channel.maxBuffered()
}
