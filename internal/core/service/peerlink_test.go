package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yamesh/internal/adapter/driven/call/memory"
	"github.com/Wyydra/yamesh/internal/clock"
	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type eventLog struct {
	mu     sync.Mutex
	events []domain.LinkEvent
}

func (e *eventLog) Publish(ev domain.LinkEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) all() []domain.LinkEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.LinkEvent(nil), e.events...)
}

func (e *eventLog) of(kind domain.EventKind) []domain.LinkEvent {
	var out []domain.LinkEvent
	for _, ev := range e.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (e *eventLog) count(kind domain.EventKind) int { return len(e.of(kind)) }

func (e *eventLog) states() []domain.LinkState {
	var out []domain.LinkState
	for _, ev := range e.of(domain.EventStateChanged) {
		out = append(out, ev.State)
	}
	return out
}

func (e *eventLog) entered(s domain.LinkState) int {
	n := 0
	for _, st := range e.states() {
		if st == s {
			n++
		}
	}
	return n
}

// wire carries signals between the two links of a pair. While held it
// queues them in send order.
type wire struct {
	mu     sync.Mutex
	held   bool
	queued []heldSignal
}

type heldSignal struct {
	to  *testLink
	sig domain.Signal
}

func (w *wire) to(dst *testLink) SignalFunc {
	return func(sig domain.Signal) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.held {
			w.queued = append(w.queued, heldSignal{to: dst, sig: sig})
			return nil
		}
		dst.link.HandleSignal(sig)
		return nil
	}
}

func (w *wire) hold() {
	w.mu.Lock()
	w.held = true
	w.mu.Unlock()
}

func (w *wire) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = false
	for _, h := range w.queued {
		h.to.link.HandleSignal(h.sig)
	}
	w.queued = nil
}

func (w *wire) heldOffers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, h := range w.queued {
		if _, ok := h.sig.(domain.Offer); ok {
			n++
		}
	}
	return n
}

type testLink struct {
	key    domain.LinkKey
	link   *PeerLink
	events *eventLog
	clock  *clock.FakeClock
}

func (tl *testLink) state() domain.LinkState { return tl.link.State() }

type pair struct {
	net  *memory.Network
	wire *wire
	// a always wins glare against b.
	a, b *testLink
}

func testPeerConfig() config.PeerConfig {
	return config.Default().Peer
}

func orderedIDs() (hi, lo domain.ParticipantID) {
	x, y := domain.NewParticipantID(), domain.NewParticipantID()
	if x.Compare(y) > 0 {
		return x, y
	}
	return y, x
}

func newPair(t *testing.T, cfgA, cfgB config.PeerConfig) *pair {
	t.Helper()
	hi, lo := orderedIDs()
	p := &pair{net: memory.NewNetwork(), wire: &wire{}}
	p.a = &testLink{key: domain.LinkKey{Room: "r1", Local: hi, Remote: lo}, events: &eventLog{}, clock: clock.Fake(time.Unix(0, 0))}
	p.b = &testLink{key: domain.LinkKey{Room: "r1", Local: lo, Remote: hi}, events: &eventLog{}, clock: clock.Fake(time.Unix(0, 0))}

	for _, side := range []struct {
		self, peer *testLink
		cfg        config.PeerConfig
	}{{p.a, p.b, cfgA}, {p.b, p.a, cfgB}} {
		l, err := NewPeerLink(context.Background(), side.self.key, side.cfg, p.net, p.wire.to(side.peer), side.self.events, side.self.clock)
		require.NoError(t, err)
		side.self.link = l
	}
	t.Cleanup(func() {
		p.a.link.Close()
		p.b.link.Close()
	})
	return p
}

func (p *pair) engine(tl *testLink) *memory.Engine { return p.net.Engine(tl.key) }

func waitState(t *testing.T, tl *testLink, s domain.LinkState) {
	t.Helper()
	require.Eventually(t, func() bool { return tl.state() == s }, waitFor, time.Millisecond, "link %s never reached %s", tl.key, s)
}

func connectPair(t *testing.T, p *pair) {
	t.Helper()
	p.a.link.Connect()
	waitState(t, p.a, domain.LinkConnected)
	waitState(t, p.b, domain.LinkConnected)
}

func TestOfferAnswerConnectsBothSides(t *testing.T) {
	p := newPair(t, testPeerConfig(), testPeerConfig())
	connectPair(t, p)

	assert.Equal(t, 1, p.a.events.entered(domain.LinkConnected))
	assert.Equal(t, 1, p.b.events.entered(domain.LinkConnected))
	assert.Equal(t, domain.LinkNegotiating, p.a.events.states()[0])
	assert.Equal(t, domain.LinkNegotiating, p.b.events.states()[0])
	assert.Zero(t, p.a.events.count(domain.EventError))
	assert.Zero(t, p.b.events.count(domain.EventError))

	// Negotiation timers are gone once connected.
	require.Eventually(t, func() bool {
		return p.a.clock.PendingCount() == 0 && p.b.clock.PendingCount() == 0
	}, waitFor, time.Millisecond)
}

func TestInitialGlareResolvesToOneConnection(t *testing.T) {
	p := newPair(t, testPeerConfig(), testPeerConfig())
	p.wire.hold()
	p.a.link.Connect()
	p.b.link.Connect()
	require.Eventually(t, func() bool { return p.wire.heldOffers() == 2 }, waitFor, time.Millisecond)
	p.wire.release()

	waitState(t, p.a, domain.LinkConnected)
	waitState(t, p.b, domain.LinkConnected)

	assert.Zero(t, p.a.events.count(domain.EventGlareRollback), "winner keeps its offer")
	assert.Equal(t, 1, p.b.events.count(domain.EventGlareRollback))
	assert.Equal(t, 1, p.a.events.entered(domain.LinkConnected))
	assert.Equal(t, 1, p.b.events.entered(domain.LinkConnected))
	assert.Equal(t, 1, p.engine(p.b).Rollbacks())
}

// scripted drives a single link whose remote side is the test itself.
type scripted struct {
	net    *memory.Network
	key    domain.LinkKey
	link   *PeerLink
	events *eventLog
	clock  *clock.FakeClock

	mu   sync.Mutex
	sent []domain.Signal
}

func newScripted(t *testing.T, key domain.LinkKey) *scripted {
	t.Helper()
	s := &scripted{net: memory.NewNetwork(), key: key, events: &eventLog{}, clock: clock.Fake(time.Unix(0, 0))}
	l, err := NewPeerLink(context.Background(), key, testPeerConfig(), s.net, func(sig domain.Signal) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sent = append(s.sent, sig)
		return nil
	}, s.events, s.clock)
	require.NoError(t, err)
	s.link = l
	t.Cleanup(l.Close)
	return s
}

func (s *scripted) sentOffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sig := range s.sent {
		if _, ok := sig.(domain.Offer); ok {
			n++
		}
	}
	return n
}

func (s *scripted) sentAnswer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range s.sent {
		if _, ok := sig.(domain.Answer); ok {
			return true
		}
	}
	return false
}

func remoteOffer() domain.Offer {
	return domain.Offer{SessionDescription: domain.SessionDescription{Type: domain.DescriptionOffer, SDP: `{"ufrag":"remote-0","tracks":[]}`}}
}

func testKey() domain.LinkKey {
	hi, lo := orderedIDs()
	return domain.LinkKey{Room: "r1", Local: lo, Remote: hi}
}

func waitClosed(t *testing.T, l *PeerLink) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(waitFor):
		t.Fatalf("link %s did not close", l.Key())
	}
}

func TestRemoteCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	s := newScripted(t, testKey())
	early := []domain.ICECandidate{{Candidate: "c1"}, {Candidate: "c2"}, {Candidate: "c3"}}
	for _, c := range early {
		s.link.HandleSignal(domain.Candidate{ICECandidate: c})
	}
	s.link.HandleSignal(remoteOffer())
	s.link.HandleSignal(domain.Candidate{ICECandidate: domain.ICECandidate{Candidate: "c4"}})

	want := append(early, domain.ICECandidate{Candidate: "c4"})
	require.Eventually(t, func() bool {
		return len(s.net.Engine(s.key).RemoteCandidates()) == len(want)
	}, waitFor, time.Millisecond)
	assert.Equal(t, want, s.net.Engine(s.key).RemoteCandidates())
	require.Eventually(t, s.sentAnswer, waitFor, time.Millisecond)
	assert.Zero(t, s.events.count(domain.EventError))
}

func TestAnswerWithoutOfferFails(t *testing.T) {
	s := newScripted(t, testKey())
	s.link.HandleSignal(domain.Answer{SessionDescription: domain.SessionDescription{Type: domain.DescriptionAnswer, SDP: "{}"}})
	waitClosed(t, s.link)

	errs := s.events.of(domain.EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, domain.ErrUnexpectedSignal)
	var negErr *domain.NegotiationError
	require.ErrorAs(t, errs[0].Err, &negErr)
	assert.Equal(t, domain.LinkIdle, negErr.State)
	assert.Equal(t, []domain.LinkState{domain.LinkFailed, domain.LinkClosed}, s.events.states())
	assert.True(t, s.net.Engine(s.key).Closed())
}

func TestEqualIDsGlareFails(t *testing.T) {
	id := domain.NewParticipantID()
	s := newScripted(t, domain.LinkKey{Room: "r1", Local: id, Remote: id})
	s.link.Connect()
	require.Eventually(t, func() bool { return s.sentOffers() == 1 }, waitFor, time.Millisecond)

	s.link.HandleSignal(remoteOffer())
	waitClosed(t, s.link)

	errs := s.events.of(domain.EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, domain.ErrGlare)
}

func TestNegotiationTimeout(t *testing.T) {
	s := newScripted(t, testKey())
	s.link.Connect()
	s.clock.WaitForTimers(1)
	require.Eventually(t, func() bool { return s.sentOffers() == 1 }, waitFor, time.Millisecond)

	s.clock.Advance(testPeerConfig().NegotiationTimeout)
	waitClosed(t, s.link)

	errs := s.events.of(domain.EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, domain.ErrNegotiationTimeout)
	assert.Equal(t, []domain.LinkState{domain.LinkNegotiating, domain.LinkFailed, domain.LinkClosed}, s.events.states())
}

func TestStaleTimerIgnored(t *testing.T) {
	p := newPair(t, testPeerConfig(), testPeerConfig())
	connectPair(t, p)

	// The negotiation timer was stopped; time passing changes nothing.
	p.a.clock.Advance(time.Hour)
	p.b.clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, domain.LinkConnected, p.a.state())
	assert.Equal(t, domain.LinkConnected, p.b.state())
}

func waitDeadline(t *testing.T, c *clock.FakeClock, want time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, ok := c.NextDeadline()
		return ok && d == want
	}, waitFor, time.Millisecond, "no timer due in %s", want)
}

func TestReconnectBackoffExhausts(t *testing.T) {
	cfg := testPeerConfig()
	p := newPair(t, cfg, cfg)
	connectPair(t, p)
	ea := p.engine(p.a)
	base := ea.Negotiations()

	p.net.Partition(p.b.key.Local)
	waitState(t, p.a, domain.LinkReconnecting)
	waitState(t, p.b, domain.LinkReconnecting)

	start := p.a.clock.Now()
	var attemptsAt []time.Duration
	for k := 1; k <= cfg.Backoff.MaxAttempts; k++ {
		waitDeadline(t, p.a.clock, cfg.Backoff.Delay(k))
		d, _ := p.a.clock.NextDeadline()
		p.a.clock.Advance(d)
		attemptsAt = append(attemptsAt, p.a.clock.Now().Sub(start))

		require.Eventually(t, func() bool {
			return ea.Restarts() == k && ea.Negotiations() == base+k
		}, waitFor, time.Millisecond, "attempt %d never finished", k)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 3 * time.Second, 7 * time.Second, 15 * time.Second, 31 * time.Second,
	}, attemptsAt)
	assert.Zero(t, p.engine(p.b).Restarts(), "only the greater id restarts")

	waitDeadline(t, p.a.clock, cfg.Backoff.Cap)
	p.a.clock.Advance(cfg.Backoff.Cap)
	waitClosed(t, p.a.link)

	states := p.a.events.states()
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, []domain.LinkState{domain.LinkReconnecting, domain.LinkFailed, domain.LinkClosed}, states[len(states)-3:])
	assert.Equal(t, 1, p.a.events.count(domain.EventPeerUnreachable))

	errs := p.a.events.of(domain.EventError)
	require.Len(t, errs, 1)
	var connErr *domain.ConnectivityError
	require.ErrorAs(t, errs[0].Err, &connErr)
	assert.ErrorIs(t, connErr, domain.ErrReconnectExhausted)
	assert.Equal(t, cfg.Backoff.MaxAttempts, connErr.Attempts)

	var kinds []domain.EventKind
	for _, ev := range p.a.events.all() {
		if ev.Kind == domain.EventError || ev.Kind == domain.EventPeerUnreachable {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []domain.EventKind{domain.EventError, domain.EventPeerUnreachable}, kinds)
}

func TestReconnectRecovers(t *testing.T) {
	p := newPair(t, testPeerConfig(), testPeerConfig())
	connectPair(t, p)
	ea := p.engine(p.a)
	base := ea.Negotiations()

	p.net.Partition(p.b.key.Local)
	waitState(t, p.a, domain.LinkReconnecting)
	waitDeadline(t, p.a.clock, time.Second)
	p.a.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return ea.Negotiations() == base+1 }, waitFor, time.Millisecond)

	p.net.Heal(p.b.key.Local)
	waitState(t, p.a, domain.LinkConnected)
	waitState(t, p.b, domain.LinkConnected)

	assert.Equal(t, 2, p.a.events.entered(domain.LinkConnected))
	assert.Zero(t, p.a.events.count(domain.EventError))
	require.Eventually(t, func() bool { return p.a.clock.PendingCount() == 0 }, waitFor, time.Millisecond)
}

func TestRenegotiationGlareKeepsBothTracks(t *testing.T) {
	p := newPair(t, testPeerConfig(), testPeerConfig())
	connectPair(t, p)
	ctx := context.Background()

	cam := domain.Track{ID: "cam", StreamID: "a", Kind: domain.TrackVideo}
	mic := domain.Track{ID: "mic", StreamID: "b", Kind: domain.TrackAudio}

	p.wire.hold()
	require.NoError(t, p.a.link.AddTrack(ctx, cam))
	require.NoError(t, p.b.link.AddTrack(ctx, mic))
	require.Eventually(t, func() bool { return p.wire.heldOffers() == 2 }, waitFor, time.Millisecond)
	p.wire.release()

	require.Eventually(t, func() bool {
		return len(p.engine(p.a).RemoteTracks()) == 1 && len(p.engine(p.b).RemoteTracks()) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, []domain.Track{mic}, p.engine(p.a).RemoteTracks())
	assert.Equal(t, []domain.Track{cam}, p.engine(p.b).RemoteTracks())
	assert.Equal(t, []domain.Track{cam}, p.engine(p.a).LocalTracks())
	assert.Equal(t, []domain.Track{mic}, p.engine(p.b).LocalTracks())

	rollbacks := p.a.events.count(domain.EventGlareRollback) + p.b.events.count(domain.EventGlareRollback)
	assert.Equal(t, 1, rollbacks)
	assert.Equal(t, 1, p.a.events.entered(domain.LinkConnected))
	assert.Equal(t, 1, p.b.events.entered(domain.LinkConnected))

	require.Eventually(t, func() bool {
		return p.a.events.count(domain.EventRemoteTrack) == 1 && p.b.events.count(domain.EventRemoteTrack) == 1
	}, waitFor, time.Millisecond)
}

func TestCloseReleasesEngine(t *testing.T) {
	p := newPair(t, testPeerConfig(), testPeerConfig())
	connectPair(t, p)

	p.a.link.Close()
	assert.Equal(t, domain.LinkClosed, p.a.state())
	assert.True(t, p.engine(p.a).Closed())

	err := p.a.link.AddTrack(context.Background(), domain.Track{ID: "late"})
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}

func TestContextCancelClosesLink(t *testing.T) {
	hi, lo := orderedIDs()
	ctx, cancel := context.WithCancel(context.Background())
	l, err := NewPeerLink(ctx, domain.LinkKey{Room: "r1", Local: hi, Remote: lo}, testPeerConfig(), memory.NewNetwork(),
		func(domain.Signal) error { return errors.New("unused") }, &eventLog{}, clock.Real())
	require.NoError(t, err)

	cancel()
	waitClosed(t, l)
	assert.Equal(t, domain.LinkClosed, l.State())
}
