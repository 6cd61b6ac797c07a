package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type events struct {
	mu         sync.Mutex
	candidates []domain.ICECandidate
	states     []domain.ConnectionState
	frames     [][]byte
	tracks     []domain.Track
}

func (e *events) OnICECandidate(c domain.ICECandidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c)
}

func (e *events) OnConnectionStateChange(s domain.ConnectionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, s)
}

func (e *events) OnChannelMessage(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, data)
}

func (e *events) OnRemoteTrack(t domain.Track) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks = append(e.tracks, t)
}

func (e *events) lastState() domain.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.states) == 0 {
		return domain.ConnectionNew
	}
	return e.states[len(e.states)-1]
}

func (e *events) frameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

type side struct {
	key    domain.LinkKey
	engine *Engine
	events *events
}

func newPair(t *testing.T, n *Network) (a, b side) {
	t.Helper()
	ida, idb := domain.NewParticipantID(), domain.NewParticipantID()
	a = side{key: domain.LinkKey{Room: "r1", Local: ida, Remote: idb}, events: &events{}}
	b = side{key: domain.LinkKey{Room: "r1", Local: idb, Remote: ida}, events: &events{}}
	for _, s := range []*side{&a, &b} {
		e, err := n.NewEngine(context.Background(), s.key, s.events)
		require.NoError(t, err)
		s.engine = e.(*Engine)
	}
	return a, b
}

func negotiate(t *testing.T, offerer, answerer side, iceRestart bool) {
	t.Helper()
	ctx := context.Background()
	offer, err := offerer.engine.CreateOffer(ctx, iceRestart)
	require.NoError(t, err)
	require.NoError(t, offerer.engine.SetLocalDescription(ctx, offer))
	require.NoError(t, answerer.engine.SetRemoteDescription(ctx, offer))
	answer, err := answerer.engine.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, answerer.engine.SetLocalDescription(ctx, answer))
	require.NoError(t, offerer.engine.SetRemoteDescription(ctx, answer))
}

func TestExchangeConnectsBothSides(t *testing.T) {
	n := NewNetwork()
	a, b := newPair(t, n)

	negotiate(t, a, b, false)

	assert.True(t, a.engine.Connected())
	assert.True(t, b.engine.Connected())
	assert.Equal(t, domain.ConnectionConnected, a.events.lastState())
	assert.Equal(t, domain.ConnectionConnected, b.events.lastState())
	assert.Len(t, a.events.candidates, 1)
	assert.Len(t, b.events.candidates, 1)
}

func TestSignalingStateErrors(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	a, _ := newPair(t, n)

	_, err := a.engine.CreateAnswer(ctx)
	assert.ErrorIs(t, err, ErrSignalingState)
	assert.ErrorIs(t, a.engine.Rollback(ctx), ErrSignalingState)
	assert.ErrorIs(t, a.engine.AddICECandidate(ctx, domain.ICECandidate{Candidate: "c"}), ErrNoRemote)

	require.NoError(t, a.engine.Close())
	_, err = a.engine.CreateOffer(ctx, false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRollbackUncommitsTracks(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	a, b := newPair(t, n)
	negotiate(t, a, b, false)

	track := domain.Track{ID: "mic", StreamID: "s", Kind: domain.TrackAudio}
	require.NoError(t, a.engine.AddTrack(ctx, track))
	offer, err := a.engine.CreateOffer(ctx, false)
	require.NoError(t, err)
	require.NoError(t, a.engine.SetLocalDescription(ctx, offer))
	assert.Equal(t, []domain.Track{track}, a.engine.LocalTracks())

	require.NoError(t, a.engine.Rollback(ctx))
	assert.Empty(t, a.engine.LocalTracks())
	assert.Equal(t, 1, a.engine.Rollbacks())

	negotiate(t, a, b, false)
	assert.Equal(t, []domain.Track{track}, a.engine.LocalTracks())
	assert.Equal(t, []domain.Track{track}, b.engine.RemoteTracks())
}

func TestPartitionAndRestart(t *testing.T) {
	n := NewNetwork()
	a, b := newPair(t, n)
	negotiate(t, a, b, false)

	n.Partition(b.key.Local)
	assert.Equal(t, domain.ConnectionDisconnected, a.events.lastState())
	assert.Equal(t, domain.ConnectionDisconnected, b.events.lastState())

	negotiate(t, a, b, true)
	assert.False(t, a.engine.Connected(), "no connectivity while partitioned")
	assert.Equal(t, 1, a.engine.Restarts())

	n.Heal(b.key.Local)
	assert.True(t, a.engine.Connected())
	assert.True(t, b.engine.Connected())
}

func TestChannelDeliversInOrderAndSignalsLow(t *testing.T) {
	n := NewNetwork()
	a, b := newPair(t, n)
	negotiate(t, a, b, false)

	n.HoldChannels(true)
	ch := a.engine.Channel()
	ch.SetBufferedAmountLowThreshold(0)
	low := make(chan struct{}, 1)
	ch.OnBufferedAmountLow(func() {
		select {
		case low <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, ch.Send([]byte{byte(i)}))
	}
	assert.Equal(t, uint64(10), ch.BufferedAmount())

	n.HoldChannels(false)
	select {
	case <-low:
	case <-time.After(5 * time.Second):
		t.Fatal("buffered amount never went low")
	}

	require.Eventually(t, func() bool { return b.events.frameCount() == 10 }, 5*time.Second, time.Millisecond)
	b.events.mu.Lock()
	defer b.events.mu.Unlock()
	for i, f := range b.events.frames {
		assert.Equal(t, []byte{byte(i)}, f)
	}
	assert.Equal(t, uint64(10), a.engine.MaxBuffered())
}

func TestSendBeforeConnectFails(t *testing.T) {
	n := NewNetwork()
	a, _ := newPair(t, n)
	assert.ErrorIs(t, a.engine.Channel().Send([]byte("x")), ErrNotConnected)
}
