package ws

import (
	"testing"

	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(from domain.ParticipantID, typ domain.MessageType, seq uint64) domain.Envelope {
	return domain.Envelope{Type: typ, RoomID: "r1", From: from, Seq: seq}
}

func seqs(envs []domain.Envelope) []uint64 {
	out := make([]uint64, len(envs))
	for i, e := range envs {
		out[i] = e.Seq
	}
	return out
}

func TestOutboxSupersedesAboveThreshold(t *testing.T) {
	q := newOutbox(100, 2, zerolog.Nop())
	a, b := domain.NewParticipantID(), domain.NewParticipantID()

	require.NoError(t, q.push(env(a, domain.TypeOffer, 1)))
	require.NoError(t, q.push(env(b, domain.TypeOffer, 2)))
	// At the threshold nothing is superseded yet.
	require.NoError(t, q.push(env(a, domain.TypeOffer, 3)))
	// Above it, a's oldest offer is replaced and the new one goes last.
	require.NoError(t, q.push(env(a, domain.TypeOffer, 4)))

	assert.Equal(t, []uint64{2, 3, 4}, seqs(q.take()))
}

func TestOutboxNeverDropsCandidates(t *testing.T) {
	q := newOutbox(100, 0, zerolog.Nop())
	a := domain.NewParticipantID()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.push(env(a, domain.TypeICECandidate, i)))
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs(q.take()))
}

func TestOutboxFull(t *testing.T) {
	q := newOutbox(3, 10, zerolog.Nop())
	a := domain.NewParticipantID()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.push(env(a, domain.TypeICECandidate, i)))
	}
	assert.ErrorIs(t, q.push(env(a, domain.TypeICECandidate, 4)), ErrSlowConsumer)
	assert.Equal(t, 3, q.len())

	q.close()
	assert.ErrorIs(t, q.push(env(a, domain.TypeOffer, 5)), ErrConnClosed)
	assert.Empty(t, q.take())
}
