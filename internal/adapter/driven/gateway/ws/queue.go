package ws

import (
	"errors"
	"slices"
	"sync"

	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/rs/zerolog"
)

var (
	ErrSlowConsumer = errors.New("outbound queue full")
	ErrConnClosed   = errors.New("connection closed")
)

// outbox is a connection's bounded outbound backlog. Once the backlog is
// above the supersede threshold a droppable envelope replaces the queued
// one with the same sender and type, moving to the back of the queue.
type outbox struct {
	mu        sync.Mutex
	items     []domain.Envelope
	max       int
	supersede int
	closed    bool
	ready     chan struct{}
	log       zerolog.Logger
}

func newOutbox(max, supersede int, log zerolog.Logger) *outbox {
	return &outbox{
		max:       max,
		supersede: supersede,
		ready:     make(chan struct{}, 1),
		log:       log,
	}
}

func (q *outbox) push(env domain.Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrConnClosed
	}
	if env.Droppable() && len(q.items) > q.supersede {
		if i := q.find(env); i >= 0 {
			q.items = slices.Delete(q.items, i, i+1)
			q.log.Debug().
				Str("type", string(env.Type)).
				Str("from", env.From.String()).
				Int("backlog", len(q.items)).
				Msg("Superseded queued envelope")
		}
	}
	if len(q.items) >= q.max {
		q.mu.Unlock()
		return ErrSlowConsumer
	}
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *outbox) find(env domain.Envelope) int {
	return slices.IndexFunc(q.items, func(it domain.Envelope) bool {
		return it.From == env.From && it.Type == env.Type
	})
}

// take empties the backlog.
func (q *outbox) take() []domain.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
