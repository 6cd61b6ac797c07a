package service

import (
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/Wyydra/yamesh/internal/core/domain"
)

// registry is the sharded room arena. A shard lock only guards its map;
// membership is guarded by each room's own lock. A room lock may be held
// while taking a shard lock, never the other way around.
type registry struct {
	shards []*shard
}

type shard struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*room
}

type room struct {
	id        domain.RoomID
	createdAt time.Time

	mu      sync.Mutex
	members map[domain.ParticipantID]*Session
	// closed is set when the last member leaves; a joiner that looked the
	// room up before that must retry.
	closed bool
}

func newRegistry(shards int) *registry {
	r := &registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[domain.RoomID]*room)}
	}
	return r
}

func (r *registry) shardFor(id domain.RoomID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *registry) get(id domain.RoomID) *room {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[id]
}

func (r *registry) getOrCreate(id domain.RoomID, now time.Time) *room {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[id]
	if !ok {
		rm = &room{id: id, createdAt: now, members: make(map[domain.ParticipantID]*Session)}
		s.rooms[id] = rm
	}
	return rm
}

// remove drops rm from its shard. Called with rm.mu held.
func (r *registry) remove(rm *room) {
	s := r.shardFor(rm.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[rm.id] == rm {
		delete(s.rooms, rm.id)
	}
}

func (r *registry) all() []*room {
	var out []*room
	for _, s := range r.shards {
		s.mu.Lock()
		for _, rm := range s.rooms {
			out = append(out, rm)
		}
		s.mu.Unlock()
	}
	return out
}

// roster returns members sorted by join time. Called with rm.mu held.
func (rm *room) roster(except domain.ParticipantID) []domain.ParticipantInfo {
	infos := make([]domain.ParticipantInfo, 0, len(rm.members))
	for id, s := range rm.members {
		if id == except {
			continue
		}
		infos = append(infos, s.participant.Info())
	}
	slices.SortFunc(infos, func(a, b domain.ParticipantInfo) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	return infos
}
