// Package memory holds relay state that lives only for the process.
package memory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
)

// TokenStore gates rooms behind shared tokens. Rooms without a token are
// open to anyone.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[domain.RoomID]string
}

var _ port.RoomAuthorizer = (*TokenStore)(nil)

func NewTokenStore(tokens map[string]string) *TokenStore {
	s := &TokenStore{tokens: make(map[domain.RoomID]string, len(tokens))}
	for room, token := range tokens {
		s.tokens[domain.RoomID(room)] = token
	}
	return s
}

// Set restricts room to token; an empty token opens it again.
func (s *TokenStore) Set(room domain.RoomID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		delete(s.tokens, room)
		return
	}
	s.tokens[room] = token
}

func (s *TokenStore) Authorize(_ context.Context, room domain.RoomID, _ domain.ParticipantID, req domain.JoinRequest) error {
	s.mu.RLock()
	want, ok := s.tokens[room]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(req.Token)) != 1 {
		return fmt.Errorf("%w: bad token for room %s", domain.ErrUnauthorized, room)
	}
	return nil
}
