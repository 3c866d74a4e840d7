package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inhouse/match-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	games map[string]*model.Game

	// FailCreate, when set, makes CreateGame return the given error.
	// Test hook for persistence-failure paths.
	FailCreate error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games: make(map[string]*model.Game),
	}
}

func (s *MemoryStore) CreateGame(_ context.Context, g *model.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCreate != nil {
		return s.FailCreate
	}
	if _, exists := s.games[g.ID]; exists {
		return fmt.Errorf("game %s already exists", g.ID)
	}

	// Store a copy to avoid external mutation.
	s.games[g.ID] = copyGame(g)
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, id string) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyGame(g), nil
}

func (s *MemoryStore) LatestGameByPlayer(_ context.Context, serverID, playerID string) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Game
	for _, g := range s.games {
		if g.ServerID != serverID || !g.HasPlayer(playerID) {
			continue
		}
		if latest == nil || g.CreatedAt.After(latest.CreatedAt) {
			latest = g
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no game for player %s on server %s", ErrNotFound, playerID, serverID)
	}
	return copyGame(latest), nil
}

func (s *MemoryStore) SetWinner(_ context.Context, id string, winner model.Side, scoredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	g.Winner = winner
	t := scoredAt
	g.ScoredAt = &t
	return nil
}

func (s *MemoryStore) DeleteGame(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.games, id)
	return nil
}

func (s *MemoryStore) ListGamesByChannel(_ context.Context, serverID, channelID string, limit int) ([]model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var games []model.Game
	for _, g := range s.games {
		if g.ServerID == serverID && g.ChannelID == channelID {
			games = append(games, *copyGame(g))
		}
	}
	// Newest first.
	sort.Slice(games, func(i, j int) bool {
		return games[i].CreatedAt.After(games[j].CreatedAt)
	})
	if limit > 0 && len(games) > limit {
		games = games[:limit]
	}
	return games, nil
}

func copyGame(g *model.Game) *model.Game {
	out := *g
	out.Assignments = append([]model.Assignment(nil), g.Assignments...)
	if g.ScoredAt != nil {
		t := *g.ScoredAt
		out.ScoredAt = &t
	}
	return &out
}
