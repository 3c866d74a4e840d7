package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inhouse/match-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateGame(ctx context.Context, g *model.Game) error {
	if err := s.primary.CreateGame(ctx, g); err != nil {
		return err
	}
	s.cacheGame(ctx, g)
	// A new game changes every participant's "latest game".
	s.invalidateLatest(ctx, g)
	return nil
}

func (s *CachedStore) SetWinner(ctx context.Context, id string, winner model.Side, scoredAt time.Time) error {
	if err := s.primary.SetWinner(ctx, id, winner, scoredAt); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	if g, err := s.primary.GetGame(ctx, id); err == nil {
		s.invalidateLatest(ctx, g)
	}
	s.rdb.Del(ctx, gameKey(id))
	return nil
}

func (s *CachedStore) DeleteGame(ctx context.Context, id string) error {
	g, _ := s.primary.GetGame(ctx, id)
	if err := s.primary.DeleteGame(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, gameKey(id))
	if g != nil {
		s.invalidateLatest(ctx, g)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	data, err := s.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == nil {
		var g model.Game
		if json.Unmarshal(data, &g) == nil {
			return &g, nil
		}
	}

	// Cache miss: read from primary.
	g, err := s.primary.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheGame(ctx, g)
	return g, nil
}

func (s *CachedStore) LatestGameByPlayer(ctx context.Context, serverID, playerID string) (*model.Game, error) {
	// Try cache via player→gameID mapping.
	gameID, err := s.rdb.Get(ctx, latestKey(serverID, playerID)).Result()
	if err == nil {
		return s.GetGame(ctx, gameID)
	}

	g, err := s.primary.LatestGameByPlayer(ctx, serverID, playerID)
	if err != nil {
		return nil, err
	}

	s.cacheGame(ctx, g)
	s.rdb.Set(ctx, latestKey(serverID, playerID), g.ID, s.ttl)
	return g, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListGamesByChannel(ctx context.Context, serverID, channelID string, limit int) ([]model.Game, error) {
	return s.primary.ListGamesByChannel(ctx, serverID, channelID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheGame(ctx context.Context, g *model.Game) {
	if data, err := json.Marshal(g); err == nil {
		s.rdb.Set(ctx, gameKey(g.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateLatest(ctx context.Context, g *model.Game) {
	for _, a := range g.Assignments {
		s.rdb.Del(ctx, latestKey(g.ServerID, a.Player.ID))
	}
}

func gameKey(id string) string { return fmt.Sprintf("game:%s", id) }

func latestKey(serverID, playerID string) string {
	return fmt.Sprintf("latest:%s:%s", serverID, playerID)
}
