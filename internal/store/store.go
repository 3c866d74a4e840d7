// Package store defines the persistence interface for committed game
// records. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// Waiting queues and active ready checks are deliberately not persisted;
// they are in-process state owned by the queue and readycheck packages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/inhouse/match-engine/internal/model"
)

// ErrNotFound is returned when no game matches the query. Callers use it
// to distinguish "no such game" from a store failure.
var ErrNotFound = errors.New("store: game not found")

// Store is the persistence interface for game records.
type Store interface {
	// CreateGame persists a newly committed game (winner unset).
	CreateGame(ctx context.Context, g *model.Game) error

	// GetGame retrieves a game by id.
	GetGame(ctx context.Context, id string) (*model.Game, error)

	// LatestGameByPlayer returns the player's most recent game on the
	// server, scored or not. ErrNotFound when the player has none.
	LatestGameByPlayer(ctx context.Context, serverID, playerID string) (*model.Game, error)

	// SetWinner records the winning side and scoring time.
	SetWinner(ctx context.Context, id string, winner model.Side, scoredAt time.Time) error

	// DeleteGame removes a game record (pre-scoring cancellation).
	DeleteGame(ctx context.Context, id string) error

	// ListGamesByChannel returns up to limit most recent games for a
	// channel, newest first.
	ListGamesByChannel(ctx context.Context, serverID, channelID string, limit int) ([]model.Game, error)
}
