// Package contest manages committed game records: commit after a
// validated ready check, score by a winning participant, and cancel
// before scoring.
package contest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inhouse/match-engine/internal/matchmaker"
	"github.com/inhouse/match-engine/internal/model"
	"github.com/inhouse/match-engine/internal/store"
)

var (
	// ErrAlreadyScored is returned when scoring or cancelling a game
	// whose winner is already set.
	ErrAlreadyScored = errors.New("contest: game already scored")

	// ErrNotParticipant is returned when the reporting player is not one
	// of the game's ten participants.
	ErrNotParticipant = errors.New("contest: player is not a participant of this game")

	// ErrPersistence wraps store failures. The caller must not assume
	// the write happened.
	ErrPersistence = errors.New("contest: persistence failure")
)

// Service implements the game lifecycle over a Store.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService creates a new contest service.
func NewService(st store.Store) *Service {
	return &Service{
		store: st,
		now:   time.Now,
	}
}

// Commit persists a new game from a matchmaker candidate, winner unset.
// Store failures are wrapped in ErrPersistence and propagated, not
// retried. The ready check must not treat the proposal as validated.
func (s *Service) Commit(ctx context.Context, serverID, channelID string, cand *matchmaker.Candidate) (*model.Game, error) {
	game := &model.Game{
		ID:                 uuid.New().String(),
		ServerID:           serverID,
		ChannelID:          channelID,
		Assignments:        append([]model.Assignment(nil), cand.Assignments...),
		BlueWinProbability: cand.BlueWinProbability,
		CreatedAt:          s.now().UTC(),
	}

	if err := s.store.CreateGame(ctx, game); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return game, nil
}

// Score records the winning side on the reporter's most recent game.
// Fails with ErrAlreadyScored if a winner is already set, and with
// store.ErrNotFound if the player has no game on the server.
func (s *Service) Score(ctx context.Context, serverID, playerID string, winner model.Side) (*model.Game, error) {
	game, err := s.store.LatestGameByPlayer(ctx, serverID, playerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return s.scoreGame(ctx, game, playerID, winner)
}

// ScoreGame records the winning side on a specific game. Fails with
// ErrNotParticipant when the reporter is not one of the ten.
func (s *Service) ScoreGame(ctx context.Context, gameID, reporterID string, winner model.Side) (*model.Game, error) {
	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return s.scoreGame(ctx, game, reporterID, winner)
}

func (s *Service) scoreGame(ctx context.Context, game *model.Game, reporterID string, winner model.Side) (*model.Game, error) {
	if !game.HasPlayer(reporterID) {
		return nil, fmt.Errorf("%w: player %s game %s", ErrNotParticipant, reporterID, game.ID)
	}
	if game.Scored() {
		return nil, fmt.Errorf("%w: game %s winner %s", ErrAlreadyScored, game.ID, game.Winner)
	}

	scoredAt := s.now().UTC()
	if err := s.store.SetWinner(ctx, game.ID, winner, scoredAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	game.Winner = winner
	game.ScoredAt = &scoredAt
	return game, nil
}

// CancelLast deletes the reporter's most recent game, valid only before
// scoring. The ten participants are not re-queued; explicit re-entry is
// required.
func (s *Service) CancelLast(ctx context.Context, serverID, playerID string) (*model.Game, error) {
	game, err := s.store.LatestGameByPlayer(ctx, serverID, playerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if game.Scored() {
		return nil, fmt.Errorf("%w: game %s", ErrAlreadyScored, game.ID)
	}

	if err := s.store.DeleteGame(ctx, game.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return game, nil
}

// Get returns a game record by id.
func (s *Service) Get(ctx context.Context, gameID string) (*model.Game, error) {
	return s.store.GetGame(ctx, gameID)
}

// List returns up to limit most recent games for a channel, newest first.
func (s *Service) List(ctx context.Context, serverID, channelID string, limit int) ([]model.Game, error) {
	games, err := s.store.ListGamesByChannel(ctx, serverID, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return games, nil
}
