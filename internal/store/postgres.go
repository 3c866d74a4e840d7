package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/inhouse/match-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Probabilities and ratings are stored as NUMERIC for exact precision.
//
// Schema:
//
//	games(id TEXT PK, server_id TEXT, channel_id TEXT,
//	      blue_win_probability NUMERIC, winner TEXT NULL,
//	      created_at TIMESTAMPTZ, scored_at TIMESTAMPTZ NULL)
//	game_participants(game_id TEXT FK, player_id TEXT, player_name TEXT,
//	      role TEXT, side TEXT, rating NUMERIC,
//	      PRIMARY KEY (game_id, role, side))
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.Game) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create game %s: %w", g.ID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO games (id, server_id, channel_id, blue_win_probability, winner, created_at, scored_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, NULLIF($5, ''), $6, $7)`,
		g.ID, g.ServerID, g.ChannelID,
		g.BlueWinProbability.String(), string(g.Winner), g.CreatedAt, g.ScoredAt,
	)
	if err != nil {
		return fmt.Errorf("create game %s: %w", g.ID, err)
	}

	for _, a := range g.Assignments {
		_, err = tx.Exec(ctx,
			`INSERT INTO game_participants (game_id, player_id, player_name, role, side, rating)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC)`,
			g.ID, a.Player.ID, a.Player.Name, string(a.Role), string(a.Side), a.Rating.String(),
		)
		if err != nil {
			return fmt.Errorf("create game %s participant %s: %w", g.ID, a.Player.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	g, err := s.scanGame(ctx,
		`SELECT id, server_id, channel_id, blue_win_probability::TEXT,
		        COALESCE(winner, ''), created_at, scored_at
		 FROM games WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", id, err)
	}
	return g, nil
}

func (s *PostgresStore) LatestGameByPlayer(ctx context.Context, serverID, playerID string) (*model.Game, error) {
	g, err := s.scanGame(ctx,
		`SELECT g.id, g.server_id, g.channel_id, g.blue_win_probability::TEXT,
		        COALESCE(g.winner, ''), g.created_at, g.scored_at
		 FROM games g
		 JOIN game_participants gp ON gp.game_id = g.id
		 WHERE g.server_id = $1 AND gp.player_id = $2
		 ORDER BY g.created_at DESC
		 LIMIT 1`, serverID, playerID)
	if err != nil {
		return nil, fmt.Errorf("latest game for player %s: %w", playerID, err)
	}
	return g, nil
}

func (s *PostgresStore) SetWinner(ctx context.Context, id string, winner model.Side, scoredAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET winner = $2, scored_at = $3 WHERE id = $1`,
		id, string(winner), scoredAt,
	)
	if err != nil {
		return fmt.Errorf("set winner for game %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) DeleteGame(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete game %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM game_participants WHERE game_id = $1`, id); err != nil {
		return fmt.Errorf("delete game %s participants: %w", id, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM games WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete game %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListGamesByChannel(ctx context.Context, serverID, channelID string, limit int) ([]model.Game, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, server_id, channel_id, blue_win_probability::TEXT,
		        COALESCE(winner, ''), created_at, scored_at
		 FROM games
		 WHERE server_id = $1 AND channel_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`, serverID, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []model.Game
	for rows.Next() {
		var g model.Game
		var prob, winner string
		if err := rows.Scan(&g.ID, &g.ServerID, &g.ChannelID, &prob, &winner, &g.CreatedAt, &g.ScoredAt); err != nil {
			return nil, err
		}
		g.BlueWinProbability, _ = decimal.NewFromString(prob)
		g.Winner = model.Side(winner)
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range games {
		assignments, err := s.loadAssignments(ctx, games[i].ID)
		if err != nil {
			return nil, err
		}
		games[i].Assignments = assignments
	}
	return games, nil
}

// scanGame runs a single-game query and loads its assignments.
func (s *PostgresStore) scanGame(ctx context.Context, query string, args ...any) (*model.Game, error) {
	var g model.Game
	var prob, winner string

	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&g.ID, &g.ServerID, &g.ChannelID, &prob, &winner, &g.CreatedAt, &g.ScoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	g.BlueWinProbability, _ = decimal.NewFromString(prob)
	g.Winner = model.Side(winner)

	g.Assignments, err = s.loadAssignments(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) loadAssignments(ctx context.Context, gameID string) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT player_id, player_name, role, side, rating::TEXT
		 FROM game_participants
		 WHERE game_id = $1
		 ORDER BY side, array_position(ARRAY['TOP','JGL','MID','BOT','SUP'], role)`,
		gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []model.Assignment
	for rows.Next() {
		var a model.Assignment
		var role, side, ratingS string
		if err := rows.Scan(&a.Player.ID, &a.Player.Name, &role, &side, &ratingS); err != nil {
			return nil, err
		}
		a.Role = model.Role(role)
		a.Side = model.Side(side)
		a.Rating, _ = decimal.NewFromString(ratingS)
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}
