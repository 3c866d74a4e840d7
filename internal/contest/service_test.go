package contest_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/inhouse/match-engine/internal/contest"
	"github.com/inhouse/match-engine/internal/matchmaker"
	"github.com/inhouse/match-engine/internal/model"
	"github.com/inhouse/match-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// testCandidate builds a ten-player candidate: blue players b-<role>,
// red players r-<role>.
func testCandidate() *matchmaker.Candidate {
	var assignments []model.Assignment
	for _, side := range []model.Side{model.SideBlue, model.SideRed} {
		prefix := "b-"
		if side == model.SideRed {
			prefix = "r-"
		}
		for _, role := range model.Roles {
			id := prefix + string(role)
			assignments = append(assignments, model.Assignment{
				Player: model.Player{ID: id, Name: id},
				Role:   role,
				Side:   side,
				Rating: d(1500),
			})
		}
	}
	return &matchmaker.Candidate{
		Assignments:        assignments,
		BlueWinProbability: d(0.5),
		Imbalance:          decimal.Zero,
	}
}

func newService(t *testing.T) (*contest.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return contest.NewService(ms), ms
}

func commitGame(t *testing.T, svc *contest.Service) *model.Game {
	t.Helper()
	game, err := svc.Commit(context.Background(), "s1", "c1", testCandidate())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return game
}

func TestCommit_PersistsUnscoredGame(t *testing.T) {
	svc, ms := newService(t)
	game := commitGame(t, svc)

	if game.ID == "" {
		t.Error("expected a game id")
	}
	if game.Scored() {
		t.Error("a freshly committed game must be unscored")
	}

	stored, err := ms.GetGame(context.Background(), game.ID)
	if err != nil {
		t.Fatalf("get stored game: %v", err)
	}
	if len(stored.Assignments) != 10 {
		t.Errorf("expected 10 assignments persisted, got %d", len(stored.Assignments))
	}
}

func TestCommit_PersistenceFailure(t *testing.T) {
	svc, ms := newService(t)
	ms.FailCreate = fmt.Errorf("connection refused")

	if _, err := svc.Commit(context.Background(), "s1", "c1", testCandidate()); !errors.Is(err, contest.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestScore_SetsWinnerOnce(t *testing.T) {
	svc, _ := newService(t)
	commitGame(t, svc)

	game, err := svc.Score(context.Background(), "s1", "b-TOP", model.SideBlue)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if game.Winner != model.SideBlue || game.ScoredAt == nil {
		t.Errorf("expected BLUE winner with scored time, got %+v", game)
	}

	// Scoring the same game again fails.
	if _, err := svc.Score(context.Background(), "s1", "r-MID", model.SideRed); !errors.Is(err, contest.ErrAlreadyScored) {
		t.Fatalf("expected ErrAlreadyScored on second score, got %v", err)
	}
}

func TestScore_NoGameForPlayer(t *testing.T) {
	svc, _ := newService(t)
	commitGame(t, svc)

	if _, err := svc.Score(context.Background(), "s1", "stranger", model.SideBlue); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScoreGame_NotParticipant(t *testing.T) {
	svc, _ := newService(t)
	game := commitGame(t, svc)

	if _, err := svc.ScoreGame(context.Background(), game.ID, "stranger", model.SideBlue); !errors.Is(err, contest.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	// The rejected report must not have touched the record.
	stored, err := svc.Get(context.Background(), game.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Scored() {
		t.Error("game must stay unscored after a rejected report")
	}
}

func TestScore_UsesLatestGame(t *testing.T) {
	svc, _ := newService(t)
	first := commitGame(t, svc)
	second := commitGame(t, svc)

	game, err := svc.Score(context.Background(), "s1", "b-TOP", model.SideRed)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if game.ID != second.ID {
		t.Errorf("score should target the most recent game %s, got %s (first was %s)",
			second.ID, game.ID, first.ID)
	}
}

func TestList_NewestFirstWithLimit(t *testing.T) {
	svc, _ := newService(t)
	commitGame(t, svc)
	second := commitGame(t, svc)

	games, err := svc.List(context.Background(), "s1", "c1", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(games) != 1 {
		t.Fatalf("expected 1 game with limit 1, got %d", len(games))
	}
	if games[0].ID != second.ID {
		t.Errorf("expected newest game %s first, got %s", second.ID, games[0].ID)
	}

	if games, err := svc.List(context.Background(), "s1", "empty", 10); err != nil || len(games) != 0 {
		t.Errorf("empty channel should list nothing, got %v / %v", games, err)
	}
}

func TestCancelLast_DeletesUnscoredGame(t *testing.T) {
	svc, ms := newService(t)
	game := commitGame(t, svc)

	cancelled, err := svc.CancelLast(context.Background(), "s1", "r-SUP")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.ID != game.ID {
		t.Errorf("cancelled wrong game: %s", cancelled.ID)
	}
	if _, err := ms.GetGame(context.Background(), game.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("cancelled game should be deleted")
	}
}

func TestCancelLast_AfterScoringFails(t *testing.T) {
	svc, _ := newService(t)
	commitGame(t, svc)

	if _, err := svc.Score(context.Background(), "s1", "b-TOP", model.SideBlue); err != nil {
		t.Fatalf("score: %v", err)
	}
	if _, err := svc.CancelLast(context.Background(), "s1", "b-TOP"); !errors.Is(err, contest.ErrAlreadyScored) {
		t.Fatalf("expected ErrAlreadyScored, got %v", err)
	}
}
